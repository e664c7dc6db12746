package config

import "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"

// DeviceConfig is the static capability snapshot used when no hardware probe
// is available (hosts, simulation).
type DeviceConfig struct {
    HasCamera        bool    `mapstructure:"has_camera" yaml:"has_camera"`
    HasRadio         bool    `mapstructure:"has_radio" yaml:"has_radio"`
    HasAI            bool    `mapstructure:"has_ai" yaml:"has_ai"`
    HasPSRAM         bool    `mapstructure:"has_psram" yaml:"has_psram"`
    HasStorage       bool    `mapstructure:"has_storage" yaml:"has_storage"`
    HasCellular      bool    `mapstructure:"has_cellular" yaml:"has_cellular"`
    HasSatellite     bool    `mapstructure:"has_satellite" yaml:"has_satellite"`
    BatteryLevel     uint8   `mapstructure:"battery_level" yaml:"battery_level"`
    PowerProfile     string  `mapstructure:"power_profile" yaml:"power_profile"` // balanced | maximum | eco | survival
    SolarVoltage     float32 `mapstructure:"solar_voltage" yaml:"solar_voltage"`
    MaxResolution    uint32  `mapstructure:"max_resolution" yaml:"max_resolution"`
    AvailableStorage uint64  `mapstructure:"available_storage" yaml:"available_storage"`
}

func DefaultDevice() DeviceConfig {
    return DeviceConfig{HasCamera: true, HasRadio: true, BatteryLevel: 100, PowerProfile: "balanced", MaxResolution: 800 * 600}
}

// Capabilities converts the config into a protocol snapshot.
func (d DeviceConfig) Capabilities() protocol.Capabilities {
    return protocol.Capabilities{
        HasCamera:        d.HasCamera,
        HasRadio:         d.HasRadio,
        HasAI:            d.HasAI,
        HasPSRAM:         d.HasPSRAM,
        HasStorage:       d.HasStorage,
        HasCellular:      d.HasCellular,
        HasSatellite:     d.HasSatellite,
        BatteryLevel:     d.BatteryLevel,
        PowerProfile:     parsePowerProfile(d.PowerProfile),
        SolarVoltage:     d.SolarVoltage,
        MaxResolution:    d.MaxResolution,
        AvailableStorage: d.AvailableStorage,
    }
}

func parsePowerProfile(s string) protocol.PowerProfile {
    switch s {
    case "maximum":
        return protocol.PowerMaximum
    case "eco":
        return protocol.PowerEco
    case "survival":
        return protocol.PowerSurvival
    default:
        return protocol.PowerBalanced
    }
}
