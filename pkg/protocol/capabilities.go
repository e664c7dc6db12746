package protocol

import "math"

// PowerProfile is the device power policy reported by the capability probe.
type PowerProfile uint8

const (
    PowerBalanced PowerProfile = iota
    PowerMaximum
    PowerEco
    PowerSurvival
)

// LowPower reports whether the profile asks the device to stay quiet.
func (p PowerProfile) LowPower() bool { return p == PowerEco || p == PowerSurvival }

const (
    // LowBatteryThreshold is the level (percent) under which a device is
    // considered low on battery.
    LowBatteryThreshold = 20
    // HighResolutionPixels is the UXGA (1600x1200) pixel count.
    HighResolutionPixels = 1600 * 1200
    // SolarPresentVoltage is the panel voltage above which solar is counted.
    SolarPresentVoltage = 1.0
)

// Capabilities is a per-device hardware snapshot refreshed by the probe.
type Capabilities struct {
    HasCamera        bool         `json:"cam,omitempty"`
    HasRadio         bool         `json:"rad,omitempty"`
    HasAI            bool         `json:"ai,omitempty"`
    HasPSRAM         bool         `json:"psr,omitempty"`
    HasStorage       bool         `json:"sto,omitempty"`
    HasCellular      bool         `json:"cel,omitempty"`
    HasSatellite     bool         `json:"sat,omitempty"`
    BatteryLevel     uint8        `json:"bat,omitempty"`
    PowerProfile     PowerProfile `json:"pwr,omitempty"`
    SolarVoltage     float32      `json:"sol,omitempty"`
    MaxResolution    uint32       `json:"res,omitempty"`
    // string keeps all 64 bits through float-only views such as the proto Struct
    AvailableStorage uint64       `json:"free,omitempty,string"`
}

// HighResolution reports whether the camera reaches UXGA.
func (c Capabilities) HighResolution() bool { return c.MaxResolution >= HighResolutionPixels }

// HasSolar reports whether a charging panel is present.
func (c Capabilities) HasSolar() bool { return c.SolarVoltage >= SolarPresentVoltage }

// LowBattery reports whether the battery is under LowBatteryThreshold.
func (c Capabilities) LowBattery() bool { return c.BatteryLevel < LowBatteryThreshold }

func (c Capabilities) validate() error {
    if c.BatteryLevel > 100 { return malformed("battery level %d out of range", c.BatteryLevel) }
    if math.IsNaN(float64(c.SolarVoltage)) || math.IsInf(float64(c.SolarVoltage), 0) || c.SolarVoltage < 0 {
        return malformed("solar voltage not finite")
    }
    if c.PowerProfile > PowerSurvival { return malformed("unknown power profile %d", c.PowerProfile) }
    return nil
}

// Coordinator score weights, descending camera > radio > AI > storage >
// battery/solar. Changing them changes elections fleet-wide.
const (
    weightCamera     = 40
    weightRadio      = 30
    weightAI         = 20
    weightStorage    = 10
    weightPSRAM      = 4
    weightCellular   = 3
    weightSatellite  = 3
    weightBatteryMax = 8
    weightSolar      = 2
)

// ComputeCoordinatorScore derives the coordinator-eligibility score from a
// capability snapshot. It is pure and identical on every device.
func ComputeCoordinatorScore(c Capabilities) float32 {
    var s float32
    if c.HasCamera { s += weightCamera }
    if c.HasRadio { s += weightRadio }
    if c.HasAI { s += weightAI }
    if c.HasStorage { s += weightStorage }
    if c.HasPSRAM { s += weightPSRAM }
    if c.HasCellular { s += weightCellular }
    if c.HasSatellite { s += weightSatellite }
    b := c.BatteryLevel
    if b > 100 { b = 100 }
    s += float32(b) * weightBatteryMax / 100
    if c.HasSolar() { s += weightSolar }
    return s
}

// Outranks reports whether (scoreA, idA) wins against (scoreB, idB): higher
// score first, lowest node id on an exact tie.
func Outranks(scoreA float32, idA uint32, scoreB float32, idB uint32) bool {
    if scoreA != scoreB { return scoreA > scoreB }
    return idA < idB
}

// RoleForCapabilities picks the operational role the coordinator assigns to
// a device with capabilities c and the given battery level.
func RoleForCapabilities(c Capabilities, battery uint8) Role {
    lowBattery := battery < LowBatteryThreshold
    if c.HasCamera && !lowBattery {
        switch {
        case c.HasAI && c.HasPSRAM && c.HighResolution():
            return RoleAIProcessor
        case c.HighResolution() && c.HasStorage:
            return RoleHub
        default:
            return RoleCaptureNode
        }
    }
    if c.HasRadio {
        if c.HasSolar() && battery > 50 { return RoleRelay }
        if battery >= 50 { return RoleRelay }
    }
    if c.PowerProfile.LowPower() || lowBattery { return RoleStealth }
    if c.HasCellular || c.HasSatellite { return RolePortable }
    if !c.HasCamera && !c.HasRadio { return RoleEdgeSensor }
    return RoleCaptureNode
}
