// Package config provides YAML-based configuration loading for meshcam
// devices and the validated runtime coordination settings.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/joho/godotenv"
    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the device
    AppName string `mapstructure:"app_name" yaml:"app_name"`

    // DataDir base directory for persistent data (event log)
    DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

    // NodeID is the device id on the mesh; must be non-zero (0 is broadcast)
    NodeID uint32 `mapstructure:"node_id" yaml:"node_id"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log" yaml:"log"`

    // Link selects the radio transport
    Link LinkConfig `mapstructure:"link" yaml:"link"`

    // Radio shapes outbound traffic
    Radio RadioConfig `mapstructure:"radio" yaml:"radio"`

    // Device describes the static capability snapshot
    Device DeviceConfig `mapstructure:"device" yaml:"device"`

    // Coordination holds election/discovery/task timings
    Coordination Coordination `mapstructure:"coordination" yaml:"coordination"`

    // EventLog controls where coordination events are persisted
    EventLog EventLogConfig `mapstructure:"eventlog" yaml:"eventlog"`

    // Monitor is the optional live websocket feed
    Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level" yaml:"level"`
    // Format: console or json
    Format string `mapstructure:"format" yaml:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs" yaml:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable" yaml:"enable"`
    Filename   string `mapstructure:"filename" yaml:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
    Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// EventLogConfig selects event sinks.
type EventLogConfig struct {
    // SQLitePath enables the local timeline store when non-empty
    SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
    // Buffer is the async sink queue size
    Buffer int `mapstructure:"buffer" yaml:"buffer"`
    ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
}

// ClickHouseConfig configures the fleet-wide event sink on gateways.
type ClickHouseConfig struct {
    Enable   bool   `mapstructure:"enable" yaml:"enable"`
    Addr     string `mapstructure:"addr" yaml:"addr"`
    Database string `mapstructure:"database" yaml:"database"`
    Username string `mapstructure:"username" yaml:"username"`
    Password string `mapstructure:"password" yaml:"password"`
}

// MonitorConfig configures the websocket monitor.
type MonitorConfig struct {
    Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "meshcam-node",
        DataDir: "./data",
        NodeID:  1,
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/meshcam.log",
                MaxSizeMB:  10,
                MaxBackups: 3,
                MaxAgeDays: 14,
                Compress:   true,
            },
        },
        Link:         DefaultLink(),
        Radio:        DefaultRadio(),
        Device:       DefaultDevice(),
        Coordination: DefaultCoordination(),
        EventLog: EventLogConfig{
            Buffer: 256,
            ClickHouse: ClickHouseConfig{Addr: "localhost:9000", Database: "meshcam", Username: "default"},
        },
    }
}

// Load reads configuration from the provided path (if non-empty), otherwise it
// searches common locations. A .env file in the working directory is loaded
// first; environment variables use the prefix MESHCAM and `.`/`-` become `_`.
// Example: MESHCAM_COORDINATION_HEARTBEAT_INTERVAL_MS=20000
func Load(path string) (*Config, error) {
    _ = godotenv.Load()
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MESHCAM")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()
    seedDefaults(v, cfg)

    if path == "" {
        if envPath := os.Getenv("MESHCAM_CONFIG"); envPath != "" {
            path = envPath
        }
    }
    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("meshcam")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".meshcam"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }
    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// seed defaults for viper so env-only configs work
func seedDefaults(v *viper.Viper, cfg *Config) {
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("data_dir", cfg.DataDir)
    v.SetDefault("node_id", cfg.NodeID)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

    v.SetDefault("link.kind", cfg.Link.Kind)
    v.SetDefault("link.format", cfg.Link.Format)
    v.SetDefault("link.udp.listen", cfg.Link.UDP.Listen)
    v.SetDefault("link.udp.broadcast", cfg.Link.UDP.Broadcast)
    v.SetDefault("link.mqtt.broker", cfg.Link.MQTT.Broker)
    v.SetDefault("link.mqtt.topic_prefix", cfg.Link.MQTT.TopicPrefix)
    v.SetDefault("link.mqtt.username", cfg.Link.MQTT.Username)
    v.SetDefault("link.mqtt.password", cfg.Link.MQTT.Password)
    v.SetDefault("link.mqtt.qos", cfg.Link.MQTT.QoS)

    v.SetDefault("radio.bytes_per_sec", cfg.Radio.BytesPerSec)
    v.SetDefault("radio.burst_bytes", cfg.Radio.BurstBytes)
    v.SetDefault("radio.inbox_size", cfg.Radio.InboxSize)
    v.SetDefault("radio.outbox_size", cfg.Radio.OutboxSize)

    d := cfg.Device
    v.SetDefault("device.has_camera", d.HasCamera)
    v.SetDefault("device.has_radio", d.HasRadio)
    v.SetDefault("device.has_ai", d.HasAI)
    v.SetDefault("device.has_psram", d.HasPSRAM)
    v.SetDefault("device.has_storage", d.HasStorage)
    v.SetDefault("device.has_cellular", d.HasCellular)
    v.SetDefault("device.has_satellite", d.HasSatellite)
    v.SetDefault("device.battery_level", d.BatteryLevel)
    v.SetDefault("device.power_profile", d.PowerProfile)
    v.SetDefault("device.solar_voltage", d.SolarVoltage)
    v.SetDefault("device.max_resolution", d.MaxResolution)
    v.SetDefault("device.available_storage", d.AvailableStorage)

    c := cfg.Coordination
    v.SetDefault("coordination.heartbeat_interval_ms", c.HeartbeatIntervalMs)
    v.SetDefault("coordination.coordinator_timeout_ms", c.CoordinatorTimeoutMs)
    v.SetDefault("coordination.task_timeout_ms", c.TaskTimeoutMs)
    v.SetDefault("coordination.max_retries", c.MaxRetries)
    v.SetDefault("coordination.advertisement_interval_ms", c.AdvertisementIntervalMs)
    v.SetDefault("coordination.discovery_interval_ms", c.DiscoveryIntervalMs)
    v.SetDefault("coordination.discovery_timeout_ms", c.DiscoveryTimeoutMs)
    v.SetDefault("coordination.cleanup_interval_ms", c.CleanupIntervalMs)
    v.SetDefault("coordination.node_timeout_ms", c.NodeTimeoutMs)
    v.SetDefault("coordination.node_failure_timeout_ms", c.NodeFailureTimeoutMs)
    v.SetDefault("coordination.task_check_interval_ms", c.TaskCheckIntervalMs)
    v.SetDefault("coordination.topology_interval_ms", c.TopologyIntervalMs)
    v.SetDefault("coordination.stability_window_ms", c.StabilityWindowMs)
    v.SetDefault("coordination.standalone_action_interval_ms", c.StandaloneActionIntervalMs)
    v.SetDefault("coordination.load_balancing", c.LoadBalancing)
    v.SetDefault("coordination.standalone_fallback", c.StandaloneFallback)
    v.SetDefault("coordination.autonomous_mode", c.AutonomousMode)
    v.SetDefault("coordination.auto_analyze_confidence", c.AutoAnalyzeConfidence)
    v.SetDefault("coordination.max_history", c.MaxHistory)

    v.SetDefault("eventlog.sqlite_path", cfg.EventLog.SQLitePath)
    v.SetDefault("eventlog.buffer", cfg.EventLog.Buffer)
    v.SetDefault("eventlog.clickhouse.enable", cfg.EventLog.ClickHouse.Enable)
    v.SetDefault("eventlog.clickhouse.addr", cfg.EventLog.ClickHouse.Addr)
    v.SetDefault("eventlog.clickhouse.database", cfg.EventLog.ClickHouse.Database)
    v.SetDefault("eventlog.clickhouse.username", cfg.EventLog.ClickHouse.Username)
    v.SetDefault("eventlog.clickhouse.password", cfg.EventLog.ClickHouse.Password)
    v.SetDefault("monitor.listen", cfg.Monitor.Listen)
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if c.NodeID == 0 {
        return fmt.Errorf("%w: node_id must be non-zero", ErrValidation)
    }
    if c.Device.BatteryLevel > 100 {
        return fmt.Errorf("%w: device.battery_level %d out of range", ErrValidation, c.Device.BatteryLevel)
    }
    if err := c.Link.validate(); err != nil {
        return err
    }
    if c.EventLog.Buffer <= 0 {
        c.EventLog.Buffer = 256
    }
    return c.Coordination.Validate()
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
