package config

import (
    "fmt"
    "strings"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// LinkConfig selects the radio link and wire format.
// Example YAML:
// link:
//   kind: udp            # udp | mqtt | mem
//   format: cbor         # cbor | json | proto
//   udp:
//     listen: ":47000"
//     broadcast: "255.255.255.255:47000"
//   mqtt:
//     broker: "tcp://gateway.local:1883"
//     topic_prefix: "meshcam"
type LinkConfig struct {
    Kind   string     `mapstructure:"kind" yaml:"kind"`
    Format string     `mapstructure:"format" yaml:"format"`
    UDP    UDPConfig  `mapstructure:"udp" yaml:"udp"`
    MQTT   MQTTConfig `mapstructure:"mqtt" yaml:"mqtt"`
}

// UDPConfig configures the LAN broadcast link.
type UDPConfig struct {
    Listen    string `mapstructure:"listen" yaml:"listen"`
    Broadcast string `mapstructure:"broadcast" yaml:"broadcast"`
}

// MQTTConfig configures the broker-bridged link.
type MQTTConfig struct {
    Broker      string `mapstructure:"broker" yaml:"broker"`
    TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
    Username    string `mapstructure:"username" yaml:"username"`
    Password    string `mapstructure:"password" yaml:"password"`
    QoS         byte   `mapstructure:"qos" yaml:"qos"`
}

// RadioConfig shapes outbound traffic to the radio budget.
type RadioConfig struct {
    BytesPerSec int64 `mapstructure:"bytes_per_sec" yaml:"bytes_per_sec"`
    BurstBytes  int64 `mapstructure:"burst_bytes" yaml:"burst_bytes"`
    InboxSize   int   `mapstructure:"inbox_size" yaml:"inbox_size"`
    OutboxSize  int   `mapstructure:"outbox_size" yaml:"outbox_size"`
}

func DefaultLink() LinkConfig {
    return LinkConfig{
        Kind:   "udp",
        Format: "cbor",
        UDP:    UDPConfig{Listen: ":47000", Broadcast: "255.255.255.255:47000"},
        MQTT:   MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "meshcam", QoS: 0},
    }
}

func DefaultRadio() RadioConfig {
    return RadioConfig{BytesPerSec: 2048, BurstBytes: 8192, InboxSize: 256, OutboxSize: 512}
}

// BodyFormat returns the parsed wire format.
func (l LinkConfig) BodyFormat() (protocol.Format, error) { return protocol.ParseFormat(l.Format) }

func (l *LinkConfig) validate() error {
    l.Kind = strings.ToLower(strings.TrimSpace(l.Kind))
    switch l.Kind {
    case "udp", "mqtt", "mem":
    default:
        return fmt.Errorf("%w: unknown link.kind %q", ErrValidation, l.Kind)
    }
    if _, err := l.BodyFormat(); err != nil {
        return fmt.Errorf("%w: link.format: %v", ErrValidation, err)
    }
    if l.MQTT.QoS > 2 {
        return fmt.Errorf("%w: link.mqtt.qos %d out of range", ErrValidation, l.MQTT.QoS)
    }
    return nil
}
