package config

import (
    "io"

    "gopkg.in/yaml.v3"
)

// WriteYAML renders the effective configuration. Secrets are masked.
func (c *Config) WriteYAML(w io.Writer) error {
    out := *c
    if out.Link.MQTT.Password != "" { out.Link.MQTT.Password = "***" }
    if out.EventLog.ClickHouse.Password != "" { out.EventLog.ClickHouse.Password = "***" }
    enc := yaml.NewEncoder(w)
    enc.SetIndent(2)
    defer enc.Close()
    return enc.Encode(out)
}
