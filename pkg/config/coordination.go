package config

import (
    "errors"
    "fmt"
    "sort"
    "strings"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// ErrValidation is returned for configuration that is out of range.
var ErrValidation = errors.New("config validation failed")

// Runtime update bounds, in milliseconds.
const (
    MinHeartbeatIntervalMs  = 10_000
    MaxHeartbeatIntervalMs  = 600_000
    MaxCoordinatorTimeoutMs = 1_800_000
    MinTaskTimeoutMs        = 30_000
    MaxRetriesLimit         = 10
)

// Coordination holds the election, discovery and task timings. All durations
// are milliseconds on the device clock.
type Coordination struct {
    HeartbeatIntervalMs        uint32  `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
    CoordinatorTimeoutMs       uint32  `mapstructure:"coordinator_timeout_ms" yaml:"coordinator_timeout_ms"`
    TaskTimeoutMs              uint32  `mapstructure:"task_timeout_ms" yaml:"task_timeout_ms"`
    MaxRetries                 uint32  `mapstructure:"max_retries" yaml:"max_retries"`
    AdvertisementIntervalMs    uint32  `mapstructure:"advertisement_interval_ms" yaml:"advertisement_interval_ms"`
    DiscoveryIntervalMs        uint32  `mapstructure:"discovery_interval_ms" yaml:"discovery_interval_ms"`
    DiscoveryTimeoutMs         uint32  `mapstructure:"discovery_timeout_ms" yaml:"discovery_timeout_ms"`
    CleanupIntervalMs          uint32  `mapstructure:"cleanup_interval_ms" yaml:"cleanup_interval_ms"` // 0 = every tick
    NodeTimeoutMs              uint32  `mapstructure:"node_timeout_ms" yaml:"node_timeout_ms"`
    NodeFailureTimeoutMs       uint32  `mapstructure:"node_failure_timeout_ms" yaml:"node_failure_timeout_ms"`
    TaskCheckIntervalMs        uint32  `mapstructure:"task_check_interval_ms" yaml:"task_check_interval_ms"`
    TopologyIntervalMs         uint32  `mapstructure:"topology_interval_ms" yaml:"topology_interval_ms"`
    StabilityWindowMs          uint32  `mapstructure:"stability_window_ms" yaml:"stability_window_ms"`
    StandaloneActionIntervalMs uint32  `mapstructure:"standalone_action_interval_ms" yaml:"standalone_action_interval_ms"`
    LoadBalancing              bool    `mapstructure:"load_balancing" yaml:"load_balancing"`
    StandaloneFallback         bool    `mapstructure:"standalone_fallback" yaml:"standalone_fallback"`
    AutonomousMode             bool    `mapstructure:"autonomous_mode" yaml:"autonomous_mode"`
    AutoAnalyzeConfidence      float32 `mapstructure:"auto_analyze_confidence" yaml:"auto_analyze_confidence"`
    MaxHistory                 int     `mapstructure:"max_history" yaml:"max_history"`
}

// DefaultCoordination returns the stock timings.
func DefaultCoordination() Coordination {
    return Coordination{
        HeartbeatIntervalMs:        15_000,
        CoordinatorTimeoutMs:       120_000,
        TaskTimeoutMs:              300_000,
        MaxRetries:                 3,
        AdvertisementIntervalMs:    30_000,
        DiscoveryIntervalMs:        10_000,
        DiscoveryTimeoutMs:         60_000,
        CleanupIntervalMs:          30_000,
        NodeTimeoutMs:              45_000,
        NodeFailureTimeoutMs:       60_000,
        TaskCheckIntervalMs:        5_000,
        TopologyIntervalMs:         60_000,
        StabilityWindowMs:          10_000,
        StandaloneActionIntervalMs: 60_000,
        LoadBalancing:              true,
        StandaloneFallback:         true,
        AutonomousMode:             true,
        AutoAnalyzeConfidence:      0.8,
        MaxHistory:                 128,
    }
}

// ValidationError lists every offending field of a rejected configuration.
type ValidationError struct {
    Fields []protocol.FieldError
}

func (e *ValidationError) Error() string {
    parts := make([]string, 0, len(e.Fields))
    for _, f := range e.Fields {
        parts = append(parts, f.Field+": "+f.Reason)
    }
    return "invalid configuration: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func checkHeartbeat(v uint32) string {
    if v < MinHeartbeatIntervalMs || v > MaxHeartbeatIntervalMs {
        return fmt.Sprintf("%d ms outside %d-%d ms", v, MinHeartbeatIntervalMs, MaxHeartbeatIntervalMs)
    }
    return ""
}

func checkCoordinatorTimeout(v uint32) string {
    if v == 0 || v > MaxCoordinatorTimeoutMs {
        return fmt.Sprintf("%d ms outside 1-%d ms", v, MaxCoordinatorTimeoutMs)
    }
    return ""
}

func checkTaskTimeout(v uint32) string {
    if v < MinTaskTimeoutMs { return fmt.Sprintf("%d ms below %d ms", v, MinTaskTimeoutMs) }
    return ""
}

func checkRetries(v uint32) string {
    if v > MaxRetriesLimit { return fmt.Sprintf("%d outside 0-%d", v, MaxRetriesLimit) }
    return ""
}

// Validate checks the runtime-updatable fields plus internal consistency.
func (c Coordination) Validate() error {
    var errs []protocol.FieldError
    add := func(field, reason string) {
        if reason != "" { errs = append(errs, protocol.FieldError{Field: field, Reason: reason}) }
    }
    add("heartbeat_interval", checkHeartbeat(c.HeartbeatIntervalMs))
    add("coordinator_timeout", checkCoordinatorTimeout(c.CoordinatorTimeoutMs))
    add("task_timeout", checkTaskTimeout(c.TaskTimeoutMs))
    add("max_retries", checkRetries(c.MaxRetries))
    if c.NodeFailureTimeoutMs <= c.NodeTimeoutMs {
        add("node_failure_timeout", fmt.Sprintf("%d ms must exceed node_timeout %d ms", c.NodeFailureTimeoutMs, c.NodeTimeoutMs))
    }
    if c.AdvertisementIntervalMs == 0 { add("advertisement_interval", "must be non-zero") }
    if c.AutoAnalyzeConfidence < 0 || c.AutoAnalyzeConfidence > 1 {
        add("auto_analyze_confidence", "must be within 0-1")
    }
    if len(errs) > 0 { return &ValidationError{Fields: errs} }
    return nil
}

// ApplyUpdate applies a runtime update all-or-nothing. When any present field
// is out of range the receiver is returned unchanged and the ack names every
// offending field; absent fields are never touched.
func (c Coordination) ApplyUpdate(u protocol.ConfigUpdate) (Coordination, protocol.ConfigAck) {
    next := c
    var ack protocol.ConfigAck
    try := func(field string, v *uint32, check func(uint32) string, set func(uint32)) {
        if v == nil { return }
        if reason := check(*v); reason != "" {
            ack.Errors = append(ack.Errors, protocol.FieldError{Field: field, Reason: reason})
            return
        }
        set(*v)
        ack.Applied = append(ack.Applied, field)
    }
    try("heartbeat_interval", u.HeartbeatIntervalMs, checkHeartbeat, func(v uint32) { next.HeartbeatIntervalMs = v })
    try("coordinator_timeout", u.CoordinatorTimeoutMs, checkCoordinatorTimeout, func(v uint32) { next.CoordinatorTimeoutMs = v })
    try("task_timeout", u.TaskTimeoutMs, checkTaskTimeout, func(v uint32) { next.TaskTimeoutMs = v })
    try("max_retries", u.MaxRetries, checkRetries, func(v uint32) { next.MaxRetries = v })

    if len(ack.Errors) > 0 {
        return c, protocol.ConfigAck{Errors: ack.Errors}
    }
    sort.Strings(ack.Applied)
    ack.Accepted = true
    return next, ack
}

// Diff builds the update that turns c into o for the runtime fields.
func (c Coordination) Diff(o Coordination) protocol.ConfigUpdate {
    var u protocol.ConfigUpdate
    pick := func(a, b uint32) *uint32 {
        if a == b { return nil }
        return &b
    }
    u.HeartbeatIntervalMs = pick(c.HeartbeatIntervalMs, o.HeartbeatIntervalMs)
    u.CoordinatorTimeoutMs = pick(c.CoordinatorTimeoutMs, o.CoordinatorTimeoutMs)
    u.TaskTimeoutMs = pick(c.TaskTimeoutMs, o.TaskTimeoutMs)
    u.MaxRetries = pick(c.MaxRetries, o.MaxRetries)
    return u
}
