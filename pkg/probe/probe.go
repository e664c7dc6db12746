// Package probe supplies the capability snapshot of the local device.
package probe

import (
    "sync"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// Probe reads the current hardware capabilities. Snapshot is called once per
// tick and must not block.
type Probe interface {
    Snapshot() protocol.Capabilities
}

// Static returns a fixed snapshot; battery and storage may be adjusted, e.g.
// by a simulator draining batteries.
type Static struct {
    mu   sync.Mutex
    caps protocol.Capabilities
}

func NewStatic(c protocol.Capabilities) *Static { return &Static{caps: c} }

func (s *Static) Snapshot() protocol.Capabilities {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.caps
}

// SetBattery updates the reported battery level, clamped to 100.
func (s *Static) SetBattery(level uint8) {
    if level > 100 { level = 100 }
    s.mu.Lock(); s.caps.BatteryLevel = level; s.mu.Unlock()
}

// Set replaces the whole snapshot.
func (s *Static) Set(c protocol.Capabilities) {
    s.mu.Lock(); s.caps = c; s.mu.Unlock()
}

// Func adapts a function to Probe.
type Func func() protocol.Capabilities

func (f Func) Snapshot() protocol.Capabilities { return f() }
