package probe

import (
    "testing"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

func TestStaticBattery(t *testing.T) {
    s := NewStatic(protocol.Capabilities{HasCamera: true, BatteryLevel: 80})
    s.SetBattery(150)
    if got := s.Snapshot(); got.BatteryLevel != 100 || !got.HasCamera { t.Fatalf("snapshot = %+v", got) }
    var p Probe = Func(func() protocol.Capabilities { return protocol.Capabilities{HasAI: true} })
    if !p.Snapshot().HasAI { t.Fatalf("func probe") }
}
