package device

import (
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/coordinator"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/discovery"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/node"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/supervisor"
)

// Stats is the device stats surface.
type Stats struct {
    Mode              string  `json:"mode"`
    Coordinator       uint32  `json:"coordinator"`
    ManagedNodes      int     `json:"managed_nodes"`
    ActiveTasks       int     `json:"active_tasks"`
    CompletedTasks    uint64  `json:"completed_tasks"`
    FailedTasks       uint64  `json:"failed_tasks"`
    Uptime            uint32  `json:"uptime_ms"`
    NetworkEfficiency float32 `json:"network_efficiency"`
    Malformed         uint64  `json:"malformed_frames"`
    OutboxQueued      int     `json:"outbox_queued"`
    OutboxDropped     uint64  `json:"outbox_dropped"`
}

// Snapshot is a copy of the device state published after every tick.
type Snapshot struct {
    Device   uint32                  `json:"device"`
    At       uint32                  `json:"at"`
    Stable   bool                    `json:"stable"`
    Stats    Stats                   `json:"stats"`
    Topology []discovery.NetworkNode `json:"topology"`
    Managed  []discovery.NetworkNode `json:"managed"`
    Tasks    []coordinator.Task      `json:"tasks"`
}

// ManagedNodes returns the coordinator's managed peers, or the discovered
// peers when this device is not the coordinator.
func (d *Device) ManagedNodes() []discovery.NetworkNode {
    if c, ok := d.sup.Role().(supervisor.Coordinating); ok { return c.Coordinator.ManagedNodes() }
    var out []discovery.NetworkNode
    for _, n := range d.disc.Nodes() {
        if n.ID != d.id { out = append(out, n) }
    }
    return out
}

// ActiveTasks returns the tasks owned (coordinator) or executed (node).
func (d *Device) ActiveTasks() []coordinator.Task {
    switch r := d.sup.Role().(type) {
    case supervisor.Coordinating:
        return r.Coordinator.ActiveTasks()
    case supervisor.Following:
        return nodeTasks(r.Node)
    case supervisor.Standalone:
        return nodeTasks(r.Node)
    }
    return nil
}

func nodeTasks(n *node.Node) []coordinator.Task {
    var out []coordinator.Task
    for _, t := range n.Tasks() {
        out = append(out, coordinator.Task{
            ID:           t.ID,
            Type:         t.Type,
            AssignedNode: t.AssignedNode,
            Parameters:   t.Parameters,
            Priority:     t.Priority,
            Deadline:     t.Deadline,
            Status:       t.Status,
            CreatedTime:  t.CreatedTime,
            Attempt:      t.Attempt,
        })
    }
    return out
}

// Stats reports the counters of the owned role plus radio health.
func (d *Device) Stats() Stats {
    s := Stats{
        Mode:          d.sup.Mode().String(),
        Coordinator:   d.disc.Coordinator(),
        Uptime:        clock.Since(d.now, d.started),
        Malformed:     d.malformed,
        OutboxQueued:  d.outbox.Len(),
        OutboxDropped: d.outbox.Dropped(),
    }
    switch r := d.sup.Role().(type) {
    case supervisor.Coordinating:
        cs := r.Coordinator.Stats(d.now)
        s.ManagedNodes = cs.ManagedNodes
        s.ActiveTasks = cs.ActiveTasks
        s.CompletedTasks = cs.CompletedTasks
        s.FailedTasks = cs.FailedTasks
        s.NetworkEfficiency = cs.NetworkEfficiency
        return s
    case supervisor.Following:
        s.Coordinator = r.Node.Coordinator()
    }
    ns := d.sup.Node().Stats()
    s.ManagedNodes = d.disc.PeerCount()
    s.ActiveTasks = ns.ActiveTasks
    s.CompletedTasks = ns.Completed
    s.FailedTasks = ns.Failed + ns.TimedOut
    s.NetworkEfficiency = coordinator.Efficiency(s.CompletedTasks, s.FailedTasks)
    return s
}

func (d *Device) publish() {
    s := &Snapshot{
        Device:   d.id,
        At:       d.now,
        Stable:   d.disc.IsStable(),
        Stats:    d.Stats(),
        Topology: d.disc.Nodes(),
        Managed:  d.ManagedNodes(),
        Tasks:    d.ActiveTasks(),
    }
    d.snap.Store(s)
}

// Snapshot returns the state published by the last tick. Safe from any
// goroutine.
func (d *Device) Snapshot() Snapshot {
    if s := d.snap.Load(); s != nil { return *s }
    return Snapshot{Device: d.id}
}

// PushConfig applies u locally and, when this device coordinates, sends it
// to the fleet. Rejected updates are not sent.
func (d *Device) PushConfig(u protocol.ConfigUpdate) protocol.ConfigAck {
    ack := d.sup.ApplyConfig(u)
    if !ack.Accepted { return ack }
    if c, ok := d.sup.Role().(supervisor.Coordinating); ok { c.Coordinator.BroadcastConfig(u) }
    return ack
}

// AssignTask hands a task to the coordinator role.
func (d *Device) AssignTask(taskType string, target uint32, params map[string]string, priority uint8) (uint32, error) {
    c, ok := d.sup.Role().(supervisor.Coordinating)
    if !ok { return 0, coordinator.ErrNotActive }
    return c.Coordinator.AssignTask(d.now, taskType, target, params, priority, 0)
}

// ReportDetection sends a detection to the coordinator, or handles it
// directly when this device is the coordinator.
func (d *Device) ReportDetection(kind string, confidence float32, count uint16) bool {
    det := protocol.DetectionEvent{Kind: kind, Confidence: confidence, Count: count}
    switch r := d.sup.Role().(type) {
    case supervisor.Coordinating:
        r.Coordinator.Handle(d.now, protocol.NewMessage(d.id, d.id, protocol.RoleCoordinator, d.now, det))
        return true
    case supervisor.Following:
        return r.Node.ReportDetection(kind, confidence, count, 0)
    }
    return false
}

// RaiseEmergency broadcasts an alert to the fleet.
func (d *Device) RaiseEmergency(reason string, severity uint8) {
    d.Send(protocol.Broadcast, protocol.Emergency{Reason: reason, Severity: severity})
}
