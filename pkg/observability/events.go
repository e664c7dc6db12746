package observability

import (
    "sync"

    "github.com/google/uuid"
    "go.uber.org/zap"
)

// EventKind names a coordination timeline record.
type EventKind string

const (
    EventRoleTransition        EventKind = "role_transition"
    EventCoordinatorTransition EventKind = "coordinator_transition"
    EventCoordinatorFollowed   EventKind = "coordinator_followed"
    EventTopologyChange        EventKind = "topology_change"
    EventDiscoveryState        EventKind = "discovery_state"
    EventNodeFailed            EventKind = "node_failed"
    EventNodeRecovered         EventKind = "node_recovered"
    EventTaskAssigned          EventKind = "task_assigned"
    EventTaskReassigned        EventKind = "task_reassigned"
    EventTaskFailed            EventKind = "task_failed"
    EventTaskCompleted         EventKind = "task_completed"
    EventTaskTimedOut          EventKind = "task_timed_out"
    EventLoadBalanced          EventKind = "load_balanced"
    EventElection              EventKind = "election"
    EventConfigApplied         EventKind = "config_applied"
    EventConfigRejected        EventKind = "config_rejected"
    EventMessageMalformed      EventKind = "message_malformed"
    EventEmergency             EventKind = "emergency"
    EventCoordinatorState      EventKind = "coordinator_state"
    EventNodeState             EventKind = "node_state"
    EventRoleAssigned          EventKind = "role_assigned"
)

// Event is one structured coordination record. The full timeline of a device
// can be rebuilt from its events alone. Unused fields stay zero.
type Event struct {
    ID            string    `json:"id"`
    At            uint32    `json:"at"`
    Device        uint32    `json:"device"`
    Kind          EventKind `json:"kind"`
    NodeID        uint32    `json:"node_id,omitempty"`
    TaskID        uint32    `json:"task_id,omitempty"`
    From          string    `json:"from,omitempty"`
    To            string    `json:"to,omitempty"`
    Reason        string    `json:"reason,omitempty"`
    AffectedTasks int       `json:"affected_tasks,omitempty"`
}

// Recorder receives coordination events. Implementations must not block the
// caller for long; the tick calls Record inline.
type Recorder interface {
    Record(Event)
}

// Stamp fills the id when missing.
func Stamp(e Event) Event {
    if e.ID == "" { e.ID = uuid.NewString() }
    return e
}

// ZapRecorder writes every event to a zap logger.
type ZapRecorder struct {
    log *zap.Logger
}

// NewZapRecorder logs through l, or zap.L() when l is nil.
func NewZapRecorder(l *zap.Logger) *ZapRecorder {
    if l == nil { l = zap.L() }
    return &ZapRecorder{log: l.Named("events")}
}

func (r *ZapRecorder) Record(e Event) {
    fields := []zap.Field{
        zap.String("id", e.ID),
        zap.Uint32("at", e.At),
        zap.Uint32("device", e.Device),
    }
    if e.NodeID != 0 { fields = append(fields, zap.Uint32("node", e.NodeID)) }
    if e.TaskID != 0 { fields = append(fields, zap.Uint32("task", e.TaskID)) }
    if e.From != "" || e.To != "" { fields = append(fields, zap.String("from", e.From), zap.String("to", e.To)) }
    if e.Reason != "" { fields = append(fields, zap.String("reason", e.Reason)) }
    if e.AffectedTasks != 0 { fields = append(fields, zap.Int("affected_tasks", e.AffectedTasks)) }
    switch e.Kind {
    case EventNodeFailed, EventTaskFailed, EventTaskTimedOut, EventEmergency:
        r.log.Warn(string(e.Kind), fields...)
    case EventMessageMalformed:
        r.log.Debug(string(e.Kind), fields...)
    default:
        r.log.Info(string(e.Kind), fields...)
    }
}

// Multi fans one event out to several recorders.
type Multi []Recorder

func (m Multi) Record(e Event) {
    for _, r := range m {
        if r != nil { r.Record(e) }
    }
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// Memory keeps events in memory; used by tests and the simulator.
type Memory struct {
    mu     sync.Mutex
    events []Event
}

func (m *Memory) Record(e Event) {
    m.mu.Lock()
    m.events = append(m.events, e)
    m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
    m.mu.Lock()
    defer m.mu.Unlock()
    return append([]Event(nil), m.events...)
}

// Kind returns the recorded events of kind k.
func (m *Memory) Kind(k EventKind) []Event {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []Event
    for _, e := range m.events {
        if e.Kind == k { out = append(out, e) }
    }
    return out
}

// Emitter stamps events with the device id and clock before recording.
type Emitter struct {
    Device uint32
    Now    func() uint32
    Sink   Recorder
}

// Emit records e with id, device and timestamp filled in.
func (em Emitter) Emit(e Event) {
    if em.Sink == nil { return }
    e.Device = em.Device
    if e.At == 0 && em.Now != nil { e.At = em.Now() }
    em.Sink.Record(Stamp(e))
}
