package protocol

import "math"

// Payload is the tagged union of message bodies. Each message type has exactly
// one concrete variant; the set is closed to this package.
type Payload interface {
    MessageType() MessageType
    validate() error
}

// Advertisement announces a device and its capabilities (MsgDiscovery).
type Advertisement struct {
    NodeID        uint32       `json:"id"`
    PreferredRole Role         `json:"role,omitempty"`
    Capabilities  Capabilities `json:"caps"`
    Score         float32      `json:"score,omitempty"`
}

// Heartbeat is the periodic liveness ping (MsgHeartbeat).
type Heartbeat struct {
    Role        Role    `json:"role,omitempty"`
    Battery     uint8   `json:"bat,omitempty"`
    ActiveTasks uint16  `json:"tasks,omitempty"`
    Score       float32 `json:"score,omitempty"`
    UptimeMs    uint32  `json:"up,omitempty"`
}

// StatusKind selects which part of a Status is populated.
type StatusKind uint8

const (
    StatusNode StatusKind = iota
    StatusTaskReport
    StatusConfigAck
)

// TaskReport is a node's report about one task attempt.
type TaskReport struct {
    TaskID  uint32     `json:"task"`
    Attempt uint8      `json:"att,omitempty"`
    Status  TaskStatus `json:"st,omitempty"`
    Reason  string     `json:"why,omitempty"`
}

// FieldError names one rejected configuration field.
type FieldError struct {
    Field  string `json:"f"`
    Reason string `json:"why"`
}

// ConfigAck acknowledges a ConfigUpdate.
type ConfigAck struct {
    Accepted bool         `json:"ok,omitempty"`
    Applied  []string     `json:"set,omitempty"`
    Errors   []FieldError `json:"err,omitempty"`
}

// NodeStatus is a periodic summary of a device.
type NodeStatus struct {
    Battery     uint8  `json:"bat,omitempty"`
    ActiveTasks uint16 `json:"tasks,omitempty"`
    Completed   uint32 `json:"done,omitempty"`
    Failed      uint32 `json:"fail,omitempty"`
}

// Status carries one of TaskReport, ConfigAck or NodeStatus (MsgStatus).
type Status struct {
    Kind   StatusKind  `json:"k,omitempty"`
    Report *TaskReport `json:"rep,omitempty"`
    Ack    *ConfigAck  `json:"ack,omitempty"`
    Node   *NodeStatus `json:"node,omitempty"`
}

// Data is opaque application data (MsgData).
type Data struct {
    Channel string `json:"ch,omitempty"`
    Body    []byte `json:"b,omitempty"`
}

// RoleAssignment tells a node which role to play (MsgRoleAssignment).
type RoleAssignment struct {
    NodeID uint32 `json:"id"`
    Role   Role   `json:"role"`
}

// TaskAssignment hands a work item to a node (MsgTaskAssignment). TimeoutMs
// is relative: clocks are not shared between devices.
type TaskAssignment struct {
    TaskID     uint32            `json:"task"`
    Attempt    uint8             `json:"att,omitempty"`
    TaskType   string            `json:"type"`
    Parameters map[string]string `json:"params,omitempty"`
    Priority   uint8             `json:"prio,omitempty"`
    TimeoutMs  uint32            `json:"ttl,omitempty"`
}

// Election carries a competing coordinator claim (MsgElection).
type Election struct {
    Score     float32 `json:"score,omitempty"`
    Candidate uint32  `json:"cand,omitempty"`
}

// TopologyEntry is one node in a topology snapshot. AgeMs is how long ago the
// sender last heard from the node.
type TopologyEntry struct {
    NodeID       uint32       `json:"id"`
    Role         Role         `json:"role,omitempty"`
    Capabilities Capabilities `json:"caps"`
    Score        float32      `json:"score,omitempty"`
    Signal       int16        `json:"rssi,omitempty"`
    Hops         uint8        `json:"hops,omitempty"`
    AgeMs        uint32       `json:"age,omitempty"`
}

// Topology is a full topology snapshot (MsgTopology).
type Topology struct {
    Coordinator uint32          `json:"coord,omitempty"`
    Nodes       []TopologyEntry `json:"nodes,omitempty"`
}

// ConfigUpdate changes runtime configuration (MsgConfigUpdate). Absent fields
// are left untouched; range checks happen where the update is applied so the
// acknowledgment can name each offending field.
type ConfigUpdate struct {
    HeartbeatIntervalMs  *uint32 `json:"hb,omitempty"`
    CoordinatorTimeoutMs *uint32 `json:"cto,omitempty"`
    TaskTimeoutMs        *uint32 `json:"tto,omitempty"`
    MaxRetries           *uint32 `json:"retry,omitempty"`
}

// Emergency is a fleet-wide alert (MsgEmergency).
type Emergency struct {
    Reason   string `json:"why"`
    Severity uint8  `json:"sev,omitempty"`
}

// DetectionEvent reports something a node saw or heard (MsgDetectionEvent).
type DetectionEvent struct {
    Kind       string  `json:"kind"`
    Confidence float32 `json:"conf,omitempty"`
    Count      uint16  `json:"n,omitempty"`
    TaskID     uint32  `json:"task,omitempty"`
}

func (Advertisement) MessageType() MessageType  { return MsgDiscovery }
func (Heartbeat) MessageType() MessageType      { return MsgHeartbeat }
func (Status) MessageType() MessageType         { return MsgStatus }
func (Data) MessageType() MessageType           { return MsgData }
func (RoleAssignment) MessageType() MessageType { return MsgRoleAssignment }
func (TaskAssignment) MessageType() MessageType { return MsgTaskAssignment }
func (Election) MessageType() MessageType       { return MsgElection }
func (Topology) MessageType() MessageType       { return MsgTopology }
func (ConfigUpdate) MessageType() MessageType   { return MsgConfigUpdate }
func (Emergency) MessageType() MessageType      { return MsgEmergency }
func (DetectionEvent) MessageType() MessageType { return MsgDetectionEvent }

func finite(f float32) bool { return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0) }

func (p Advertisement) validate() error {
    if p.NodeID == 0 { return malformed("advertisement without node id") }
    if !p.PreferredRole.Valid() { return malformed("unknown role %d", p.PreferredRole) }
    if !finite(p.Score) || p.Score < 0 { return malformed("score not finite") }
    return p.Capabilities.validate()
}

func (p Heartbeat) validate() error {
    if !p.Role.Valid() { return malformed("unknown role %d", p.Role) }
    if p.Battery > 100 { return malformed("battery level %d out of range", p.Battery) }
    if !finite(p.Score) || p.Score < 0 { return malformed("score not finite") }
    return nil
}

func (p Status) validate() error {
    switch p.Kind {
    case StatusNode:
        if p.Node == nil { return malformed("node status missing") }
        if p.Node.Battery > 100 { return malformed("battery level %d out of range", p.Node.Battery) }
    case StatusTaskReport:
        if p.Report == nil { return malformed("task report missing") }
        if p.Report.TaskID == 0 { return malformed("task report without task id") }
        if !p.Report.Status.Valid() { return malformed("unknown task status %d", p.Report.Status) }
    case StatusConfigAck:
        if p.Ack == nil { return malformed("config ack missing") }
    default:
        return malformed("unknown status kind %d", p.Kind)
    }
    return nil
}

func (p Data) validate() error { return nil }

func (p RoleAssignment) validate() error {
    if p.NodeID == 0 { return malformed("role assignment without node id") }
    if !p.Role.Valid() || p.Role == RoleUnknown { return malformed("unknown role %d", p.Role) }
    return nil
}

func (p TaskAssignment) validate() error {
    if p.TaskID == 0 { return malformed("task assignment without task id") }
    if p.TaskType == "" { return malformed("task assignment without type") }
    return nil
}

func (p Election) validate() error {
    if !finite(p.Score) || p.Score < 0 { return malformed("score not finite") }
    return nil
}

func (p Topology) validate() error {
    for i := range p.Nodes {
        e := p.Nodes[i]
        if e.NodeID == 0 { return malformed("topology entry %d without node id", i) }
        if !e.Role.Valid() { return malformed("topology entry %d unknown role", i) }
        if !finite(e.Score) || e.Score < 0 { return malformed("topology entry %d score not finite", i) }
        if err := e.Capabilities.validate(); err != nil { return err }
    }
    return nil
}

func (p ConfigUpdate) validate() error { return nil }

func (p Emergency) validate() error {
    if p.Reason == "" { return malformed("emergency without reason") }
    return nil
}

func (p DetectionEvent) validate() error {
    if p.Kind == "" { return malformed("detection without kind") }
    if !finite(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
        return malformed("confidence out of range")
    }
    return nil
}

// newPayload returns a pointer to the zero variant for t.
func newPayload(t MessageType) any {
    switch t {
    case MsgDiscovery:
        return &Advertisement{}
    case MsgHeartbeat:
        return &Heartbeat{}
    case MsgStatus:
        return &Status{}
    case MsgData:
        return &Data{}
    case MsgRoleAssignment:
        return &RoleAssignment{}
    case MsgTaskAssignment:
        return &TaskAssignment{}
    case MsgElection:
        return &Election{}
    case MsgTopology:
        return &Topology{}
    case MsgConfigUpdate:
        return &ConfigUpdate{}
    case MsgEmergency:
        return &Emergency{}
    case MsgDetectionEvent:
        return &DetectionEvent{}
    default:
        return nil
    }
}

// deref turns the decoded pointer back into the value variant.
func deref(v any) Payload {
    switch p := v.(type) {
    case *Advertisement:
        return *p
    case *Heartbeat:
        return *p
    case *Status:
        return *p
    case *Data:
        return *p
    case *RoleAssignment:
        return *p
    case *TaskAssignment:
        return *p
    case *Election:
        return *p
    case *Topology:
        return *p
    case *ConfigUpdate:
        return *p
    case *Emergency:
        return *p
    case *DetectionEvent:
        return *p
    default:
        return nil
    }
}

// Canonical returns p with empty collections replaced by nil, the form every
// body format decodes to.
func Canonical(p Payload) Payload {
    switch v := p.(type) {
    case Data:
        if len(v.Body) == 0 { v.Body = nil }
        return v
    case TaskAssignment:
        if len(v.Parameters) == 0 { v.Parameters = nil }
        return v
    case Topology:
        if len(v.Nodes) == 0 { v.Nodes = nil }
        return v
    case Status:
        if v.Ack != nil && (emptySlice(v.Ack.Errors) || emptySlice(v.Ack.Applied)) {
            ack := *v.Ack
            if len(ack.Errors) == 0 { ack.Errors = nil }
            if len(ack.Applied) == 0 { ack.Applied = nil }
            v.Ack = &ack
        }
        return v
    }
    return p
}

func emptySlice[T any](s []T) bool { return s != nil && len(s) == 0 }
