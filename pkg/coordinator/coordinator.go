// Package coordinator is the role played by the elected device: it assigns
// roles to peers, owns the task registry, watches peer liveness and moves
// work away from failed or overloaded nodes. It runs inside the device tick
// and is not safe for concurrent use.
package coordinator

import (
    "errors"
    "math/rand"
    "sort"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/discovery"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/probe"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// State is the coordinator lifecycle state.
type State uint8

const (
    StateInactive State = iota
    StateInitializing
    StateDiscovering
    StateActive
    StateElection
)

func (s State) String() string {
    switch s {
    case StateInactive:
        return "inactive"
    case StateInitializing:
        return "initializing"
    case StateDiscovering:
        return "discovering"
    case StateActive:
        return "active"
    case StateElection:
        return "election"
    default:
        return "unknown"
    }
}

var (
    // ErrAssignment is returned when no eligible node can take a task.
    ErrAssignment = errors.New("no eligible node for task")
    // ErrNotActive is returned for operations that need an active coordinator.
    ErrNotActive = errors.New("coordinator not active")
)

// Stats summarizes the coordinator.
type Stats struct {
    ManagedNodes      int     `json:"managed_nodes"`
    ActiveTasks       int     `json:"active_tasks"`
    CompletedTasks    uint64  `json:"completed_tasks"`
    FailedTasks       uint64  `json:"failed_tasks"`
    Uptime            uint32  `json:"uptime_ms"`
    NetworkEfficiency float32 `json:"network_efficiency"`
}

type managed struct {
    node     discovery.NetworkNode
    failedAt uint32
}

// Coordinator holds the fleet registries of the elected device.
type Coordinator struct {
    self  uint32
    disc  *discovery.Discovery
    probe probe.Probe
    out   protocol.Sender
    cfg   config.Coordination
    ev    observability.Emitter
    log   *zap.Logger

    state   State
    started uint32
    nodes   map[uint32]*managed
    tasks   map[uint32]*Task
    history []Task
    nextID  uint32

    completed uint64
    failed    uint64

    lastHeartbeat uint32
    lastTaskCheck uint32
    lastTopology  uint32
    seenGen       uint64
    emergencies   map[emergencyKey]struct{}
}

type emergencyKey struct {
    source uint32
    at     uint32
}

// New returns an inactive coordinator for device self.
func New(self uint32, disc *discovery.Discovery, p probe.Probe, out protocol.Sender, cfg config.Coordination, ev observability.Emitter) *Coordinator {
    return &Coordinator{
        self:        self,
        disc:        disc,
        probe:       p,
        out:         out,
        cfg:         cfg,
        ev:          ev,
        log:         zap.L().Named("coordinator").With(zap.Uint32("device", self)),
        nodes:       make(map[uint32]*managed),
        tasks:       make(map[uint32]*Task),
        emergencies: make(map[emergencyKey]struct{}),
    }
}

// SetConfig swaps the timing configuration.
func (c *Coordinator) SetConfig(cfg config.Coordination) { c.cfg = cfg }

func (c *Coordinator) State() State { return c.state }

func (c *Coordinator) setState(s State) {
    if c.state == s { return }
    from := c.state
    c.state = s
    c.ev.Emit(observability.Event{Kind: observability.EventCoordinatorState, From: from.String(), To: s.String()})
    c.log.Info("coordinator state", zap.Stringer("from", from), zap.Stringer("to", s))
}

// Start takes the role: registries are reset, the managed set is seeded from
// discovery and, once discovery is complete, the coordinator goes Active.
func (c *Coordinator) Start(now uint32) {
    c.setState(StateInitializing)
    c.started = now
    c.nodes = make(map[uint32]*managed)
    c.tasks = make(map[uint32]*Task)
    c.history = nil
    c.completed, c.failed = 0, 0
    // ids run on across terms; the first term starts at a random point
    if c.nextID == 0 { c.nextID = rand.Uint32() }
    c.lastTaskCheck, c.lastTopology = now, now

    c.setState(StateDiscovering)
    c.syncFromDiscovery(now)
    c.seenGen = c.disc.Generation()
    if c.disc.State() == discovery.StateComplete {
        c.activate(now)
    }
}

// Stop steps down. Registries are kept for inspection until the next Start.
func (c *Coordinator) Stop() {
    c.setState(StateInactive)
}

func (c *Coordinator) activate(now uint32) {
    c.setState(StateActive)
    for _, id := range c.sortedIDs() {
        c.assignRole(c.nodes[id])
    }
    c.broadcastTopology(now)
    c.sendHeartbeat(now)
}

// Tick runs the periodic duties.
func (c *Coordinator) Tick(now uint32) {
    switch c.state {
    case StateInactive, StateInitializing:
        return
    case StateDiscovering:
        c.syncFromDiscovery(now)
        if c.disc.State() == discovery.StateComplete { c.activate(now) }
        return
    }

    grown := c.syncFromDiscovery(now)
    if gen := c.disc.Generation(); gen != c.seenGen {
        c.seenGen = gen
        if grown {
            c.LoadBalance(now)
            c.broadcastTopology(now)
        }
    }

    // another device outranks us in the local view
    if c.state == StateActive && c.disc.Coordinator() != c.self {
        c.StartElection(now)
        if c.state != StateActive { return }
    }

    c.monitorHealth(now)
    if clock.Elapsed(now, c.lastTaskCheck, c.cfg.TaskCheckIntervalMs) {
        c.lastTaskCheck = now
        c.checkTasks(now)
    }
    if clock.Elapsed(now, c.lastHeartbeat, c.cfg.HeartbeatIntervalMs) {
        c.sendHeartbeat(now)
    }
    if clock.Elapsed(now, c.lastTopology, c.cfg.TopologyIntervalMs) {
        c.broadcastTopology(now)
    }
}

// syncFromDiscovery copies new and refreshed peers into the managed set and
// reports whether the set of active managed nodes grew.
func (c *Coordinator) syncFromDiscovery(now uint32) bool {
    grown := false
    for _, n := range c.disc.Nodes() {
        if n.ID == c.self || !n.IsActive { continue }
        m := c.nodes[n.ID]
        if m == nil {
            c.nodes[n.ID] = &managed{node: n}
            grown = true
            if c.state == StateActive { c.assignRole(c.nodes[n.ID]) }
            continue
        }
        if m.wasActive() {
            learned := !capabilitiesKnown(m.node.Capabilities) && capabilitiesKnown(n.Capabilities)
            if clock.After(n.LastSeen, m.node.LastSeen) { m.refresh(n) }
            if learned {
                // first advertisement of a node so far heard only through heartbeats
                m.node.Capabilities = n.Capabilities
                m.node.CoordinatorScore = n.CoordinatorScore
                if c.state == StateActive { c.assignRole(m) }
            }
            continue
        }
        if clock.After(n.LastSeen, m.failedAt) {
            m.refresh(n)
            c.recover(now, m)
            grown = true
        }
    }
    return grown
}

func (m *managed) wasActive() bool { return m.failedAt == 0 }

// refresh takes the discovery view but keeps the role this coordinator assigned.
func (m *managed) refresh(n discovery.NetworkNode) {
    role := m.node.Role
    m.node = n
    m.node.Role = role
}

func (c *Coordinator) recover(now uint32, m *managed) {
    m.failedAt = 0
    m.node.IsActive = true
    c.ev.Emit(observability.Event{Kind: observability.EventNodeRecovered, NodeID: m.node.ID})
    c.log.Info("node recovered", zap.Uint32("node", m.node.ID))
    if c.state == StateActive { c.assignRole(m) }
}

func (c *Coordinator) assignRole(m *managed) {
    if !capabilitiesKnown(m.node.Capabilities) { return }
    role := protocol.RoleForCapabilities(m.node.Capabilities, m.node.Capabilities.BatteryLevel)
    m.node.Role = role
    c.out.Send(m.node.ID, protocol.RoleAssignment{NodeID: m.node.ID, Role: role})
    c.ev.Emit(observability.Event{Kind: observability.EventRoleAssigned, NodeID: m.node.ID, To: role.String()})
}

// capabilitiesKnown is false for nodes only heard through heartbeats.
func capabilitiesKnown(caps protocol.Capabilities) bool {
    return caps != protocol.Capabilities{BatteryLevel: caps.BatteryLevel}
}

// monitorHealth fails every managed peer silent for longer than the node
// failure timeout and reassigns its tasks.
func (c *Coordinator) monitorHealth(now uint32) {
    for _, id := range c.sortedIDs() {
        m := c.nodes[id]
        if !m.node.IsActive { continue }
        if !clock.Expired(now, m.node.LastSeen, c.cfg.NodeFailureTimeoutMs) { continue }
        m.node.IsActive = false
        m.failedAt = now
        if m.failedAt == 0 { m.failedAt = 1 }
        c.disc.MarkFailed(now, id)

        affected := c.tasksOf(id)
        c.ev.Emit(observability.Event{Kind: observability.EventNodeFailed, NodeID: id, Reason: "heartbeat timeout", AffectedTasks: len(affected)})
        c.log.Warn("node failed", zap.Uint32("node", id), zap.Int("tasks", len(affected)))
        for _, t := range affected {
            c.failover(now, t, "node "+itoa(id)+" failed")
        }
    }
}

func (c *Coordinator) sendHeartbeat(now uint32) {
    c.lastHeartbeat = now
    caps := c.probe.Snapshot()
    c.out.Send(protocol.Broadcast, protocol.Heartbeat{
        Role:        protocol.RoleCoordinator,
        Battery:     caps.BatteryLevel,
        ActiveTasks: uint16(min(c.activeCount(), 0xFFFF)),
        Score:       protocol.ComputeCoordinatorScore(caps),
        UptimeMs:    clock.Since(now, c.started),
    })
}

func (c *Coordinator) broadcastTopology(now uint32) {
    c.lastTopology = now
    c.out.Send(protocol.Broadcast, c.disc.Snapshot(now))
    c.ev.Emit(observability.Event{Kind: observability.EventTopologyChange, Reason: "topology broadcast", AffectedTasks: len(c.nodes)})
}

// Handle processes a message addressed to (or broadcast at) this device.
func (c *Coordinator) Handle(now uint32, m protocol.Message) {
    if c.state == StateInactive { return }
    switch p := m.Payload.(type) {
    case protocol.Heartbeat:
        c.onHeartbeat(now, m.Source, p)
    case protocol.Status:
        c.onStatus(now, m.Source, p)
    case protocol.Election:
        c.HandleElection(now, m.Source, p)
    case protocol.DetectionEvent:
        c.onDetection(now, m.Source, p)
    case protocol.Emergency:
        c.onEmergency(now, m, p)
    }
}

func (c *Coordinator) onHeartbeat(now, src uint32, hb protocol.Heartbeat) {
    m := c.nodes[src]
    if m == nil || src == c.self { return }
    m.node.LastSeen = now
    m.node.Capabilities.BatteryLevel = hb.Battery
    if !m.wasActive() { c.recover(now, m) }
}

func (c *Coordinator) onStatus(now, src uint32, s protocol.Status) {
    switch s.Kind {
    case protocol.StatusTaskReport:
        if s.Report != nil { c.HandleTaskReport(now, src, *s.Report) }
    case protocol.StatusConfigAck:
        if s.Ack == nil { return }
        kind := observability.EventConfigApplied
        reason := ""
        if !s.Ack.Accepted {
            kind = observability.EventConfigRejected
            for _, fe := range s.Ack.Errors {
                if reason != "" { reason += "; " }
                reason += fe.Field + ": " + fe.Reason
            }
        }
        c.ev.Emit(observability.Event{Kind: kind, NodeID: src, Reason: reason})
    case protocol.StatusNode:
        if m := c.nodes[src]; m != nil && s.Node != nil {
            m.node.Capabilities.BatteryLevel = s.Node.Battery
            m.node.LastSeen = now
        }
    }
}

func (c *Coordinator) onDetection(now, src uint32, d protocol.DetectionEvent) {
    if c.state != StateActive || d.Confidence < c.cfg.AutoAnalyzeConfidence { return }
    params := map[string]string{
        "source":     itoa(src),
        "kind":       d.Kind,
        "confidence": ftoa(d.Confidence),
    }
    if _, err := c.AssignTask(now, "ai_analysis", 0, params, 2, 0); err != nil {
        c.log.Debug("auto analysis not assigned", zap.Uint32("source", src), zap.Error(err))
    }
}

// onEmergency records an alert once and relays it one extra hop.
func (c *Coordinator) onEmergency(now uint32, m protocol.Message, e protocol.Emergency) {
    key := emergencyKey{source: m.Source, at: m.Timestamp}
    if _, seen := c.emergencies[key]; seen { return }
    if len(c.emergencies) >= 64 { c.emergencies = make(map[emergencyKey]struct{}) }
    c.emergencies[key] = struct{}{}
    c.ev.Emit(observability.Event{Kind: observability.EventEmergency, NodeID: m.Source, Reason: e.Reason})
    if r, ok := c.out.(protocol.Relayer); ok && m.HopCount == 0 && m.Source != c.self {
        r.Relay(m)
    }
}

// BroadcastConfig pushes a runtime configuration update to the fleet.
func (c *Coordinator) BroadcastConfig(u protocol.ConfigUpdate) {
    c.out.Send(protocol.Broadcast, u)
}

// ManagedNodes returns the managed peers ordered by id.
func (c *Coordinator) ManagedNodes() []discovery.NetworkNode {
    out := make([]discovery.NetworkNode, 0, len(c.nodes))
    for _, id := range c.sortedIDs() { out = append(out, c.nodes[id].node) }
    return out
}

// Stats returns counters for the device stats surface.
func (c *Coordinator) Stats(now uint32) Stats {
    s := Stats{
        ManagedNodes:   len(c.nodes),
        ActiveTasks:    c.activeCount(),
        CompletedTasks: c.completed,
        FailedTasks:    c.failed,
        Uptime:         clock.Since(now, c.started),
    }
    s.NetworkEfficiency = Efficiency(s.CompletedTasks, s.FailedTasks)
    return s
}

// Efficiency is completed/(completed+failed), 1 when nothing finished.
func Efficiency(completed, failed uint64) float32 {
    if completed+failed == 0 { return 1 }
    return float32(completed) / float32(completed+failed)
}

func (c *Coordinator) sortedIDs() []uint32 {
    ids := make([]uint32, 0, len(c.nodes))
    for id := range c.nodes { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    return ids
}
