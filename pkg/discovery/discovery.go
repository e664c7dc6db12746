// Package discovery keeps the local view of the mesh: the node table, the
// topology and the locally inferred coordinator. It is driven entirely by the
// device tick and is not safe for concurrent use.
package discovery

import (
    "sort"
    "strconv"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/probe"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// State is the discovery lifecycle state.
type State uint8

const (
    StateIdle State = iota
    StateScanning
    StateComplete
)

func (s State) String() string {
    switch s {
    case StateIdle:
        return "idle"
    case StateScanning:
        return "scanning"
    case StateComplete:
        return "complete"
    default:
        return "unknown"
    }
}

// NetworkNode is one entry of the node table.
type NetworkNode struct {
    ID               uint32                `json:"id"`
    Role             protocol.Role         `json:"role"`
    Capabilities     protocol.Capabilities `json:"capabilities"`
    SignalStrength   int16                 `json:"signal_strength"`
    HopCount         uint8                 `json:"hop_count"`
    LastSeen         uint32                `json:"last_seen"`
    IsActive         bool                  `json:"is_active"`
    CoordinatorScore float32               `json:"coordinator_score"`
}

// Topology is the locally known mesh.
type Topology struct {
    Nodes           []NetworkNode `json:"nodes"`
    CoordinatorNode uint32        `json:"coordinator_node"` // 0 = none
    LastUpdate      uint32        `json:"last_update"`
    IsStable        bool          `json:"is_stable"`
}

// Discovery owns the node table of one device.
type Discovery struct {
    self  uint32
    probe probe.Probe
    out   protocol.Sender
    cfg   config.Coordination
    ev    observability.Emitter
    log   *zap.Logger

    state       State
    role        protocol.Role
    nodes       map[uint32]*NetworkNode
    coordinator uint32
    lastUpdate  uint32
    stable      bool
    lastChange  uint32
    generation  uint64

    started     uint32
    lastAdvert  uint32
    advertised  bool
    lastCleanup uint32
}

// New returns a discovery table for device self. The table starts Idle with
// only self in it.
func New(self uint32, p probe.Probe, out protocol.Sender, cfg config.Coordination, ev observability.Emitter) *Discovery {
    d := &Discovery{
        self:   self,
        probe:  p,
        out:    out,
        cfg:    cfg,
        ev:     ev,
        log:    zap.L().Named("discovery").With(zap.Uint32("device", self)),
        nodes:  make(map[uint32]*NetworkNode),
        stable: true,
    }
    return d
}

// SetConfig swaps the timing configuration.
func (d *Discovery) SetConfig(cfg config.Coordination) { d.cfg = cfg }

// SetRole sets the role advertised for this device.
func (d *Discovery) SetRole(r protocol.Role) {
    d.role = r
    if n := d.nodes[d.self]; n != nil { n.Role = r }
}

// Start begins scanning and advertises immediately.
func (d *Discovery) Start(now uint32) {
    d.refreshSelf(now)
    d.setState(now, StateScanning)
    d.started = now
    d.lastCleanup = now
    d.advertise(now)
}

// Restart re-enters Scanning without forgetting known nodes.
func (d *Discovery) Restart(now uint32) {
    d.started = now
    d.setState(now, StateScanning)
    d.advertise(now)
}

// Tick refreshes self, advertises, expires and cleans up stale nodes, and
// advances the discovery state.
func (d *Discovery) Tick(now uint32) {
    if d.state == StateIdle { return }
    d.refreshSelf(now)

    if !d.advertised || clock.Elapsed(now, d.lastAdvert, d.cfg.AdvertisementIntervalMs) {
        d.advertise(now)
    }

    changed := false
    for id, n := range d.nodes {
        if id == d.self || !n.IsActive { continue }
        if clock.Expired(now, n.LastSeen, d.cfg.NodeTimeoutMs) {
            n.IsActive = false
            changed = true
        }
    }
    if d.cfg.CleanupIntervalMs == 0 || clock.Elapsed(now, d.lastCleanup, d.cfg.CleanupIntervalMs) {
        d.lastCleanup = now
        if d.cleanup(now) { changed = true }
    }
    if changed { d.recompute(now) }

    if !d.stable && clock.Elapsed(now, d.lastChange, d.cfg.StabilityWindowMs) {
        d.stable = true
        d.ev.Emit(observability.Event{Kind: observability.EventTopologyChange, Reason: "stable", AffectedTasks: d.PeerCount()})
    }

    if d.state == StateScanning {
        peers := d.PeerCount()
        switch {
        case peers > 0 && clock.Expired(now, d.started, 2*d.cfg.DiscoveryIntervalMs):
            d.setState(now, StateComplete)
        case peers == 0 && d.cfg.StandaloneFallback && clock.Elapsed(now, d.started, d.cfg.DiscoveryTimeoutMs):
            d.setState(now, StateComplete)
        }
    }
}

// cleanup removes every peer with now-lastSeen > nodeTimeout.
func (d *Discovery) cleanup(now uint32) bool {
    removed := false
    for id, n := range d.nodes {
        if id == d.self { continue }
        if clock.Expired(now, n.LastSeen, d.cfg.NodeTimeoutMs) {
            delete(d.nodes, id)
            removed = true
            d.log.Debug("node evicted", zap.Uint32("node", id), zap.Uint32("silent_ms", clock.Since(now, n.LastSeen)))
        }
    }
    if removed { d.membershipChanged(now, "node evicted") }
    return removed
}

func (d *Discovery) refreshSelf(now uint32) {
    caps := d.probe.Snapshot()
    n := d.nodes[d.self]
    if n == nil {
        n = &NetworkNode{ID: d.self}
        d.nodes[d.self] = n
        d.generation++
    }
    n.Role = d.role
    n.Capabilities = caps
    n.CoordinatorScore = protocol.ComputeCoordinatorScore(caps)
    n.LastSeen = now
    n.IsActive = true
    n.SignalStrength = 0
    n.HopCount = 0
    d.recompute(now)
}

func (d *Discovery) advertise(now uint32) {
    d.lastAdvert = now
    d.advertised = true
    self := d.nodes[d.self]
    if self == nil || d.out == nil { return }
    d.out.Send(protocol.Broadcast, protocol.Advertisement{
        NodeID:        d.self,
        PreferredRole: d.role,
        Capabilities:  self.Capabilities,
        Score:         self.CoordinatorScore,
    })
}

func (d *Discovery) setState(now uint32, s State) {
    if d.state == s { return }
    from := d.state
    d.state = s
    d.ev.Emit(observability.Event{Kind: observability.EventDiscoveryState, From: from.String(), To: s.String(), AffectedTasks: d.PeerCount()})
    d.log.Info("discovery state", zap.Stringer("from", from), zap.Stringer("to", s), zap.Uint32("at", now))
}

func (d *Discovery) membershipChanged(now uint32, reason string) {
    d.generation++
    d.lastChange = now
    d.stable = false
    d.ev.Emit(observability.Event{Kind: observability.EventTopologyChange, Reason: reason, AffectedTasks: d.PeerCount()})
}

// upsert inserts or returns the node for id; the bool reports insertion.
func (d *Discovery) upsert(id uint32) (*NetworkNode, bool) {
    if n := d.nodes[id]; n != nil { return n, false }
    n := &NetworkNode{ID: id}
    d.nodes[id] = n
    return n, true
}

// recompute re-derives the coordinator as the arg-max score over active
// nodes, lowest id on a tie.
func (d *Discovery) recompute(now uint32) {
    d.lastUpdate = now
    var best *NetworkNode
    for _, n := range d.nodes {
        if !n.IsActive { continue }
        if best == nil || protocol.Outranks(n.CoordinatorScore, n.ID, best.CoordinatorScore, best.ID) {
            best = n
        }
    }
    next := uint32(0)
    if best != nil { next = best.ID }
    if next != d.coordinator {
        prev := d.coordinator
        d.coordinator = next
        d.ev.Emit(observability.Event{Kind: observability.EventCoordinatorTransition, NodeID: next, From: idString(prev), To: idString(next)})
    }
}

// HandleAdvertisement upserts the advertising node. Applying the same
// advertisement twice leaves the same state as applying it once.
func (d *Discovery) HandleAdvertisement(now uint32, a protocol.Advertisement, hops uint8, rssi int16) {
    if a.NodeID == 0 || a.NodeID == d.self { return }
    n, inserted := d.upsert(a.NodeID)
    n.Role = a.PreferredRole
    n.Capabilities = a.Capabilities
    n.CoordinatorScore = protocol.ComputeCoordinatorScore(a.Capabilities)
    n.SignalStrength = rssi
    n.HopCount = hops
    n.LastSeen = now
    n.IsActive = true
    if inserted { d.membershipChanged(now, "node discovered") }
    d.recompute(now)
}

// HandleHeartbeat refreshes liveness of src, creating it when unknown.
func (d *Discovery) HandleHeartbeat(now, src uint32, role protocol.Role, hb protocol.Heartbeat, hops uint8, rssi int16) {
    if src == 0 || src == d.self { return }
    n, inserted := d.upsert(src)
    if role != protocol.RoleUnknown { n.Role = role }
    n.Capabilities.BatteryLevel = hb.Battery
    if inserted || hb.Score != 0 { n.CoordinatorScore = hb.Score }
    n.SignalStrength = rssi
    n.HopCount = hops
    n.LastSeen = now
    n.IsActive = true
    if inserted { d.membershipChanged(now, "node heartbeat") }
    d.recompute(now)
}

// HandleTopology merges a snapshot from another device. An entry only moves
// lastSeen forward (to now-age) and entries already past the node timeout are
// ignored, so replays are idempotent and stale snapshots resurrect nothing.
func (d *Discovery) HandleTopology(now, src uint32, t protocol.Topology) {
    if src == d.self { return }
    inserted := false
    for _, e := range t.Nodes {
        if e.NodeID == 0 || e.NodeID == d.self { continue }
        if e.AgeMs > d.cfg.NodeTimeoutMs { continue }
        seen := now - e.AgeMs
        n := d.nodes[e.NodeID]
        if n == nil {
            n = &NetworkNode{ID: e.NodeID, LastSeen: seen, HopCount: sat(e.Hops), SignalStrength: e.Signal}
            d.nodes[e.NodeID] = n
            inserted = true
        } else if !clock.After(seen, n.LastSeen) {
            continue
        }
        n.Role = e.Role
        n.Capabilities = e.Capabilities
        n.CoordinatorScore = protocol.ComputeCoordinatorScore(e.Capabilities)
        n.LastSeen = seen
        n.IsActive = !clock.Expired(now, seen, d.cfg.NodeTimeoutMs)
    }
    if inserted { d.membershipChanged(now, "topology merge") }
    d.recompute(now)
}

// MarkFailed deactivates id ahead of its timeout after confirmed heartbeat
// loss. A later sighting reactivates it.
func (d *Discovery) MarkFailed(now, id uint32) {
    n := d.nodes[id]
    if n == nil || id == d.self || !n.IsActive { return }
    n.IsActive = false
    d.recompute(now)
}

// Handle ingests the discovery-relevant messages; others are ignored. Roles
// still see every message afterwards.
func (d *Discovery) Handle(now uint32, m protocol.Message, rssi int16) {
    switch p := m.Payload.(type) {
    case protocol.Advertisement:
        d.HandleAdvertisement(now, p, m.HopCount, rssi)
    case protocol.Heartbeat:
        d.HandleHeartbeat(now, m.Source, m.SourceRole, p, m.HopCount, rssi)
    case protocol.Topology:
        d.HandleTopology(now, m.Source, p)
    }
}

// Snapshot renders the active part of the table for broadcasting.
func (d *Discovery) Snapshot(now uint32) protocol.Topology {
    t := protocol.Topology{Coordinator: d.coordinator}
    for _, n := range d.sorted() {
        if !n.IsActive { continue }
        t.Nodes = append(t.Nodes, protocol.TopologyEntry{
            NodeID:       n.ID,
            Role:         n.Role,
            Capabilities: n.Capabilities,
            Score:        n.CoordinatorScore,
            Signal:       n.SignalStrength,
            Hops:         n.HopCount,
            AgeMs:        clock.Since(now, n.LastSeen),
        })
    }
    return t
}

func (d *Discovery) sorted() []*NetworkNode {
    out := make([]*NetworkNode, 0, len(d.nodes))
    for _, n := range d.nodes { out = append(out, n) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// Nodes returns a copy of the table ordered by id, self included.
func (d *Discovery) Nodes() []NetworkNode {
    out := make([]NetworkNode, 0, len(d.nodes))
    for _, n := range d.sorted() { out = append(out, *n) }
    return out
}

// Node returns a copy of one entry.
func (d *Discovery) Node(id uint32) (NetworkNode, bool) {
    n := d.nodes[id]
    if n == nil { return NetworkNode{}, false }
    return *n, true
}

// Topology returns a copy of the current topology.
func (d *Discovery) Topology() Topology {
    return Topology{Nodes: d.Nodes(), CoordinatorNode: d.coordinator, LastUpdate: d.lastUpdate, IsStable: d.stable}
}

// Coordinator returns the locally inferred coordinator, 0 when none.
func (d *Discovery) Coordinator() uint32 { return d.coordinator }

// IsCoordinator reports whether this device currently holds the arg-max.
func (d *Discovery) IsCoordinator() bool { return d.coordinator == d.self }

func (d *Discovery) State() State { return d.state }

func (d *Discovery) Self() uint32 { return d.self }

// PeerCount returns the number of active peers, self excluded.
func (d *Discovery) PeerCount() int {
    c := 0
    for id, n := range d.nodes {
        if id != d.self && n.IsActive { c++ }
    }
    return c
}

// Generation increases on every membership change.
func (d *Discovery) Generation() uint64 { return d.generation }

// IsStable reports whether membership has been unchanged for the stability
// window.
func (d *Discovery) IsStable() bool { return d.stable }

func sat(h uint8) uint8 {
    if h == 0xFF { return h }
    return h + 1
}

func idString(id uint32) string {
    if id == 0 { return "none" }
    return strconv.FormatUint(uint64(id), 10)
}
