// Package supervisor owns the single role a device plays at any instant and
// routes every tick and inbound message to it.
package supervisor

import (
    "strings"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/coordinator"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/discovery"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/node"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// Mode names the role variant currently owned.
type Mode uint8

const (
    ModeInactive Mode = iota
    ModeDiscovering
    ModeCoordinator
    ModeNode
    ModeStandalone
)

func (m Mode) String() string {
    switch m {
    case ModeInactive:
        return "inactive"
    case ModeDiscovering:
        return "discovering"
    case ModeCoordinator:
        return "coordinator"
    case ModeNode:
        return "node"
    case ModeStandalone:
        return "standalone"
    default:
        return "unknown"
    }
}

// Role is the owned variant. The set of implementations is closed.
type Role interface {
    Mode() Mode
    isRole()
}

// Inactive owns nothing.
type Inactive struct{}

// Discovering waits for the first discovery round to complete.
type Discovering struct{ Since uint32 }

// Coordinating owns the coordinator role.
type Coordinating struct{ Coordinator *coordinator.Coordinator }

// Following owns the node role while it seeks or follows a coordinator.
type Following struct{ Node *node.Node }

// Standalone owns the node role while it runs without a coordinator.
type Standalone struct{ Node *node.Node }

func (Inactive) Mode() Mode     { return ModeInactive }
func (Discovering) Mode() Mode  { return ModeDiscovering }
func (Coordinating) Mode() Mode { return ModeCoordinator }
func (Following) Mode() Mode    { return ModeNode }
func (Standalone) Mode() Mode   { return ModeStandalone }

func (Inactive) isRole()     {}
func (Discovering) isRole()  {}
func (Coordinating) isRole() {}
func (Following) isRole()    {}
func (Standalone) isRole()   {}

// Supervisor switches the device between roles. Both role objects are built
// once; only the variant referencing one of them is swapped.
type Supervisor struct {
    self  uint32
    disc  *discovery.Discovery
    coord *coordinator.Coordinator
    node  *node.Node
    out   protocol.Sender
    cfg   config.Coordination
    ev    observability.Emitter
    log   *zap.Logger

    role Role
}

// New returns an Inactive supervisor.
func New(self uint32, disc *discovery.Discovery, coord *coordinator.Coordinator, n *node.Node, out protocol.Sender, cfg config.Coordination, ev observability.Emitter) *Supervisor {
    return &Supervisor{
        self:  self,
        disc:  disc,
        coord: coord,
        node:  n,
        out:   out,
        cfg:   cfg,
        ev:    ev,
        log:   zap.L().Named("supervisor").With(zap.Uint32("device", self)),
        role:  Inactive{},
    }
}

// Role returns the owned variant.
func (s *Supervisor) Role() Role { return s.role }

func (s *Supervisor) Mode() Mode { return s.role.Mode() }

// Config returns the live coordination configuration.
func (s *Supervisor) Config() config.Coordination { return s.cfg }

func (s *Supervisor) Coordinator() *coordinator.Coordinator { return s.coord }

func (s *Supervisor) Node() *node.Node { return s.node }

// SourceRole is the role stamped on outbound messages.
func (s *Supervisor) SourceRole() protocol.Role {
    switch s.role.(type) {
    case Coordinating:
        return protocol.RoleCoordinator
    case Following:
        return s.node.Role()
    case Standalone:
        return protocol.RoleStandalone
    default:
        return protocol.RoleUnknown
    }
}

func (s *Supervisor) switchTo(r Role, reason string) {
    from := s.role.Mode()
    s.role = r
    if from == r.Mode() { return }
    s.ev.Emit(observability.Event{Kind: observability.EventRoleTransition, From: from.String(), To: r.Mode().String(), Reason: reason})
    s.log.Info("role transition", zap.Stringer("from", from), zap.Stringer("to", r.Mode()), zap.String("reason", reason))
}

// Start begins discovery.
func (s *Supervisor) Start(now uint32) {
    s.disc.Start(now)
    s.switchTo(Discovering{Since: now}, "start")
}

// Stop releases the owned role.
func (s *Supervisor) Stop() {
    switch s.role.(type) {
    case Coordinating:
        s.coord.Stop()
    case Following, Standalone:
        s.node.Stop()
    }
    s.switchTo(Inactive{}, "stop")
}

// Tick advances discovery and then the owned role.
func (s *Supervisor) Tick(now uint32) {
    if _, ok := s.role.(Inactive); ok { return }
    s.disc.Tick(now)

    switch r := s.role.(type) {
    case Discovering:
        if s.disc.State() == discovery.StateComplete { s.decide(now, "discovery complete") }
    case Coordinating:
        r.Coordinator.Tick(now)
        if r.Coordinator.State() == coordinator.StateInactive { s.stepDown(now) }
    case Following:
        s.tickNode(now, r.Node)
    case Standalone:
        s.tickNode(now, r.Node)
    }
}

func (s *Supervisor) tickNode(now uint32, n *node.Node) {
    n.Tick(now)
    if s.shouldLead() {
        n.Stop()
        s.lead(now, "highest score in topology")
        return
    }
    s.syncNodeMode(n)
}

// shouldLead is true once a completed discovery round ranks this device
// first among at least one peer.
func (s *Supervisor) shouldLead() bool {
    return s.disc.State() == discovery.StateComplete && s.disc.IsCoordinator() && s.disc.PeerCount() > 0
}

func (s *Supervisor) decide(now uint32, reason string) {
    if s.shouldLead() {
        s.lead(now, reason)
        return
    }
    s.node.Start(now)
    s.node.Tick(now)
    s.switchTo(Following{Node: s.node}, reason)
    s.syncNodeMode(s.node)
}

func (s *Supervisor) lead(now uint32, reason string) {
    s.disc.SetRole(protocol.RoleCoordinator)
    s.coord.Start(now)
    s.switchTo(Coordinating{Coordinator: s.coord}, reason)
}

// stepDown hands the device to the node role after a lost election.
// Discovery restarts so promotion needs a fresh completed round.
func (s *Supervisor) stepDown(now uint32) {
    s.disc.Restart(now)
    s.node.Start(now)
    s.switchTo(Following{Node: s.node}, "lost election")
}

func (s *Supervisor) syncNodeMode(n *node.Node) {
    standalone := n.State() == node.StateStandalone
    switch s.role.(type) {
    case Following:
        if standalone {
            s.disc.SetRole(protocol.RoleStandalone)
            s.switchTo(Standalone{Node: n}, "no coordinator")
        }
    case Standalone:
        if !standalone {
            s.disc.SetRole(n.Role())
            s.switchTo(Following{Node: n}, "coordinator found")
        }
    }
}

// Handle routes an inbound message to the owned role. Configuration updates
// are applied here for every role.
func (s *Supervisor) Handle(now uint32, m protocol.Message) {
    if u, ok := m.Payload.(protocol.ConfigUpdate); ok {
        ack := s.ApplyConfig(u)
        if m.Source != s.self {
            s.out.Send(m.Source, protocol.Status{Kind: protocol.StatusConfigAck, Ack: &ack})
        }
        return
    }
    switch r := s.role.(type) {
    case Coordinating:
        r.Coordinator.Handle(now, m)
    case Following:
        r.Node.Handle(now, m)
        s.syncNodeMode(r.Node)
    case Standalone:
        r.Node.Handle(now, m)
        s.syncNodeMode(r.Node)
    }
}

// ApplyConfig validates and applies a runtime update all-or-nothing.
func (s *Supervisor) ApplyConfig(u protocol.ConfigUpdate) protocol.ConfigAck {
    next, ack := s.cfg.ApplyUpdate(u)
    if !ack.Accepted {
        reasons := make([]string, 0, len(ack.Errors))
        for _, fe := range ack.Errors { reasons = append(reasons, fe.Field+": "+fe.Reason) }
        s.ev.Emit(observability.Event{Kind: observability.EventConfigRejected, NodeID: s.self, Reason: strings.Join(reasons, "; ")})
        return ack
    }
    s.SetConfig(next)
    s.ev.Emit(observability.Event{Kind: observability.EventConfigApplied, NodeID: s.self, Reason: strings.Join(ack.Applied, ",")})
    return ack
}

// SetConfig pushes cfg to discovery and both roles.
func (s *Supervisor) SetConfig(cfg config.Coordination) {
    s.cfg = cfg
    s.disc.SetConfig(cfg)
    s.coord.SetConfig(cfg)
    s.node.SetConfig(cfg)
}
