// Package node is the role played by every device that is not the
// coordinator: it finds and follows a coordinator, executes assigned tasks
// through pluggable handlers and falls back to autonomous operation when no
// coordinator can be heard. Like the coordinator it runs inside the device
// tick; only handlers run on their own goroutines.
package node

import (
    "context"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/fifo"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/discovery"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/probe"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// State is the node lifecycle state.
type State uint8

const (
    StateInactive State = iota
    StateInitializing
    StateSeeking
    StateActive
    StateTaskExecuting
    StateStandalone
)

func (s State) String() string {
    switch s {
    case StateInactive:
        return "inactive"
    case StateInitializing:
        return "initializing"
    case StateSeeking:
        return "seeking_coordinator"
    case StateActive:
        return "active"
    case StateTaskExecuting:
        return "task_executing"
    case StateStandalone:
        return "standalone"
    default:
        return "unknown"
    }
}

// AutonomousTask is the handler type run on the standalone schedule.
const AutonomousTask = "autonomous_monitor"

// Handler executes one task. It runs on its own goroutine and must return
// promptly once ctx is cancelled.
type Handler func(ctx context.Context, t NodeTask) error

// Option configures a Node.
type Option func(*Node)

// WithHandler registers h for tasks of type taskType.
func WithHandler(taskType string, h Handler) Option {
    return func(n *Node) { n.handlers[taskType] = h }
}

// WithHandlers registers every handler in hs.
func WithHandlers(hs map[string]Handler) Option {
    return func(n *Node) {
        for k, h := range hs { n.handlers[k] = h }
    }
}

// WithRunner replaces the goroutine launcher used for handlers.
func WithRunner(run func(func())) Option {
    return func(n *Node) { n.run = run }
}

// Stats summarizes the node.
type Stats struct {
    State       string `json:"state"`
    Coordinator uint32 `json:"coordinator"`
    ActiveTasks int    `json:"active_tasks"`
    Completed   uint64 `json:"completed"`
    Failed      uint64 `json:"failed"`
    TimedOut    uint64 `json:"timed_out"`
    Autonomous  uint64 `json:"autonomous_runs"`
}

// Node follows a coordinator and runs its tasks.
type Node struct {
    self  uint32
    disc  *discovery.Discovery
    probe probe.Probe
    out   protocol.Sender
    cfg   config.Coordination
    ev    observability.Emitter
    log   *zap.Logger

    state           State
    role            protocol.Role
    coordinator     uint32
    lastCoordinator uint32
    started         uint32
    seekStarted     uint32
    lastHeartbeat   uint32
    lastAction      uint32
    lastRediscover  uint32

    handlers  map[string]Handler
    run       func(func())
    ctx       context.Context
    cancel    context.CancelFunc
    tasks     map[uint32]*running
    done      map[taskKey]protocol.TaskReport
    results   *fifo.Queue[result]
    localBusy bool

    completed  uint64
    failed     uint64
    timedOut   uint64
    autonomous uint64
}

// New returns an inactive node for device self.
func New(self uint32, disc *discovery.Discovery, p probe.Probe, out protocol.Sender, cfg config.Coordination, ev observability.Emitter, opts ...Option) *Node {
    n := &Node{
        self:     self,
        disc:     disc,
        probe:    p,
        out:      out,
        cfg:      cfg,
        ev:       ev,
        log:      zap.L().Named("node").With(zap.Uint32("device", self)),
        role:     protocol.RoleNode,
        handlers: make(map[string]Handler),
        run:      func(f func()) { go f() },
        tasks:    make(map[uint32]*running),
        done:     make(map[taskKey]protocol.TaskReport),
        results:  fifo.New[result](0),
    }
    n.ctx, n.cancel = context.WithCancel(context.Background())
    for _, o := range opts { o(n) }
    return n
}

// SetConfig swaps the timing configuration.
func (n *Node) SetConfig(cfg config.Coordination) { n.cfg = cfg }

func (n *Node) State() State { return n.state }

// Role is the role this node plays in the fleet, as assigned by the
// coordinator or derived from its own capabilities.
func (n *Node) Role() protocol.Role { return n.role }

// Coordinator returns the followed coordinator, 0 when none.
func (n *Node) Coordinator() uint32 { return n.coordinator }

func (n *Node) setState(s State, reason string) {
    if n.state == s { return }
    from := n.state
    n.state = s
    n.ev.Emit(observability.Event{Kind: observability.EventNodeState, From: from.String(), To: s.String(), Reason: reason})
    n.log.Info("node state", zap.Stringer("from", from), zap.Stringer("to", s), zap.String("reason", reason))
}

// Start takes the role and begins seeking a coordinator. Tasks left from a
// previous run are dropped.
func (n *Node) Start(now uint32) {
    n.setState(StateInitializing, "start")
    n.started = now
    n.cancelAll()
    n.ctx, n.cancel = context.WithCancel(context.Background())
    n.coordinator = 0
    n.lastHeartbeat = now
    if n.role == protocol.RoleNode || n.role == protocol.RoleUnknown {
        caps := n.probe.Snapshot()
        n.role = protocol.RoleForCapabilities(caps, caps.BatteryLevel)
    }
    n.disc.SetRole(n.role)
    n.seekStarted = now
    n.setState(StateSeeking, "start")
}

// Stop leaves the role and cancels every running handler.
func (n *Node) Stop() {
    n.cancelAll()
    n.cancel()
    n.setState(StateInactive, "stop")
}

func (n *Node) cancelAll() {
    for id, r := range n.tasks {
        r.cancel()
        delete(n.tasks, id)
    }
}

// Tick applies finished handler results, sweeps overdue tasks and runs the
// state machine.
func (n *Node) Tick(now uint32) {
    if n.state == StateInactive || n.state == StateInitializing { return }
    n.applyResults(now)
    n.sweep(now)

    switch n.state {
    case StateSeeking:
        n.seek(now)
    case StateActive, StateTaskExecuting:
        if clock.Expired(now, n.lastCoordinator, n.cfg.CoordinatorTimeoutMs) {
            n.coordinatorLost(now)
        }
    case StateStandalone:
        n.standalone(now)
    }
    n.syncExecuting()

    if clock.Elapsed(now, n.lastHeartbeat, n.cfg.HeartbeatIntervalMs) {
        n.sendHeartbeat(now)
    }
}

func (n *Node) seek(now uint32) {
    if n.disc.State() != discovery.StateComplete { return }
    if c := n.disc.Coordinator(); c != 0 && c != n.self {
        n.follow(now, c)
        n.setState(StateActive, "coordinator discovered")
        return
    }
    if n.cfg.AutonomousMode {
        n.enterStandalone(now, "no coordinator found")
        return
    }
    if clock.Elapsed(now, n.seekStarted, n.cfg.DiscoveryTimeoutMs) {
        n.seekStarted = now
        n.disc.Restart(now)
    }
}

func (n *Node) follow(now, coord uint32) {
    if n.coordinator != coord {
        n.ev.Emit(observability.Event{Kind: observability.EventCoordinatorFollowed, NodeID: coord, From: idString(n.coordinator), To: idString(coord)})
        n.coordinator = coord
    }
    n.lastCoordinator = now
}

func (n *Node) coordinatorLost(now uint32) {
    n.ev.Emit(observability.Event{Kind: observability.EventCoordinatorFollowed, NodeID: n.coordinator, From: idString(n.coordinator), To: "none", Reason: "coordinator timeout"})
    n.log.Warn("coordinator lost", zap.Uint32("coordinator", n.coordinator))
    n.coordinator = 0
    if n.cfg.AutonomousMode {
        n.enterStandalone(now, "coordinator timeout")
        return
    }
    n.seekStarted = now
    n.disc.Restart(now)
    n.setState(StateSeeking, "coordinator timeout")
}

func (n *Node) enterStandalone(now uint32, reason string) {
    n.setState(StateStandalone, reason)
    n.lastRediscover = now
    n.lastAction = now
    n.autonomousAction(now)
}

// standalone runs the autonomous action on its schedule and retries
// discovery at half the coordinator timeout.
func (n *Node) standalone(now uint32) {
    if clock.Elapsed(now, n.lastAction, n.cfg.StandaloneActionIntervalMs) {
        n.lastAction = now
        n.autonomousAction(now)
    }
    if clock.Elapsed(now, n.lastRediscover, n.cfg.CoordinatorTimeoutMs/2) {
        n.lastRediscover = now
        n.disc.Restart(now)
    }
}

func (n *Node) autonomousAction(now uint32) {
    h := n.handlers[AutonomousTask]
    if h == nil || n.localBusy { return }
    n.localBusy = true
    t := NodeTask{
        Type:         AutonomousTask,
        AssignedNode: n.self,
        Status:       protocol.TaskRunning,
        CreatedTime:  now,
        Deadline:     now + n.cfg.StandaloneActionIntervalMs,
    }
    ctx := n.ctx
    n.run(func() { n.results.Push(result{local: true, err: h(ctx, t)}) })
}

func (n *Node) syncExecuting() {
    switch {
    case n.state == StateActive && len(n.tasks) > 0:
        n.setState(StateTaskExecuting, "task started")
    case n.state == StateTaskExecuting && len(n.tasks) == 0:
        n.setState(StateActive, "tasks drained")
    }
}

func (n *Node) sendHeartbeat(now uint32) {
    n.lastHeartbeat = now
    caps := n.probe.Snapshot()
    n.out.Send(protocol.Broadcast, protocol.Heartbeat{
        Role:        n.role,
        Battery:     caps.BatteryLevel,
        ActiveTasks: uint16(min(len(n.tasks), 0xFFFF)),
        Score:       protocol.ComputeCoordinatorScore(caps),
        UptimeMs:    clock.Since(now, n.started),
    })
}

// Handle processes a message addressed to (or broadcast at) this device.
func (n *Node) Handle(now uint32, m protocol.Message) {
    if n.state == StateInactive || n.state == StateInitializing { return }
    switch p := m.Payload.(type) {
    case protocol.Heartbeat:
        if p.Role == protocol.RoleCoordinator || m.SourceRole == protocol.RoleCoordinator {
            n.onCoordinatorHeartbeat(now, m.Source)
        }
    case protocol.TaskAssignment:
        if m.Target != n.self { return }
        n.onCoordinatorHeartbeat(now, m.Source)
        n.onAssignment(now, m.Source, p)
    case protocol.Status:
        if p.Kind == protocol.StatusTaskReport && p.Report != nil {
            n.onCancel(now, m.Source, *p.Report)
        }
    case protocol.RoleAssignment:
        if p.NodeID == n.self && p.Role != n.role && p.Role.Valid() && p.Role != protocol.RoleUnknown {
            n.ev.Emit(observability.Event{Kind: observability.EventRoleAssigned, NodeID: n.self, From: n.role.String(), To: p.Role.String()})
            n.role = p.Role
            n.disc.SetRole(p.Role)
        }
    }
}

func (n *Node) onCoordinatorHeartbeat(now, src uint32) {
    n.follow(now, src)
    if n.state == StateSeeking || n.state == StateStandalone {
        n.setState(StateActive, "coordinator heartbeat")
    }
}

// ReportDetection forwards a local detection to the coordinator. It reports
// false when no coordinator is followed.
func (n *Node) ReportDetection(kind string, confidence float32, count uint16, taskID uint32) bool {
    if n.coordinator == 0 { return false }
    n.out.Send(n.coordinator, protocol.DetectionEvent{Kind: kind, Confidence: confidence, Count: count, TaskID: taskID})
    return true
}

// Stats returns the node counters.
func (n *Node) Stats() Stats {
    return Stats{
        State:       n.state.String(),
        Coordinator: n.coordinator,
        ActiveTasks: len(n.tasks),
        Completed:   n.completed,
        Failed:      n.failed,
        TimedOut:    n.timedOut,
        Autonomous:  n.autonomous,
    }
}

func idString(id uint32) string {
    if id == 0 { return "none" }
    return itoa(id)
}
