package coordinator

import (
    "errors"
    "testing"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/discovery"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/probe"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

type sent struct {
    target uint32
    p      protocol.Payload
}

type capture struct {
    msgs    []sent
    relayed []protocol.Message
}

func (c *capture) Send(target uint32, p protocol.Payload) { c.msgs = append(c.msgs, sent{target, p}) }
func (c *capture) Relay(m protocol.Message)              { c.relayed = append(c.relayed, m) }

func (c *capture) of(t protocol.MessageType) []sent {
    var out []sent
    for _, m := range c.msgs {
        if m.p.MessageType() == t { out = append(out, m) }
    }
    return out
}

func (c *capture) reset() { c.msgs = nil }

var (
    capsSelf   = protocol.Capabilities{HasCamera: true, HasRadio: true, HasAI: true, HasPSRAM: true, HasStorage: true, MaxResolution: protocol.HighResolutionPixels, BatteryLevel: 100}
    capsAI     = protocol.Capabilities{HasCamera: true, HasAI: true, HasPSRAM: true, MaxResolution: protocol.HighResolutionPixels, BatteryLevel: 90}
    capsCamera = protocol.Capabilities{HasCamera: true, BatteryLevel: 90}
    capsRadio  = protocol.Capabilities{HasRadio: true, BatteryLevel: 90}
)

type harness struct {
    t     *testing.T
    now   uint32
    cfg   config.Coordination
    disc  *discovery.Discovery
    coord *Coordinator
    out   *capture
    ev    *observability.Memory
}

func newHarness(t *testing.T, peers map[uint32]protocol.Capabilities) *harness {
    t.Helper()
    h := &harness{t: t, cfg: config.DefaultCoordination(), out: &capture{}, ev: &observability.Memory{}}
    h.cfg.CleanupIntervalMs = 0
    em := observability.Emitter{Device: 1, Now: func() uint32 { return h.now }, Sink: h.ev}
    p := probe.NewStatic(capsSelf)
    h.disc = discovery.New(1, p, h.out, h.cfg, em)
    h.disc.Start(0)
    for id, caps := range peers {
        h.disc.HandleAdvertisement(0, protocol.Advertisement{NodeID: id, Capabilities: caps}, 1, -60)
    }
    h.now = 2*h.cfg.DiscoveryIntervalMs + 1
    if len(peers) == 0 { h.now = h.cfg.DiscoveryTimeoutMs }
    h.disc.Tick(h.now)
    if h.disc.State() != discovery.StateComplete { t.Fatalf("discovery not complete") }
    h.coord = New(1, h.disc, p, h.out, h.cfg, em)
    h.coord.Start(h.now)
    if h.coord.State() != StateActive { t.Fatalf("coordinator state = %s", h.coord.State()) }
    return h
}

func (h *harness) heartbeat(ids ...uint32) {
    for _, id := range ids {
        hb := protocol.Heartbeat{Role: protocol.RoleNode, Battery: 90}
        h.disc.HandleHeartbeat(h.now, id, protocol.RoleNode, hb, 1, -60)
        h.coord.Handle(h.now, protocol.NewMessage(id, 1, protocol.RoleNode, h.now, hb))
    }
}

func (h *harness) tick() {
    h.disc.Tick(h.now)
    h.coord.Tick(h.now)
}

// run advances the clock in 5 s steps, heartbeating alive at each step.
func (h *harness) run(ms uint32, alive ...uint32) {
    for end := h.now + ms; h.now < end; {
        h.now += 5000
        h.heartbeat(alive...)
        h.tick()
    }
}

func (h *harness) report(src, task uint32, attempt uint8, st protocol.TaskStatus) {
    h.coord.Handle(h.now, protocol.NewMessage(src, 1, protocol.RoleNode, h.now, protocol.Status{
        Kind: protocol.StatusTaskReport, Report: &protocol.TaskReport{TaskID: task, Attempt: attempt, Status: st},
    }))
}

func TestStartAssignsRolesAndBroadcastsTopology(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsAI, 3: capsRadio})
    roles := map[uint32]protocol.Role{}
    for _, m := range h.out.of(protocol.MsgRoleAssignment) {
        ra := m.p.(protocol.RoleAssignment)
        if m.target != ra.NodeID { t.Fatalf("role assignment for %d sent to %d", ra.NodeID, m.target) }
        roles[ra.NodeID] = ra.Role
    }
    if roles[2] != protocol.RoleAIProcessor || roles[3] != protocol.RoleRelay { t.Fatalf("roles = %v", roles) }
    topo := h.out.of(protocol.MsgTopology)
    if len(topo) != 1 || len(topo[0].p.(protocol.Topology).Nodes) != 3 { t.Fatalf("topology broadcasts = %+v", topo) }
    if len(h.coord.ManagedNodes()) != 2 { t.Fatalf("managed = %+v", h.coord.ManagedNodes()) }
}

func TestStartWaitsForDiscovery(t *testing.T) {
    cfg := config.DefaultCoordination()
    out := &capture{}
    p := probe.NewStatic(capsSelf)
    d := discovery.New(1, p, out, cfg, observability.Emitter{})
    d.Start(0)
    c := New(1, d, p, out, cfg, observability.Emitter{})
    c.Start(0)
    if c.State() != StateDiscovering { t.Fatalf("state = %s", c.State()) }
    d.Tick(cfg.DiscoveryTimeoutMs)
    c.Tick(cfg.DiscoveryTimeoutMs)
    if c.State() != StateActive { t.Fatalf("state = %s", c.State()) }
}

func TestReassignsAfterHeartbeatLoss(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsAI, 3: capsAI, 4: capsCamera})
    id, err := h.coord.AssignTask(h.now, "ai_analysis", 3, nil, 1, 0)
    if err != nil { t.Fatalf("assign: %v", err) }

    h.run(45000, 2, 3, 4) // all alive
    h.run(65000, 2, 4)    // node 3 goes silent

    task, ok := h.coord.Task(id)
    if !ok { t.Fatalf("task %d left the active set", id) }
    if task.AssignedNode == 3 || task.Status == protocol.TaskFailed { t.Fatalf("task = %+v", task) }
    if task.AssignedNode != 2 { t.Fatalf("reassigned to %d, want AI node 2", task.AssignedNode) }
    if task.Attempt != 2 { t.Fatalf("attempt = %d", task.Attempt) }

    failed := h.ev.Kind(observability.EventNodeFailed)
    if len(failed) != 1 { t.Fatalf("node_failed events = %+v", failed) }
    if f := failed[0]; f.NodeID != 3 || f.Reason != "heartbeat timeout" || f.AffectedTasks != 1 { t.Fatalf("event = %+v", f) }
    for _, n := range h.coord.ManagedNodes() {
        if n.ID == 3 && n.IsActive { t.Fatalf("node 3 still active") }
    }
    if len(h.ev.Kind(observability.EventTaskReassigned)) != 1 { t.Fatalf("reassignment not recorded") }
}

func TestFailureNotBeforeTimeout(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsAI, 3: capsCamera})
    last := h.now
    h.heartbeat(3)
    h.now = last + h.cfg.NodeFailureTimeoutMs
    h.heartbeat(2)
    h.tick()
    if len(h.ev.Kind(observability.EventNodeFailed)) != 0 { t.Fatalf("failed at exactly the timeout") }
    h.now++
    h.tick()
    if len(h.ev.Kind(observability.EventNodeFailed)) != 1 { t.Fatalf("not failed past the timeout") }
}

func TestFailoverWithoutCandidateFails(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    id, err := h.coord.AssignTask(h.now, "image_capture", 0, nil, 1, 0)
    if err != nil { t.Fatal(err) }
    h.run(65000)
    if _, ok := h.coord.Task(id); ok { t.Fatalf("task still active") }
    hist := h.coord.CompletedTasks()
    if len(hist) != 1 || hist[0].Status != protocol.TaskFailed { t.Fatalf("history = %+v", hist) }
    if st := h.coord.Stats(h.now); st.FailedTasks != 1 || st.NetworkEfficiency != 0 { t.Fatalf("stats = %+v", st) }
}

func TestAssignWithoutNodesIsAssignmentFailure(t *testing.T) {
    h := newHarness(t, nil)
    _, err := h.coord.AssignTask(h.now, "image_capture", 0, nil, 1, 0)
    if !errors.Is(err, ErrAssignment) { t.Fatalf("err = %v", err) }
    if _, err := h.coord.AssignTask(h.now, "image_capture", 1, nil, 1, 0); !errors.Is(err, ErrAssignment) {
        t.Fatalf("self accepted as target: %v", err)
    }
    if len(h.coord.CompletedTasks()) != 2 { t.Fatalf("failed assignments not recorded") }
    if _, err := h.coord.AssignTask(h.now, "", 0, nil, 1, 0); err == nil { t.Fatalf("empty type accepted") }
}

func TestAutoAssignPrefersAIForAnalysis(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera, 3: capsAI})
    id, err := h.coord.AssignTask(h.now, "motion_detect", 0, map[string]string{"zone": "a"}, 1, 60000)
    if err != nil { t.Fatal(err) }
    task, _ := h.coord.Task(id)
    if task.AssignedNode != 3 { t.Fatalf("assigned to %d", task.AssignedNode) }
    if task.Deadline != h.now+60000 { t.Fatalf("deadline = %d", task.Deadline) }
    msgs := h.out.of(protocol.MsgTaskAssignment)
    ta := msgs[len(msgs)-1].p.(protocol.TaskAssignment)
    if ta.TaskID != id || ta.TimeoutMs != 60000 || ta.Parameters["zone"] != "a" || ta.Attempt != 1 { t.Fatalf("assignment = %+v", ta) }

    // the load penalty steers capture work off the busy AI node
    a, _ := h.coord.AssignTask(h.now, "image_capture", 0, nil, 1, 0)
    if task, _ := h.coord.Task(a); task.AssignedNode != 2 { t.Fatalf("capture task on node %d", task.AssignedNode) }
}

func TestTaskReportsAndHistory(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    id, _ := h.coord.AssignTask(h.now, "image_capture", 2, nil, 1, 0)

    h.report(3, id, 1, protocol.TaskCompleted) // wrong node
    h.report(2, id, 7, protocol.TaskCompleted) // wrong attempt
    if task, _ := h.coord.Task(id); task.Status != protocol.TaskPending { t.Fatalf("stale report applied: %+v", task) }

    h.report(2, id, 1, protocol.TaskRunning)
    if task, _ := h.coord.Task(id); task.Status != protocol.TaskRunning { t.Fatalf("status = %s", task.Status) }
    h.report(2, id, 1, protocol.TaskCompleted)
    h.report(2, id, 1, protocol.TaskCompleted)
    if len(h.coord.ActiveTasks()) != 0 { t.Fatalf("completed task still counted active") }

    h.now += h.cfg.TaskCheckIntervalMs
    h.heartbeat(2)
    h.tick()
    hist := h.coord.CompletedTasks()
    if len(hist) != 1 || hist[0].Status != protocol.TaskCompleted || hist[0].ID != id { t.Fatalf("history = %+v", hist) }
    st := h.coord.Stats(h.now)
    if st.CompletedTasks != 1 || st.FailedTasks != 0 || st.NetworkEfficiency != 1 || st.ManagedNodes != 1 { t.Fatalf("stats = %+v", st) }
}

func TestOverdueTaskRecordedFailed(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    id, _ := h.coord.AssignTask(h.now, "image_capture", 2, nil, 1, 30000)
    h.out.reset()
    h.run(35000, 2)

    if _, ok := h.coord.Task(id); ok { t.Fatalf("overdue task still active") }
    hist := h.coord.CompletedTasks()
    if len(hist) != 1 || hist[0].Status != protocol.TaskFailed || hist[0].Reason != "deadline exceeded" {
        t.Fatalf("history = %+v", hist)
    }
    notified := false
    for _, m := range h.out.of(protocol.MsgStatus) {
        s := m.p.(protocol.Status)
        if m.target == 2 && s.Report != nil && s.Report.TaskID == id && s.Report.Status == protocol.TaskFailed { notified = true }
    }
    if !notified { t.Fatalf("assignee not told about the overdue task") }
}

func TestFailedReportFailsOverOnce(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera, 3: capsCamera})
    id, _ := h.coord.AssignTask(h.now, "image_capture", 2, nil, 1, 0)
    h.report(2, id, 1, protocol.TaskFailed)
    task, ok := h.coord.Task(id)
    if !ok || task.AssignedNode != 3 || task.Attempt != 2 { t.Fatalf("task = %+v ok=%v", task, ok) }
    h.report(3, id, 2, protocol.TaskTimedOut)
    if _, ok := h.coord.Task(id); ok { t.Fatalf("task failed over twice") }
    if len(h.ev.Kind(observability.EventTaskTimedOut)) != 1 { t.Fatalf("timeout not recorded") }
}

func TestLoadBalanceRelievesOverloadedNode(t *testing.T) {
    peers := map[uint32]protocol.Capabilities{}
    for id := uint32(2); id <= 6; id++ { peers[id] = capsCamera }
    h := newHarness(t, peers)
    var ids []uint32
    for i := 0; i < 5; i++ {
        id, err := h.coord.AssignTask(h.now, "image_capture", 2, nil, uint8(i%3), 0)
        if err != nil { t.Fatal(err) }
        ids = append(ids, id)
    }
    moved := h.coord.LoadBalance(h.now)
    if moved == 0 { t.Fatalf("nothing moved") }
    loads := map[uint32]int{}
    for _, task := range h.coord.ActiveTasks() { loads[task.AssignedNode]++ }
    if loads[2] > 2 { t.Fatalf("node 2 still holds %d tasks", loads[2]) }
    for _, id := range ids {
        task, _ := h.coord.Task(id)
        if task.AssignedNode != 2 && task.Priority >= 3 { t.Fatalf("critical task moved: %+v", task) }
    }
    if len(h.ev.Kind(observability.EventLoadBalanced)) != 1 { t.Fatalf("load balance not recorded") }
}

func TestLoadBalanceKeepsCriticalTasks(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera, 3: capsCamera, 4: capsCamera})
    for i := 0; i < 4; i++ {
        if _, err := h.coord.AssignTask(h.now, "image_capture", 2, nil, 5, 0); err != nil { t.Fatal(err) }
    }
    if moved := h.coord.LoadBalance(h.now); moved != 0 { t.Fatalf("moved %d critical tasks", moved) }
}

func TestGrowthTriggersTopologyBroadcast(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    h.out.reset()
    h.now += 1000
    for id := uint32(3); id <= 5; id++ {
        h.disc.HandleAdvertisement(h.now, protocol.Advertisement{NodeID: id, Capabilities: capsRadio}, 1, -70)
    }
    h.tick()
    if len(h.out.of(protocol.MsgTopology)) != 1 { t.Fatalf("no topology broadcast on growth") }
    if len(h.out.of(protocol.MsgRoleAssignment)) != 3 { t.Fatalf("new nodes not given roles") }
    h.out.reset()
    h.now += 1000
    h.tick()
    if len(h.out.of(protocol.MsgTopology)) != 0 { t.Fatalf("topology rebroadcast without change") }
}

func TestRecoveryAfterFailure(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera, 3: capsRadio})
    h.run(65000, 2)
    if len(h.ev.Kind(observability.EventNodeFailed)) != 1 { t.Fatalf("node 3 not failed") }
    h.heartbeat(3)
    if len(h.ev.Kind(observability.EventNodeRecovered)) != 1 { t.Fatalf("recovery not recorded") }
    for _, n := range h.coord.ManagedNodes() {
        if !n.IsActive { t.Fatalf("node %d inactive after recovery", n.ID) }
    }
}

func TestElection(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    h.out.reset()
    h.coord.HandleElection(h.now, 2, protocol.Election{Score: 10, Candidate: 2})
    if h.coord.State() != StateActive { t.Fatalf("lost to a weaker claim") }
    if len(h.out.of(protocol.MsgElection)) != 1 { t.Fatalf("winner did not assert its claim") }

    h.coord.HandleElection(h.now, 9, protocol.Election{Score: 500})
    if h.coord.State() != StateInactive { t.Fatalf("kept role against a stronger claim") }
    if len(h.ev.Kind(observability.EventElection)) != 2 { t.Fatalf("elections not recorded") }
}

func TestStepsDownWhenOutranked(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    strong := capsSelf
    strong.HasCellular = true
    h.now += 1000
    h.disc.HandleAdvertisement(h.now, protocol.Advertisement{NodeID: 7, Capabilities: strong}, 1, -50)
    h.tick()
    if h.coord.State() != StateInactive { t.Fatalf("state = %s", h.coord.State()) }
}

func TestDetectionTriggersAnalysis(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera, 3: capsAI})
    h.coord.Handle(h.now, protocol.NewMessage(2, 1, protocol.RoleCaptureNode, h.now, protocol.DetectionEvent{Kind: "deer", Confidence: 0.5}))
    if len(h.coord.ActiveTasks()) != 0 { t.Fatalf("low confidence triggered analysis") }
    h.coord.Handle(h.now, protocol.NewMessage(2, 1, protocol.RoleCaptureNode, h.now, protocol.DetectionEvent{Kind: "deer", Confidence: 0.9}))
    tasks := h.coord.ActiveTasks()
    if len(tasks) != 1 || tasks[0].Type != "ai_analysis" || tasks[0].AssignedNode != 3 || tasks[0].Parameters["source"] != "2" {
        t.Fatalf("tasks = %+v", tasks)
    }
}

func TestEmergencyRelayedOnce(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    m := protocol.NewMessage(2, 0, protocol.RoleNode, 77, protocol.Emergency{Reason: "fire", Severity: 3})
    h.coord.Handle(h.now, m)
    h.coord.Handle(h.now, m)
    relayedCopy := m
    relayedCopy.HopCount = 1
    relayedCopy.Timestamp = 78
    h.coord.Handle(h.now, relayedCopy)
    if len(h.out.relayed) != 1 { t.Fatalf("relayed %d times", len(h.out.relayed)) }
    if len(h.ev.Kind(observability.EventEmergency)) != 2 { t.Fatalf("emergency events = %d", len(h.ev.Kind(observability.EventEmergency))) }
}

func TestConfigAckRecorded(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    v := uint32(5000)
    h.coord.BroadcastConfig(protocol.ConfigUpdate{HeartbeatIntervalMs: &v})
    if len(h.out.of(protocol.MsgConfigUpdate)) != 1 { t.Fatalf("config not broadcast") }
    h.coord.Handle(h.now, protocol.NewMessage(2, 1, protocol.RoleNode, h.now, protocol.Status{
        Kind: protocol.StatusConfigAck,
        Ack:  &protocol.ConfigAck{Errors: []protocol.FieldError{{Field: "heartbeat_interval", Reason: "too low"}}},
    }))
    rej := h.ev.Kind(observability.EventConfigRejected)
    if len(rej) != 1 || rej[0].NodeID != 2 || rej[0].Reason != "heartbeat_interval: too low" { t.Fatalf("events = %+v", rej) }
}

func TestLoadBalanceSpreadsPastBusyFavourite(t *testing.T) {
    peers := map[uint32]protocol.Capabilities{
        2: {HasCamera: true, BatteryLevel: 90},
        3: {HasCamera: true, BatteryLevel: 100},
        4: {HasRadio: true, BatteryLevel: 5},
        5: {HasRadio: true, BatteryLevel: 5},
    }
    rssi := map[uint32]int16{2: -60, 3: -30, 4: -100, 5: -100}
    h := newHarness(t, peers)
    h.now++
    for id, caps := range peers {
        h.disc.HandleAdvertisement(h.now, protocol.Advertisement{NodeID: id, Capabilities: caps}, 1, rssi[id])
    }
    h.tick()

    for i := 0; i < 10; i++ {
        target := uint32(2)
        if i >= 6 { target = 3 }
        if _, err := h.coord.AssignTask(h.now, "image_capture", target, nil, 0, 0); err != nil { t.Fatal(err) }
    }
    if moved := h.coord.LoadBalance(h.now); moved == 0 { t.Fatalf("nothing moved") }

    loads := map[uint32]int{}
    for _, task := range h.coord.ActiveTasks() { loads[task.AssignedNode]++ }
    // average is 2.5
    for id, n := range loads {
        if n > 3 { t.Fatalf("node %d holds %d tasks: %v", id, n, loads) }
    }
    if loads[4] == 0 || loads[5] == 0 { t.Fatalf("idle nodes left unused: %v", loads) }
}

func TestTaskIDsNotReusedAcrossTerms(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    seen := map[uint32]bool{}
    for term := 0; term < 3; term++ {
        for i := 0; i < 4; i++ {
            id, err := h.coord.AssignTask(h.now, "image_capture", 2, nil, 0, 0)
            if err != nil { t.Fatal(err) }
            if id == 0 || seen[id] { t.Fatalf("term %d reused task id %d", term, id) }
            seen[id] = true
        }
        h.coord.Stop()
        h.coord.Start(h.now)
    }
}

func TestRoleAssignedOnceCapabilitiesArrive(t *testing.T) {
    h := newHarness(t, map[uint32]protocol.Capabilities{2: capsCamera})
    h.out.reset()
    h.now += 1000
    h.heartbeat(3)
    h.tick()
    if _, ok := h.coord.nodes[3]; !ok { t.Fatalf("heartbeat-only node not managed") }
    if n := len(h.out.of(protocol.MsgRoleAssignment)); n != 0 { t.Fatalf("role sent before capabilities known: %d", n) }

    h.disc.HandleAdvertisement(h.now, protocol.Advertisement{NodeID: 3, Capabilities: capsAI}, 1, -60)
    h.tick()
    got := h.out.of(protocol.MsgRoleAssignment)
    if len(got) != 1 || got[0].target != 3 || got[0].p.(protocol.RoleAssignment).Role != protocol.RoleAIProcessor {
        t.Fatalf("role assignments = %+v", got)
    }
    h.now += 1000
    h.tick()
    if n := len(h.out.of(protocol.MsgRoleAssignment)); n != 1 { t.Fatalf("role re-sent: %d", n) }
}
