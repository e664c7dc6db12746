package coordinator

import (
    "math"
    "sort"
    "strings"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

// Candidate scoring weights.
const (
    aiMatchBonus   = 50
    loadPenalty    = 10
    overloadFactor = 1.5
    // tasks at or above this priority are never moved by load balancing
    criticalPriority = 3
)

// aiTask reports whether a task type benefits from an AI-capable node.
func aiTask(taskType string) bool {
    t := strings.ToLower(taskType)
    return strings.Contains(t, "process") || strings.Contains(t, "detect") || strings.Contains(t, "analy")
}

// candidateScore rates m for a task of taskType given its open task count.
func (c *Coordinator) candidateScore(m *managed, taskType string, load int) float32 {
    var s float32
    caps := m.node.Capabilities
    if caps.HasAI && aiTask(taskType) { s += aiMatchBonus }
    s += float32(caps.BatteryLevel) / 2
    s += float32(100+int(m.node.SignalStrength)) / 2
    s -= float32(loadPenalty * load)
    return s
}

// loads counts open tasks per node.
func (c *Coordinator) loads() map[uint32]int {
    out := make(map[uint32]int, len(c.nodes))
    for _, t := range c.tasks {
        if !t.Status.Terminal() { out[t.AssignedNode]++ }
    }
    return out
}

// bestCandidate returns the highest-scoring active peer other than exclude,
// or 0 when none qualifies. The coordinator itself is never a candidate.
func (c *Coordinator) bestCandidate(taskType string, exclude uint32) uint32 {
    return c.pick(taskType, exclude, c.loads())
}

func (c *Coordinator) pick(taskType string, exclude uint32, loads map[uint32]int) uint32 {
    return c.pickWhere(taskType, exclude, loads, nil)
}

// pickWhere is pick restricted to nodes accepted by ok.
func (c *Coordinator) pickWhere(taskType string, exclude uint32, loads map[uint32]int, ok func(id uint32) bool) uint32 {
    var best uint32
    var bestScore float32
    for _, id := range c.sortedIDs() {
        m := c.nodes[id]
        if id == c.self || id == exclude || !m.node.IsActive { continue }
        if ok != nil && !ok(id) { continue }
        s := c.candidateScore(m, taskType, loads[id])
        if best == 0 || s > bestScore {
            best, bestScore = id, s
        }
    }
    return best
}

func (c *Coordinator) firstActive() uint32 {
    for _, id := range c.sortedIDs() {
        if id != c.self && c.nodes[id].node.IsActive { return id }
    }
    return 0
}

// LoadBalance moves non-critical tasks off overloaded nodes. A node is
// overloaded when its open task count exceeds 1.5x the fleet average; up to
// count-average of its tasks with priority below 3 are moved to the best
// alternative. A node is an alternative only while taking the task leaves it
// below the donor and not itself overloaded. It returns the number of moved
// tasks.
func (c *Coordinator) LoadBalance(now uint32) int {
    if c.state != StateActive { return 0 }
    loads := c.loads()
    var active []uint32
    total := 0
    for _, id := range c.sortedIDs() {
        if id == c.self || !c.nodes[id].node.IsActive { continue }
        active = append(active, id)
        total += loads[id]
    }
    if len(active) < 2 || total == 0 { return 0 }
    avg := float64(total) / float64(len(active))

    moved := 0
    for _, id := range active {
        count := loads[id]
        if float64(count) <= overloadFactor*avg { continue }
        excess := int(math.Floor(float64(count) - avg))
        relieves := func(to uint32) bool {
            n := loads[to] + 1
            return n < loads[id] && float64(n) <= overloadFactor*avg
        }
        for _, t := range c.movableTasks(id) {
            if excess == 0 { break }
            next := c.pickWhere(t.Type, id, loads, relieves)
            if next == 0 { break }
            c.dispatch(now, t, next)
            loads[id]--
            loads[next]++
            excess--
            moved++
            c.ev.Emit(observability.Event{Kind: observability.EventTaskReassigned, TaskID: t.ID, NodeID: next, From: itoa(id), To: itoa(next), Reason: "load balance"})
        }
    }
    if moved > 0 {
        c.ev.Emit(observability.Event{Kind: observability.EventLoadBalanced, AffectedTasks: moved})
        c.log.Info("load balanced", zap.Int("moved", moved), zap.Float64("average", avg))
    }
    return moved
}

// movableTasks lists node's open non-critical tasks, lowest priority first.
func (c *Coordinator) movableTasks(node uint32) []*Task {
    var out []*Task
    for _, t := range c.tasksOf(node) {
        if t.Priority < criticalPriority { out = append(out, t) }
    }
    sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
    return out
}
