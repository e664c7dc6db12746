package coordinator

import (
    "fmt"
    "sort"
    "strconv"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// Task is a work item owned by the coordinator until it reaches a terminal
// status, after which it lives in the completed history.
type Task struct {
    ID            uint32              `json:"id"`
    Type          string              `json:"type"`
    AssignedNode  uint32              `json:"assigned_node"`
    Parameters    map[string]string   `json:"parameters,omitempty"`
    Priority      uint8               `json:"priority"`
    Deadline      uint32              `json:"deadline"`
    Status        protocol.TaskStatus `json:"status"`
    CreatedTime   uint32              `json:"created_time"`
    Attempt       uint8               `json:"attempt"`
    TimeoutMs     uint32              `json:"timeout_ms"`
    Failovers     uint8               `json:"failovers"`
    Reason        string              `json:"reason,omitempty"`
    CompletedTime uint32              `json:"completed_time,omitempty"`
}

func (t Task) clone() Task {
    if t.Parameters != nil {
        p := make(map[string]string, len(t.Parameters))
        for k, v := range t.Parameters { p[k] = v }
        t.Parameters = p
    }
    return t
}

// maxFailovers bounds failure-driven reassignment per task.
const maxFailovers = 1

// AssignTask creates a task and sends it to target, or to the best-scoring
// node when target is 0. A zero timeout uses the configured task timeout. If
// no node qualifies the task is recorded as Failed and ErrAssignment returned.
func (c *Coordinator) AssignTask(now uint32, taskType string, target uint32, params map[string]string, priority uint8, timeoutMs uint32) (uint32, error) {
    if c.state != StateActive { return 0, ErrNotActive }
    if taskType == "" { return 0, fmt.Errorf("assign task: empty task type") }
    if timeoutMs == 0 { timeoutMs = c.cfg.TaskTimeoutMs }

    t := &Task{
        ID:          c.newTaskID(),
        Type:        taskType,
        Parameters:  params,
        Priority:    priority,
        CreatedTime: now,
        TimeoutMs:   timeoutMs,
        Deadline:    now + timeoutMs,
        Status:      protocol.TaskPending,
    }
    if target == 0 {
        if c.cfg.LoadBalancing {
            target = c.bestCandidate(t.Type, 0)
        } else {
            target = c.firstActive()
        }
    } else if m := c.nodes[target]; m == nil || !m.node.IsActive || target == c.self {
        target = 0
    }
    if target == 0 {
        t.Reason = "no eligible node"
        c.finish(now, t, protocol.TaskFailed)
        return t.ID, fmt.Errorf("assign %s task %d: %w", taskType, t.ID, ErrAssignment)
    }
    c.tasks[t.ID] = t
    c.dispatch(now, t, target)
    c.ev.Emit(observability.Event{Kind: observability.EventTaskAssigned, TaskID: t.ID, NodeID: target, Reason: taskType})
    return t.ID, nil
}

func (c *Coordinator) newTaskID() uint32 {
    for {
        c.nextID++
        if c.nextID == 0 { continue }
        if _, taken := c.tasks[c.nextID]; !taken { return c.nextID }
    }
}

// dispatch (re)sends t to node with a fresh attempt number and deadline.
func (c *Coordinator) dispatch(now uint32, t *Task, node uint32) {
    t.AssignedNode = node
    t.Attempt++
    t.Status = protocol.TaskPending
    t.Deadline = now + t.TimeoutMs
    c.out.Send(node, protocol.TaskAssignment{
        TaskID:     t.ID,
        Attempt:    t.Attempt,
        TaskType:   t.Type,
        Parameters: t.Parameters,
        Priority:   t.Priority,
        TimeoutMs:  t.TimeoutMs,
    })
}

// finish moves t to the history with a terminal status.
func (c *Coordinator) finish(now uint32, t *Task, status protocol.TaskStatus) {
    t.Status = status
    if t.CompletedTime == 0 { t.CompletedTime = now }
    delete(c.tasks, t.ID)
    c.history = append(c.history, t.clone())
    if limit := c.cfg.MaxHistory; limit > 0 && len(c.history) > limit {
        c.history = append(c.history[:0:0], c.history[len(c.history)-limit:]...)
    }
    if status == protocol.TaskCompleted {
        c.completed++
        c.ev.Emit(observability.Event{Kind: observability.EventTaskCompleted, TaskID: t.ID, NodeID: t.AssignedNode})
        return
    }
    c.failed++
    c.ev.Emit(observability.Event{Kind: observability.EventTaskFailed, TaskID: t.ID, NodeID: t.AssignedNode, Reason: t.Reason})
    c.log.Warn("task failed", zap.Uint32("task", t.ID), zap.String("type", t.Type), zap.String("reason", t.Reason))
}

// failover moves t off its node after a failure. A task gets at most one
// failover; after that, or with no candidate, it is terminally Failed.
func (c *Coordinator) failover(now uint32, t *Task, reason string) {
    from := t.AssignedNode
    if t.Failovers >= maxFailovers {
        t.Reason = reason + "; reassignment limit reached"
        c.finish(now, t, protocol.TaskFailed)
        return
    }
    next := c.bestCandidate(t.Type, from)
    if next == 0 {
        t.Reason = reason + "; no eligible node"
        c.finish(now, t, protocol.TaskFailed)
        return
    }
    t.Failovers++
    c.dispatch(now, t, next)
    c.ev.Emit(observability.Event{Kind: observability.EventTaskReassigned, TaskID: t.ID, NodeID: next, From: itoa(from), To: itoa(next), Reason: reason})
}

// HandleTaskReport applies a node's report. Reports for unknown tasks or for
// an older attempt are ignored, which makes duplicates harmless.
func (c *Coordinator) HandleTaskReport(now, src uint32, r protocol.TaskReport) {
    t := c.tasks[r.TaskID]
    if t == nil || t.AssignedNode != src || r.Attempt != t.Attempt { return }
    if t.Status == protocol.TaskCompleted { return }
    switch r.Status {
    case protocol.TaskRunning:
        t.Status = protocol.TaskRunning
    case protocol.TaskCompleted:
        t.Status = protocol.TaskCompleted
        t.CompletedTime = now
    case protocol.TaskFailed, protocol.TaskTimedOut:
        reason := r.Reason
        if reason == "" { reason = r.Status.String() }
        if r.Status == protocol.TaskTimedOut {
            c.ev.Emit(observability.Event{Kind: observability.EventTaskTimedOut, TaskID: t.ID, NodeID: src, Reason: reason})
        }
        c.failover(now, t, reason)
    }
}

// checkTasks moves Completed tasks to the history and fails overdue ones,
// telling the assignee to drop them.
func (c *Coordinator) checkTasks(now uint32) {
    for _, t := range c.sortedTasks() {
        switch {
        case t.Status == protocol.TaskCompleted:
            c.finish(now, t, protocol.TaskCompleted)
        case clock.After(now, t.Deadline):
            t.Reason = "deadline exceeded"
            c.out.Send(t.AssignedNode, protocol.Status{Kind: protocol.StatusTaskReport, Report: &protocol.TaskReport{
                TaskID: t.ID, Attempt: t.Attempt, Status: protocol.TaskFailed, Reason: t.Reason,
            }})
            c.finish(now, t, protocol.TaskFailed)
        }
    }
}

func (c *Coordinator) sortedTasks() []*Task {
    out := make([]*Task, 0, len(c.tasks))
    for _, t := range c.tasks { out = append(out, t) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

// tasksOf returns the open tasks assigned to node.
func (c *Coordinator) tasksOf(node uint32) []*Task {
    var out []*Task
    for _, t := range c.sortedTasks() {
        if t.AssignedNode == node && !t.Status.Terminal() { out = append(out, t) }
    }
    return out
}

func (c *Coordinator) activeCount() int {
    n := 0
    for _, t := range c.tasks {
        if !t.Status.Terminal() { n++ }
    }
    return n
}

// ActiveTasks returns copies of the open tasks ordered by id.
func (c *Coordinator) ActiveTasks() []Task {
    var out []Task
    for _, t := range c.sortedTasks() {
        if !t.Status.Terminal() { out = append(out, t.clone()) }
    }
    return out
}

// Task returns a copy of an open task.
func (c *Coordinator) Task(id uint32) (Task, bool) {
    t := c.tasks[id]
    if t == nil { return Task{}, false }
    return t.clone(), true
}

// CompletedTasks returns the bounded history of terminal tasks, oldest first.
func (c *Coordinator) CompletedTasks() []Task {
    out := make([]Task, len(c.history))
    for i, t := range c.history { out[i] = t.clone() }
    return out
}

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func ftoa(f float32) string { return strconv.FormatFloat(float64(f), 'f', 2, 32) }
