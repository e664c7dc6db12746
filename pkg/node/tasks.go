package node

import (
    "context"
    "errors"
    "sort"
    "strconv"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// NodeTask is the node-side mirror of a coordinator task. It exists from
// the assignment until the node reports a terminal status.
type NodeTask struct {
    ID            uint32              `json:"id"`
    Type          string              `json:"type"`
    AssignedNode  uint32              `json:"assigned_node"`
    Parameters    map[string]string   `json:"parameters,omitempty"`
    Priority      uint8               `json:"priority"`
    Deadline      uint32              `json:"deadline"`
    Status        protocol.TaskStatus `json:"status"`
    CreatedTime   uint32              `json:"created_time"`
    Attempt       uint8               `json:"attempt"`
    Retries       uint32              `json:"retries"`
    Coordinator   uint32              `json:"coordinator"`
    Reason        string              `json:"reason,omitempty"`
    CompletedTime uint32              `json:"completed_time,omitempty"`
}

// taskKey names one attempt of a task issued by one coordinator.
type taskKey struct {
    coord   uint32
    id      uint32
    attempt uint8
}

type running struct {
    task   NodeTask
    cancel context.CancelFunc
}

type result struct {
    key   taskKey
    local bool
    err   error
}

// doneLimit bounds the remembered terminal reports used to answer
// duplicate assignments.
const doneLimit = 128

var errNoHandler = errors.New("no handler for task type")

func (n *Node) onAssignment(now, src uint32, a protocol.TaskAssignment) {
    key := taskKey{coord: src, id: a.TaskID, attempt: a.Attempt}
    if rep, ok := n.done[key]; ok {
        n.report(src, rep)
        return
    }
    if r := n.tasks[a.TaskID]; r != nil {
        if r.task.Attempt == a.Attempt && r.task.Coordinator == src { return }
        n.log.Debug("assignment superseded", zap.Uint32("task", a.TaskID), zap.Uint8("old", r.task.Attempt), zap.Uint8("new", a.Attempt))
        r.cancel()
        delete(n.tasks, a.TaskID)
    }

    timeout := a.TimeoutMs
    if timeout == 0 { timeout = n.cfg.TaskTimeoutMs }
    t := NodeTask{
        ID:           a.TaskID,
        Type:         a.TaskType,
        AssignedNode: n.self,
        Parameters:   a.Parameters,
        Priority:     a.Priority,
        Deadline:     now + timeout,
        Status:       protocol.TaskPending,
        CreatedTime:  now,
        Attempt:      a.Attempt,
        Coordinator:  src,
    }
    r := &running{task: t, cancel: func() {}}
    n.tasks[t.ID] = r
    if n.handlers[t.Type] == nil {
        n.finish(now, r, protocol.TaskFailed, errNoHandler.Error(), true)
        return
    }
    r.task.Status = protocol.TaskRunning
    n.report(src, protocol.TaskReport{TaskID: t.ID, Attempt: t.Attempt, Status: protocol.TaskRunning})
    n.spawn(r)
}

func (n *Node) spawn(r *running) {
    h := n.handlers[r.task.Type]
    ctx, cancel := context.WithCancel(n.ctx)
    r.cancel = cancel
    t := r.task
    key := taskKey{coord: t.Coordinator, id: t.ID, attempt: t.Attempt}
    n.run(func() {
        err := h(ctx, t)
        n.results.Push(result{key: key, err: err})
    })
}

// applyResults takes handler outcomes queued since the last tick. Results
// for tasks that timed out or were cancelled meanwhile are discarded.
func (n *Node) applyResults(now uint32) {
    for _, res := range n.results.Drain() {
        if res.local {
            n.localBusy = false
            if res.err != nil {
                n.log.Debug("autonomous action failed", zap.Error(res.err))
                continue
            }
            n.autonomous++
            continue
        }
        r := n.tasks[res.key.id]
        if r == nil || r.task.Attempt != res.key.attempt || r.task.Coordinator != res.key.coord { continue }
        if res.err == nil {
            n.finish(now, r, protocol.TaskCompleted, "", true)
            continue
        }
        if r.task.Retries < n.cfg.MaxRetries && !errors.Is(res.err, context.Canceled) {
            r.task.Retries++
            n.log.Debug("retrying task", zap.Uint32("task", r.task.ID), zap.Uint32("retry", r.task.Retries), zap.Error(res.err))
            n.spawn(r)
            continue
        }
        n.finish(now, r, protocol.TaskFailed, res.err.Error(), true)
    }
}

// sweep times out every running task past its deadline without waiting for
// its handler.
func (n *Node) sweep(now uint32) {
    for _, id := range n.sortedTaskIDs() {
        r := n.tasks[id]
        if clock.After(now, r.task.Deadline) {
            n.finish(now, r, protocol.TaskTimedOut, "deadline exceeded", true)
        }
    }
}

// onCancel drops a task the coordinator has already failed.
func (n *Node) onCancel(now, src uint32, rep protocol.TaskReport) {
    r := n.tasks[rep.TaskID]
    if r == nil || r.task.Coordinator != src || r.task.Attempt != rep.Attempt { return }
    if rep.Status != protocol.TaskFailed && rep.Status != protocol.TaskTimedOut { return }
    reason := rep.Reason
    if reason == "" { reason = "cancelled by coordinator" }
    n.finish(now, r, protocol.TaskFailed, reason, false)
}

func (n *Node) finish(now uint32, r *running, status protocol.TaskStatus, reason string, notify bool) {
    r.cancel()
    delete(n.tasks, r.task.ID)
    r.task.Status = status
    r.task.Reason = reason
    r.task.CompletedTime = now

    rep := protocol.TaskReport{TaskID: r.task.ID, Attempt: r.task.Attempt, Status: status, Reason: reason}
    if len(n.done) >= doneLimit { n.done = make(map[taskKey]protocol.TaskReport) }
    n.done[taskKey{coord: r.task.Coordinator, id: r.task.ID, attempt: r.task.Attempt}] = rep

    kind := observability.EventTaskCompleted
    switch status {
    case protocol.TaskCompleted:
        n.completed++
    case protocol.TaskTimedOut:
        n.timedOut++
        kind = observability.EventTaskTimedOut
    default:
        n.failed++
        kind = observability.EventTaskFailed
    }
    n.ev.Emit(observability.Event{Kind: kind, TaskID: r.task.ID, NodeID: n.self, Reason: reason})
    if notify { n.report(r.task.Coordinator, rep) }
}

func (n *Node) report(coord uint32, rep protocol.TaskReport) {
    n.out.Send(coord, protocol.Status{Kind: protocol.StatusTaskReport, Report: &rep})
}

func (n *Node) sortedTaskIDs() []uint32 {
    ids := make([]uint32, 0, len(n.tasks))
    for id := range n.tasks { ids = append(ids, id) }
    sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
    return ids
}

// Tasks returns the tasks currently held, ordered by id.
func (n *Node) Tasks() []NodeTask {
    out := make([]NodeTask, 0, len(n.tasks))
    for _, id := range n.sortedTaskIDs() { out = append(out, n.tasks[id].task) }
    return out
}

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
