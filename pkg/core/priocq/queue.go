// Package priocq is the outbound radio queue: strict priority between
// classes, FIFO within a class, metered by a byte token bucket. It is
// drained once per tick; whatever the budget does not allow stays queued.
package priocq

import (
    "sync"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
)

// Class is a priority class: L0 control > L1 realtime > L2 bulk
type Class int

const (
    L0Control Class = iota
    L1Realtime
    L2Bulk
    numClasses
)

func (c Class) String() string {
    switch c {
    case L0Control:
        return "control"
    case L1Realtime:
        return "realtime"
    case L2Bulk:
        return "bulk"
    default:
        return "unknown"
    }
}

// ClassFor maps a message type to its priority class.
func ClassFor(t protocol.MessageType) Class {
    switch t {
    case protocol.MsgElection, protocol.MsgEmergency, protocol.MsgHeartbeat:
        return L0Control
    case protocol.MsgTaskAssignment, protocol.MsgStatus, protocol.MsgRoleAssignment,
        protocol.MsgConfigUpdate, protocol.MsgDetectionEvent:
        return L1Realtime
    default:
        return L2Bulk
    }
}

// Item is one encoded frame waiting for the radio.
type Item struct {
    Frame  []byte
    Target uint32 // protocol.Broadcast for broadcast
    Type   protocol.MessageType
    Class  Class
}

// Outbox holds frames across ticks. Push may be called from any goroutine;
// Flush is called by the tick.
type Outbox struct {
    mu      sync.Mutex
    lvls    [numClasses][]Item
    size    int
    max     int
    bucket  *TokenBucket
    dropped uint64
}

// New returns an outbox holding at most max frames (0 = unbounded). bucket
// may be nil for an unmetered link.
func New(max int, bucket *TokenBucket) *Outbox {
    return &Outbox{max: max, bucket: bucket}
}

// Push queues it. When full, the oldest frame of the lowest class that is not
// more important than it is evicted; if every queued frame outranks it, it is
// dropped instead and Push returns false.
func (q *Outbox) Push(it Item) bool {
    if it.Class < L0Control || it.Class >= numClasses { it.Class = ClassFor(it.Type) }
    q.mu.Lock()
    defer q.mu.Unlock()
    if q.max > 0 && q.size >= q.max {
        evicted := false
        for c := numClasses - 1; c >= it.Class; c-- {
            if len(q.lvls[c]) > 0 {
                q.lvls[c] = q.lvls[c][1:]
                q.size--
                evicted = true
                break
            }
        }
        q.dropped++
        if !evicted { return false }
    }
    q.lvls[it.Class] = append(q.lvls[it.Class], it)
    q.size++
    return true
}

// Flush sends queued frames in priority order while the budget allows. A send
// error drops that frame; delivery is best-effort. It returns the number of
// frames handed to send.
func (q *Outbox) Flush(now uint32, send func(Item) error) (sent int, errs []error) {
    q.mu.Lock()
    defer q.mu.Unlock()
    for c := L0Control; c < numClasses; c++ {
        for len(q.lvls[c]) > 0 {
            it := q.lvls[c][0]
            if !q.bucket.Allow(now, int64(len(it.Frame))) { return sent, errs }
            q.lvls[c] = q.lvls[c][1:]
            q.size--
            if err := send(it); err != nil {
                errs = append(errs, err)
                continue
            }
            sent++
        }
    }
    return sent, errs
}

// Len returns the number of queued frames.
func (q *Outbox) Len() int {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.size
}

// LenClass returns the number of queued frames in class c.
func (q *Outbox) LenClass(c Class) int {
    q.mu.Lock(); defer q.mu.Unlock()
    return len(q.lvls[c])
}

// Dropped returns how many frames were lost to overflow.
func (q *Outbox) Dropped() uint64 {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.dropped
}
