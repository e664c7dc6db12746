package eventlog

import (
    "sync"
    "sync/atomic"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

// AsyncSink hands events to a slower recorder on its own goroutine. Record
// never blocks: when the buffer is full the event is dropped and counted.
type AsyncSink struct {
    next    observability.Recorder
    ch      chan observability.Event
    done    chan struct{}
    once    sync.Once
    mu      sync.RWMutex
    closed  bool
    dropped atomic.Uint64
}

// NewAsyncSink starts a sink with a buffer of size events (minimum 1).
func NewAsyncSink(next observability.Recorder, size int) *AsyncSink {
    if size < 1 { size = 1 }
    a := &AsyncSink{next: next, ch: make(chan observability.Event, size), done: make(chan struct{})}
    go a.loop()
    return a
}

func (a *AsyncSink) loop() {
    defer close(a.done)
    for e := range a.ch { a.next.Record(e) }
}

func (a *AsyncSink) Record(e observability.Event) {
    a.mu.RLock()
    defer a.mu.RUnlock()
    if a.closed {
        a.dropped.Add(1)
        return
    }
    select {
    case a.ch <- e:
    default:
        a.dropped.Add(1)
    }
}

// Dropped returns how many events were lost to a full buffer or after Close.
func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting events and waits until the buffered ones are
// recorded.
func (a *AsyncSink) Close() {
    a.once.Do(func() {
        a.mu.Lock()
        a.closed = true
        close(a.ch)
        a.mu.Unlock()
    })
    <-a.done
}
