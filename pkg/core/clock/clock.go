// Package clock provides the monotonic millisecond counter that drives every
// timeout in the coordination core.
package clock

import (
    "sync/atomic"
    "time"
)

// Clock returns a monotonically increasing millisecond counter. The counter is
// 32-bit and wraps; callers compare with Since/Elapsed, never with < or >.
type Clock interface {
    NowMillis() uint32
}

// Since returns now-then in wrap-safe uint32 arithmetic.
func Since(now, then uint32) uint32 { return now - then }

// Elapsed reports whether at least d milliseconds passed between then and now.
func Elapsed(now, then, d uint32) bool { return now-then >= d }

// Expired reports whether strictly more than d milliseconds passed.
func Expired(now, then, d uint32) bool { return now-then > d }

// System is a Clock backed by the process monotonic clock.
type System struct{ start time.Time }

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) NowMillis() uint32 { return uint32(time.Since(s.start) / time.Millisecond) }

// Manual is a Clock advanced explicitly. Safe for concurrent reads.
type Manual struct{ now atomic.Uint32 }

func NewManual(start uint32) *Manual {
    m := &Manual{}
    m.now.Store(start)
    return m
}

func (m *Manual) NowMillis() uint32 { return m.now.Load() }

// Advance moves the clock forward by d milliseconds and returns the new value.
func (m *Manual) Advance(d uint32) uint32 { return m.now.Add(d) }

// Set pins the clock to v.
func (m *Manual) Set(v uint32) { m.now.Store(v) }

// After reports whether a is later than b, assuming they are less than half
// the counter range apart.
func After(a, b uint32) bool { return int32(a-b) > 0 }
