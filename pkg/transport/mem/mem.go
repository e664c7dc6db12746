// Package mem is an in-process radio medium. Every attached link hears every
// broadcast; addressed frames reach only their target. Loss, duplication,
// per-device outages and pairwise partitions are configurable so tests can
// reproduce a lossy mesh deterministically.
package mem

import (
    "math/rand"
    "sync"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
)

// Option configures a Hub.
type Option func(*Hub)

// WithLoss drops each delivery with probability p.
func WithLoss(p float64) Option { return func(h *Hub) { h.loss = p } }

// WithDuplicate delivers each frame twice with probability p.
func WithDuplicate(p float64) Option { return func(h *Hub) { h.dup = p } }

// WithSeed fixes the random source.
func WithSeed(seed int64) Option { return func(h *Hub) { h.rng = rand.New(rand.NewSource(seed)) } }

// WithSignal sets the RSSI a receiver observes for frames from a sender.
func WithSignal(fn func(from, to uint32) int16) Option { return func(h *Hub) { h.signal = fn } }

// Stats counts medium activity.
type Stats struct {
    Sent       uint64
    Delivered  uint64
    Lost       uint64
    Duplicated uint64
}

// Hub is the shared medium.
type Hub struct {
    mu     sync.Mutex
    links  map[uint32]*Link
    down   map[uint32]bool
    cut    map[[2]uint32]bool
    loss   float64
    dup    float64
    rng    *rand.Rand
    signal func(from, to uint32) int16
    stats  Stats
}

func NewHub(opts ...Option) *Hub {
    h := &Hub{
        links:  make(map[uint32]*Link),
        down:   make(map[uint32]bool),
        cut:    make(map[[2]uint32]bool),
        rng:    rand.New(rand.NewSource(1)),
        signal: func(uint32, uint32) int16 { return -60 },
    }
    for _, o := range opts { o(h) }
    return h
}

// Attach creates (or returns) the link of device id.
func (h *Hub) Attach(id uint32) *Link {
    h.mu.Lock(); defer h.mu.Unlock()
    if l := h.links[id]; l != nil { return l }
    l := &Link{id: id, hub: h}
    h.links[id] = l
    return l
}

// SetDown silences device id in both directions.
func (h *Hub) SetDown(id uint32, down bool) {
    h.mu.Lock(); defer h.mu.Unlock()
    if down { h.down[id] = true } else { delete(h.down, id) }
}

// Partition cuts (or restores) the path between a and b.
func (h *Hub) Partition(a, b uint32, cut bool) {
    if a > b { a, b = b, a }
    h.mu.Lock(); defer h.mu.Unlock()
    if cut { h.cut[[2]uint32{a, b}] = true } else { delete(h.cut, [2]uint32{a, b}) }
}

// Stats returns a snapshot of the counters.
func (h *Hub) Stats() Stats {
    h.mu.Lock(); defer h.mu.Unlock()
    return h.stats
}

type delivery struct {
    l *Link
    n int
    q transport.SignalQuality
}

func (h *Hub) reachable(from, to uint32) bool {
    if h.down[from] || h.down[to] { return false }
    a, b := from, to
    if a > b { a, b = b, a }
    return !h.cut[[2]uint32{a, b}]
}

func (h *Hub) send(from, target uint32, frame []byte) {
    h.mu.Lock()
    h.stats.Sent++
    var out []delivery
    for id, l := range h.links {
        if id == from || l.closed { continue }
        if target != protocol.Broadcast && id != target { continue }
        if !h.reachable(from, id) {
            h.stats.Lost++
            continue
        }
        if h.loss > 0 && h.rng.Float64() < h.loss {
            h.stats.Lost++
            continue
        }
        n := 1
        if h.dup > 0 && h.rng.Float64() < h.dup {
            n = 2
            h.stats.Duplicated++
        }
        h.stats.Delivered += uint64(n)
        out = append(out, delivery{l: l, n: n, q: transport.SignalQuality{RSSI: h.signal(from, id), SNR: 8}})
    }
    h.mu.Unlock()

    // callbacks run outside the hub lock; receivers may send in response
    for _, d := range out {
        for i := 0; i < d.n; i++ {
            cp := make([]byte, len(frame))
            copy(cp, frame)
            d.l.deliver(cp, d.q)
        }
    }
}

// Link is one device's attachment to the hub.
type Link struct {
    id  uint32
    hub *Hub

    mu     sync.Mutex
    recv   transport.ReceiveFunc
    last   transport.SignalQuality
    closed bool // guarded by hub.mu
}

func (l *Link) Kind() transport.Kind { return transport.KindMem }

// ID returns the device id the link was attached for.
func (l *Link) ID() uint32 { return l.id }

func (l *Link) Enqueue(frame []byte) error {
    target, ok := protocol.PeekTarget(frame)
    if !ok { target = protocol.Broadcast }
    return l.sendTo(target, frame)
}

func (l *Link) Broadcast(frame []byte) error { return l.sendTo(protocol.Broadcast, frame) }

func (l *Link) sendTo(target uint32, frame []byte) error {
    l.hub.mu.Lock()
    closed := l.closed
    l.hub.mu.Unlock()
    if closed { return transport.ErrClosed }
    l.hub.send(l.id, target, frame)
    return nil
}

func (l *Link) SignalQuality() transport.SignalQuality {
    l.mu.Lock(); defer l.mu.Unlock()
    return l.last
}

func (l *Link) OnReceive(fn transport.ReceiveFunc) {
    l.mu.Lock(); l.recv = fn; l.mu.Unlock()
}

func (l *Link) deliver(frame []byte, q transport.SignalQuality) {
    l.mu.Lock()
    fn := l.recv
    l.last = q
    l.mu.Unlock()
    if fn != nil { fn(frame, q) }
}

// Close detaches the link; later sends fail and nothing is delivered to it.
func (l *Link) Close() error {
    l.hub.mu.Lock(); defer l.hub.mu.Unlock()
    l.closed = true
    delete(l.hub.links, l.id)
    return nil
}
