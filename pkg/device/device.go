// Package device is the per-device context object. It owns the clock, the
// radio link, the wire codec, the inbound FIFO, the shaped outbox, discovery
// and the role supervisor, and drives them all from Tick.
package device

import (
    "context"
    "errors"
    "fmt"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/coordinator"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/fifo"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/priocq"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/discovery"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/node"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/probe"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/supervisor"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
)

// ErrInitialization is returned when the transport or codec is not usable.
var ErrInitialization = errors.New("device initialization failed")

// Options wires a device. Config and Link are required.
type Options struct {
    Config   *config.Config
    Link     transport.Link
    Clock    clock.Clock
    Probe    probe.Probe
    Recorder observability.Recorder
    Handlers map[string]node.Handler
    // Runner launches handler goroutines; nil uses the go statement.
    Runner func(func())
}

type inbound struct {
    frame []byte
    q     transport.SignalQuality
}

// Device is one camera on the mesh. Tick, Start and every method that
// mutates state must be called from a single goroutine; Snapshot, Do and the
// link callback are safe from any goroutine.
type Device struct {
    id    uint32
    cfg   config.Config
    clk   clock.Clock
    link  transport.Link
    wire  *protocol.WireCodec
    probe probe.Probe
    ev    observability.Emitter
    log   *zap.Logger

    inbox   *fifo.Queue[inbound]
    control *fifo.Queue[func(now uint32)]
    outbox  *priocq.Outbox

    disc *discovery.Discovery
    sup  *supervisor.Supervisor

    now       uint32
    started   uint32
    running   bool
    malformed uint64
    sendErrs  uint64
    snap      atomic.Pointer[Snapshot]
}

// New builds a device from opts. The device is idle until Start.
func New(opts Options) (*Device, error) {
    if opts.Config == nil { return nil, fmt.Errorf("%w: nil config", ErrInitialization) }
    if opts.Link == nil { return nil, fmt.Errorf("%w: no link", ErrInitialization) }
    cfg := *opts.Config
    if cfg.NodeID == 0 { return nil, fmt.Errorf("%w: node id must be non-zero", ErrInitialization) }
    if err := cfg.Coordination.Validate(); err != nil { return nil, fmt.Errorf("%w: %w", ErrInitialization, err) }
    format, err := cfg.Link.BodyFormat()
    if err != nil { return nil, fmt.Errorf("%w: %w", ErrInitialization, err) }
    wire, err := protocol.NewWireCodec(format)
    if err != nil { return nil, fmt.Errorf("%w: codec: %w", ErrInitialization, err) }

    d := &Device{
        id:      cfg.NodeID,
        cfg:     cfg,
        clk:     opts.Clock,
        link:    opts.Link,
        wire:    wire,
        probe:   opts.Probe,
        log:     zap.L().Named("device").With(zap.Uint32("device", cfg.NodeID)),
        inbox:   fifo.New[inbound](cfg.Radio.InboxSize),
        control: fifo.New[func(uint32)](0),
    }
    if d.clk == nil { d.clk = clock.NewSystem() }
    if d.probe == nil { d.probe = probe.NewStatic(cfg.Device.Capabilities()) }
    rec := opts.Recorder
    if rec == nil { rec = observability.NewZapRecorder(nil) }
    d.ev = observability.Emitter{Device: d.id, Now: func() uint32 { return d.now }, Sink: rec}

    var bucket *priocq.TokenBucket
    if cfg.Radio.BytesPerSec > 0 {
        bucket = priocq.NewTokenBucket(cfg.Radio.BytesPerSec, cfg.Radio.BurstBytes, d.clk.NowMillis())
    }
    d.outbox = priocq.New(cfg.Radio.OutboxSize, bucket)

    co := cfg.Coordination
    d.disc = discovery.New(d.id, d.probe, d, co, d.ev)
    nopts := []node.Option{node.WithHandlers(opts.Handlers)}
    if opts.Runner != nil { nopts = append(nopts, node.WithRunner(opts.Runner)) }
    n := node.New(d.id, d.disc, d.probe, d, co, d.ev, nopts...)
    c := coordinator.New(d.id, d.disc, d.probe, d, co, d.ev)
    d.sup = supervisor.New(d.id, d.disc, c, n, d, co, d.ev)

    d.link.OnReceive(func(frame []byte, q transport.SignalQuality) {
        d.inbox.Push(inbound{frame: frame, q: q})
    })
    d.publish()
    return d, nil
}

func (d *Device) ID() uint32 { return d.id }

func (d *Device) Mode() supervisor.Mode { return d.sup.Mode() }

func (d *Device) Discovery() *discovery.Discovery { return d.disc }

func (d *Device) Supervisor() *supervisor.Supervisor { return d.sup }

// Config returns the live coordination settings.
func (d *Device) Config() config.Coordination { return d.sup.Config() }

// Start begins discovery and sends the first advertisement.
func (d *Device) Start() {
    d.now = d.clk.NowMillis()
    d.started = d.now
    d.running = true
    d.sup.Start(d.now)
    d.flush()
    d.publish()
}

// Close stops the role and detaches from the radio.
func (d *Device) Close() error {
    d.sup.Stop()
    d.running = false
    d.publish()
    return d.link.Close()
}

// Do schedules fn to run at the start of the next tick. It is the only way
// for other goroutines to act on the device.
func (d *Device) Do(fn func(now uint32)) { d.control.Push(fn) }

// Tick is one control-loop iteration: scheduled actions, drained radio
// frames, discovery and the owned role, then the outbox.
func (d *Device) Tick() {
    if !d.running { return }
    d.now = d.clk.NowMillis()
    for _, fn := range d.control.Drain() { fn(d.now) }
    for _, in := range d.inbox.Drain() { d.receive(in) }
    d.sup.Tick(d.now)
    d.flush()
    d.publish()
}

func (d *Device) receive(in inbound) {
    m, err := d.wire.Decode(in.frame)
    if err != nil {
        d.malformed++
        d.log.Debug("dropping malformed frame", zap.Int("bytes", len(in.frame)), zap.Error(err))
        d.ev.Emit(observability.Event{Kind: observability.EventMessageMalformed, Reason: err.Error()})
        return
    }
    if m.Source == d.id || !m.For(d.id) { return }
    d.disc.Handle(d.now, m, in.q.RSSI)
    d.sup.Handle(d.now, m)
}

// Send implements protocol.Sender: it stamps the envelope and queues the
// frame for the next flush.
func (d *Device) Send(target uint32, p protocol.Payload) {
    m := protocol.NewMessage(d.id, target, d.sup.SourceRole(), d.now, p)
    d.queue(m)
}

// Relay implements protocol.Relayer: m is re-sent one hop further with its
// original source and timestamp.
func (d *Device) Relay(m protocol.Message) {
    if m.HopCount == 0xFF { return }
    m.HopCount++
    m.Target = protocol.Broadcast
    d.queue(m)
}

func (d *Device) queue(m protocol.Message) {
    frame, err := d.wire.Encode(m)
    if err != nil {
        d.log.Error("encode failed", zap.Stringer("type", m.Type), zap.Error(err))
        return
    }
    if !d.outbox.Push(priocq.Item{Frame: frame, Target: m.Target, Type: m.Type, Class: priocq.ClassFor(m.Type)}) {
        d.log.Debug("outbox full, frame dropped", zap.Stringer("type", m.Type))
    }
}

func (d *Device) flush() {
    _, errs := d.outbox.Flush(d.now, func(it priocq.Item) error {
        if it.Target == protocol.Broadcast { return d.link.Broadcast(it.Frame) }
        return d.link.Enqueue(it.Frame)
    })
    for _, err := range errs {
        d.sendErrs++
        d.log.Debug("radio send failed", zap.Error(err))
    }
}

// Run ticks the device every interval until ctx is done.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
    if !d.running { d.Start() }
    t := time.NewTicker(interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-t.C:
            d.Tick()
        }
    }
}
