package main

import (
    "context"
    "fmt"
    "io"
    "sort"
    "strconv"
    "time"

    "github.com/charmbracelet/lipgloss"
    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/core/clock"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/device"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/eventlog"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/node"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/probe"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport/mem"
)

// simConfig holds the flags of the sim command.
type simConfig struct {
    nodes      int
    duration   time.Duration
    step       time.Duration
    fail       uint32
    failAt     time.Duration
    detectEach time.Duration
    loss       float64
    seed       int64
    eventlog   string
    logLevel   string
}

func newSimCmd() *cobra.Command {
    var cfg simConfig
    cmd := &cobra.Command{
        Use:   "sim",
        Short: "Simulate a fleet on an in-memory radio and print the outcome",
        Long: "sim runs several devices against a shared in-memory medium on a\n" +
            "virtual clock. Device 1 is AI capable; the rest alternate between\n" +
            "camera and radio-only hardware.",
        Args: cobra.NoArgs,
        RunE: func(cmd *cobra.Command, _ []string) error {
            return simulate(cmd.Context(), cmd.OutOrStdout(), cfg)
        },
    }
    f := cmd.Flags()
    f.IntVar(&cfg.nodes, "nodes", 5, "number of devices")
    f.DurationVar(&cfg.duration, "duration", 2*time.Minute, "simulated time")
    f.DurationVar(&cfg.step, "step", 500*time.Millisecond, "simulated tick")
    f.Uint32Var(&cfg.fail, "fail", 0, "device to silence (0 = none)")
    f.DurationVar(&cfg.failAt, "fail-at", 40*time.Second, "when to silence --fail")
    f.DurationVar(&cfg.detectEach, "detect-every", 15*time.Second, "report a detection from a random node this often (0 = never)")
    f.Float64Var(&cfg.loss, "loss", 0, "frame loss probability")
    f.Int64Var(&cfg.seed, "seed", 1, "random seed for the medium")
    f.StringVar(&cfg.eventlog, "eventlog", "", "also store every event in this SQLite file")
    f.StringVar(&cfg.logLevel, "log-level", "warn", "log level")
    return cmd
}

type simDevice struct {
    dev *device.Device
    rec *observability.Memory
}

func simulate(ctx context.Context, w io.Writer, cfg simConfig) error {
    if cfg.nodes < 1 { return fmt.Errorf("need at least one node") }
    if cfg.step <= 0 { return fmt.Errorf("step must be positive") }
    logger, err := observability.SetupLogger(config.LogConfig{Level: cfg.logLevel, Format: "console", Outputs: []string{"stderr"}})
    if err != nil { return err }
    defer func() { _ = logger.Sync() }()

    var extra observability.Recorder = observability.Nop{}
    if cfg.eventlog != "" {
        store, err := eventlog.Open(cfg.eventlog)
        if err != nil { return err }
        defer store.Close()
        extra = store
    }

    clk := clock.NewManual(1)
    hub := mem.NewHub(mem.WithLoss(cfg.loss), mem.WithSeed(cfg.seed))
    fleet := make(map[uint32]*simDevice, cfg.nodes)
    ids := make([]uint32, 0, cfg.nodes)
    for i := 1; i <= cfg.nodes; i++ {
        id := uint32(i)
        c := config.Default()
        c.NodeID = id
        c.Link.Kind = "mem"
        rec := &observability.Memory{}
        d, err := device.New(device.Options{
            Config:   c,
            Link:     hub.Attach(id),
            Clock:    clk,
            Probe:    probe.NewStatic(simCapabilities(id)),
            Recorder: observability.Multi{rec, extra, observability.NewZapRecorder(nil)},
            Handlers: simHandlers(),
            Runner:   func(f func()) { f() },
        })
        if err != nil { return fmt.Errorf("device %d: %w", id, err) }
        defer d.Close()
        fleet[id] = &simDevice{dev: d, rec: rec}
        ids = append(ids, id)
    }
    for _, id := range ids { fleet[id].dev.Start() }

    step := uint32(cfg.step / time.Millisecond)
    total := uint32(cfg.duration / time.Millisecond)
    failAt := uint32(cfg.failAt / time.Millisecond)
    detectEach := uint32(cfg.detectEach / time.Millisecond)
    next := detectEach
    silenced := false
    for elapsed := uint32(0); elapsed < total; elapsed += step {
        if ctx.Err() != nil { break }
        if cfg.fail != 0 && !silenced && elapsed >= failAt {
            silenced = true
            zap.L().Warn("silencing device", zap.Uint32("device", cfg.fail))
            hub.SetDown(cfg.fail, true)
        }
        if detectEach > 0 && elapsed >= next && len(ids) > 1 {
            next += detectEach
            src := fleet[ids[1+int(elapsed/detectEach)%(len(ids)-1)]].dev
            src.Do(func(uint32) { src.ReportDetection("deer", 0.9, 1) })
        }
        clk.Advance(step)
        for _, id := range ids { fleet[id].dev.Tick() }
    }

    renderSim(w, fleet, ids, hub.Stats())
    return nil
}

func simCapabilities(id uint32) protocol.Capabilities {
    c := protocol.Capabilities{HasRadio: true, BatteryLevel: uint8(95 - (id*7)%40)}
    switch {
    case id == 1:
        c.HasCamera, c.HasAI, c.HasPSRAM, c.MaxResolution = true, true, true, protocol.HighResolutionPixels
    case id%2 == 0:
        c.HasCamera = true
    }
    return c
}

func simHandlers() map[string]node.Handler {
    done := func(context.Context, node.NodeTask) error { return nil }
    return map[string]node.Handler{
        "image_capture":     done,
        "ai_analysis":       done,
        "data_upload":       done,
        node.AutonomousTask: done,
    }
}

func renderSim(w io.Writer, fleet map[uint32]*simDevice, ids []uint32, ms mem.Stats) {
    devices := &table{
        headers: []string{"ID", "MODE", "COORD", "PEERS", "ACTIVE", "DONE", "FAILED", "EFF", "STABLE"},
        style: func(col int, v string) lipgloss.Style {
            if col == 1 { return modeStyle(v) }
            return cellStyle
        },
    }
    kinds := map[observability.EventKind]int{}
    for _, id := range ids {
        d := fleet[id]
        s := d.dev.Stats()
        devices.add(
            strconv.FormatUint(uint64(id), 10),
            s.Mode,
            strconv.FormatUint(uint64(s.Coordinator), 10),
            strconv.Itoa(s.ManagedNodes),
            strconv.Itoa(s.ActiveTasks),
            strconv.FormatUint(s.CompletedTasks, 10),
            strconv.FormatUint(s.FailedTasks, 10),
            strconv.FormatFloat(float64(s.NetworkEfficiency), 'f', 2, 32),
            strconv.FormatBool(d.dev.Snapshot().Stable),
        )
        for _, e := range d.rec.Events() { kinds[e.Kind]++ }
    }

    events := &table{headers: []string{"EVENT", "COUNT"}}
    names := make([]string, 0, len(kinds))
    for k := range kinds { names = append(names, string(k)) }
    sort.Strings(names)
    for _, k := range names { events.add(k, strconv.Itoa(kinds[observability.EventKind(k)])) }

    fmt.Fprintln(w, titleStyle.Render("Devices"))
    fmt.Fprintln(w, devices.String())
    fmt.Fprintln(w)
    fmt.Fprintln(w, titleStyle.Render("Events"))
    fmt.Fprintln(w, events.String())
    fmt.Fprintln(w)
    fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("medium: sent %d, delivered %d, lost %d", ms.Sent, ms.Delivered, ms.Lost)))
}
