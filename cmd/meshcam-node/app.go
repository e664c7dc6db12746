package main

import (
    "context"
    "errors"
    "fmt"
    "io"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/device"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/eventlog"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/monitor"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transports"
)

// run is the entry point of the run command.
func run(ctx context.Context, opts Options) error {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil { return fmt.Errorf("load config: %w", err) }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil { return fmt.Errorf("setup logger: %w", err) }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("meshcam-node started", zap.String("app", cfg.AppName), zap.Uint32("node_id", cfg.NodeID))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    ctx, cancel := context.WithCancel(ctx)
    defer cancel()

    sinks, closeSinks, err := openSinks(ctx, cfg)
    if err != nil { return err }
    defer closeSinks()

    var d *device.Device
    var hub *monitor.Hub
    if cfg.Monitor.Listen != "" {
        hub = monitor.NewHub(monitor.SourceFunc(func() device.Snapshot { return d.Snapshot() }))
        sinks = append(sinks, hub)
    }

    link, err := transports.Open(ctx, cfg.Link, cfg.NodeID, nil)
    if err != nil { return fmt.Errorf("open link: %w", err) }

    d, err = device.New(device.Options{
        Config:   cfg,
        Link:     link,
        Recorder: sinks,
        Handlers: hostHandlers(),
    })
    if err != nil {
        _ = link.Close()
        return err
    }
    defer d.Close()

    var wg sync.WaitGroup
    if hub != nil {
        wg.Add(3)
        go func() { defer wg.Done(); hub.Run(ctx) }()
        go func() { defer wg.Done(); hub.PublishSnapshots(ctx, time.Second) }()
        go func() {
            defer wg.Done()
            if err := monitor.Serve(ctx, cfg.Monitor.Listen, hub); err != nil {
                zap.L().Error("monitor stopped", zap.Error(err))
            }
        }()
    }
    if opts.Watch && opts.ConfigPath != "" {
        wg.Add(1)
        go func() {
            defer wg.Done()
            err := config.Watch(ctx, opts.ConfigPath, func(next *config.Config) {
                d.Do(func(uint32) { reapply(d, next) })
            })
            if err != nil { zap.L().Warn("config watch stopped", zap.Error(err)) }
        }()
    }

    zap.L().Info("device is running; press Ctrl+C to exit", zap.Duration("tick", opts.Tick))
    err = d.Run(ctx, opts.Tick)
    cancel()
    wg.Wait()
    if errors.Is(err, context.Canceled) { return nil }
    return err
}

// reapply pushes the runtime coordination fields that changed in the file.
// Other sections need a restart.
func reapply(d *device.Device, next *config.Config) {
    u := d.Config().Diff(next.Coordination)
    if u.HeartbeatIntervalMs == nil && u.CoordinatorTimeoutMs == nil && u.TaskTimeoutMs == nil && u.MaxRetries == nil { return }
    ack := d.PushConfig(u)
    if !ack.Accepted {
        zap.L().Warn("config file change rejected", zap.Any("errors", ack.Errors))
        return
    }
    zap.L().Info("config file change applied", zap.Strings("fields", ack.Applied))
}

// openSinks builds the event recorders selected by cfg. The returned closer
// drains the async sinks before closing their stores.
func openSinks(ctx context.Context, cfg *config.Config) (observability.Multi, func(), error) {
    sinks := observability.Multi{observability.NewZapRecorder(nil)}
    var closers []func()
    closeAll := func() {
        for i := len(closers) - 1; i >= 0; i-- { closers[i]() }
    }

    if p := cfg.EventLog.SQLitePath; p != "" {
        store, err := eventlog.Open(p)
        if err != nil { return nil, nil, fmt.Errorf("open event log: %w", err) }
        async := eventlog.NewAsyncSink(store, cfg.EventLog.Buffer)
        closers = append(closers, func() {
            async.Close()
            logDropped("sqlite", async.Dropped())
            _ = store.Close()
        })
        sinks = append(sinks, async)
    }
    if ch := cfg.EventLog.ClickHouse; ch.Enable {
        dial, cancel := context.WithTimeout(ctx, 10*time.Second)
        sink, err := eventlog.OpenClickHouse(dial, ch)
        cancel()
        if err != nil {
            closeAll()
            return nil, nil, fmt.Errorf("open clickhouse sink: %w", err)
        }
        async := eventlog.NewAsyncSink(sink, cfg.EventLog.Buffer)
        closers = append(closers, func() {
            async.Close()
            logDropped("clickhouse", async.Dropped())
            _ = sink.Close()
        })
        sinks = append(sinks, async)
    }
    return sinks, closeAll, nil
}

func logDropped(sink string, n uint64) {
    if n > 0 { zap.L().Warn("events dropped", zap.String("sink", sink), zap.Uint64("count", n)) }
}

func printConfig(w io.Writer, path string) error {
    cfg, err := config.Load(path)
    if err != nil { return fmt.Errorf("load config: %w", err) }
    return cfg.WriteYAML(w)
}
