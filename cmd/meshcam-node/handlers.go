package main

import (
    "context"
    "strconv"
    "time"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/node"
)

// hostHandlers are the task handlers a host build can run. Camera firmware
// registers its own.
func hostHandlers() map[string]node.Handler {
    log := zap.L().Named("tasks")
    timed := func(name string, def time.Duration) node.Handler {
        return func(ctx context.Context, t node.NodeTask) error {
            d := def
            if ms, err := strconv.Atoi(t.Parameters["duration_ms"]); err == nil && ms >= 0 { d = time.Duration(ms) * time.Millisecond }
            log.Info(name, zap.Uint32("task", t.ID), zap.Uint8("attempt", t.Attempt), zap.Any("params", t.Parameters))
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(d):
                return nil
            }
        }
    }
    return map[string]node.Handler{
        "image_capture":     timed("image_capture", 500*time.Millisecond),
        "ai_analysis":       timed("ai_analysis", 2*time.Second),
        "data_upload":       timed("data_upload", time.Second),
        node.AutonomousTask: timed(node.AutonomousTask, 0),
    }
}
