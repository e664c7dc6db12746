package config

import (
    "context"
    "path/filepath"
    "time"

    "github.com/fsnotify/fsnotify"
    "go.uber.org/zap"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes the
// freshly validated config to onChange. Invalid reloads are logged and
// skipped. Watch blocks until ctx is done. The directory is watched rather
// than the file so editors that replace the file atomically still trigger.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
    abs, err := filepath.Abs(path)
    if err != nil { return err }
    watcher, err := fsnotify.NewWatcher()
    if err != nil { return err }
    defer watcher.Close()
    if err := watcher.Add(filepath.Dir(abs)); err != nil { return err }

    var debounce *time.Timer
    fire := make(chan struct{}, 1)
    for {
        select {
        case <-ctx.Done():
            if debounce != nil { debounce.Stop() }
            return nil
        case ev, ok := <-watcher.Events:
            if !ok { return nil }
            if filepath.Clean(ev.Name) != abs { continue }
            if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) { continue }
            if debounce != nil { debounce.Stop() }
            debounce = time.AfterFunc(watchDebounce, func() {
                select { case fire <- struct{}{}: default: }
            })
        case err, ok := <-watcher.Errors:
            if !ok { return nil }
            zap.L().Warn("config watch error", zap.Error(err))
        case <-fire:
            cfg, err := Load(abs)
            if err != nil {
                zap.L().Warn("config reload rejected", zap.String("path", abs), zap.Error(err))
                continue
            }
            onChange(cfg)
        }
    }
}
