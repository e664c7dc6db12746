package config

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func TestWatchReloads(t *testing.T) {
    path := filepath.Join(t.TempDir(), "meshcam.yaml")
    if err := os.WriteFile(path, []byte("node_id: 3\n"), 0o644); err != nil { t.Fatal(err) }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    got := make(chan *Config, 4)
    done := make(chan error, 1)
    go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

    // give the watcher time to register
    time.Sleep(100 * time.Millisecond)
    if err := os.WriteFile(path, []byte("node_id: 3\ncoordination:\n  max_retries: 7\n"), 0o644); err != nil { t.Fatal(err) }

    select {
    case c := <-got:
        if c.Coordination.MaxRetries != 7 { t.Fatalf("max retries = %d", c.Coordination.MaxRetries) }
    case <-time.After(5 * time.Second):
        t.Fatalf("no reload observed")
    }
    cancel()
    if err := <-done; err != nil { t.Fatalf("watch: %v", err) }
}
