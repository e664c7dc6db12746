package observability

import (
    "os"
    "path/filepath"
    "testing"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
)

func TestSetupLoggerFileOutput(t *testing.T) {
    prev := zap.L()
    defer zap.ReplaceGlobals(prev)

    path := filepath.Join(t.TempDir(), "logs", "node.log")
    lg, err := SetupLogger(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{path}})
    if err != nil { t.Fatalf("setup: %v", err) }
    zap.L().Info("hello", zap.Int("n", 1))
    _ = lg.Sync()

    b, err := os.ReadFile(path)
    if err != nil { t.Fatalf("read log: %v", err) }
    if len(b) == 0 { t.Fatalf("log file empty") }
}
