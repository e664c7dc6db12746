package transports

import (
    "context"
    "errors"
    "testing"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport/mem"
)

func TestOpenMem(t *testing.T) {
    cfg := config.DefaultLink()
    cfg.Kind = "mem"
    if _, err := Open(context.Background(), cfg, 1, nil); !errors.Is(err, ErrNoHub) {
        t.Fatalf("want ErrNoHub, got %v", err)
    }
    hub := mem.NewHub()
    l, err := Open(context.Background(), cfg, 1, hub)
    if err != nil { t.Fatal(err) }
    if l.Kind() != transport.KindMem { t.Fatalf("kind = %s", l.Kind()) }
}

func TestOpenUDP(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    cfg := config.DefaultLink()
    cfg.UDP.Listen = "127.0.0.1:0"
    l, err := Open(ctx, cfg, 1, nil)
    if err != nil { t.Fatal(err) }
    defer l.Close()
    if l.Kind() != transport.KindUDP { t.Fatalf("kind = %s", l.Kind()) }
}

func TestOpenUnknown(t *testing.T) {
    cfg := config.DefaultLink()
    cfg.Kind = "lora"
    if _, err := Open(context.Background(), cfg, 1, nil); err == nil { t.Fatalf("unknown kind accepted") }
}
