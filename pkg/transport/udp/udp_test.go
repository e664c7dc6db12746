package udp

import (
    "context"
    "net"
    "testing"
    "time"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
)

func TestLoopbackExchange(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    b, err := Open(ctx, 2, "127.0.0.1:0", "127.0.0.1:9")
    if err != nil { t.Fatalf("open b: %v", err) }
    defer b.Close()
    // a's "broadcast" address is b so the test stays on loopback
    a, err := Open(ctx, 1, "127.0.0.1:0", b.LocalAddr().String())
    if err != nil { t.Fatalf("open a: %v", err) }
    defer a.Close()

    got := make(chan []byte, 4)
    b.OnReceive(func(f []byte, _ transport.SignalQuality) { got <- f })
    backA := make(chan []byte, 4)
    a.OnReceive(func(f []byte, _ transport.SignalQuality) { backA <- f })

    wc, _ := protocol.NewWireCodec(protocol.FormatCBOR)
    f, err := wc.Encode(protocol.NewMessage(1, protocol.Broadcast, protocol.RoleNode, 5, protocol.Heartbeat{Battery: 90}))
    if err != nil { t.Fatal(err) }
    if err := a.Broadcast(f); err != nil { t.Fatalf("broadcast: %v", err) }

    select {
    case in := <-got:
        m, err := wc.Decode(in)
        if err != nil || m.Source != 1 { t.Fatalf("decode: %v %+v", err, m) }
    case <-time.After(2 * time.Second):
        t.Fatalf("no frame received")
    }

    // b learned a's address and can answer it directly
    reply, _ := wc.Encode(protocol.NewMessage(2, 1, protocol.RoleNode, 6, protocol.Heartbeat{Battery: 80}))
    if err := b.Enqueue(reply); err != nil { t.Fatalf("enqueue: %v", err) }
    select {
    case <-backA:
    case <-time.After(2 * time.Second):
        t.Fatalf("addressed reply lost")
    }
}

func TestIgnoresOwnEchoAndGarbage(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    a, err := Open(ctx, 1, "127.0.0.1:0", "127.0.0.1:9")
    if err != nil { t.Fatal(err) }
    defer a.Close()
    got := make(chan []byte, 4)
    a.OnReceive(func(f []byte, _ transport.SignalQuality) { got <- f })

    conn, err := net.DialUDP("udp", nil, a.LocalAddr().(*net.UDPAddr))
    if err != nil { t.Fatal(err) }
    defer conn.Close()
    wc, _ := protocol.NewWireCodec(protocol.FormatCBOR)
    own, _ := wc.Encode(protocol.NewMessage(1, 0, protocol.RoleNode, 1, protocol.Heartbeat{}))
    _, _ = conn.Write(own)
    _, _ = conn.Write([]byte("noise"))

    select {
    case f := <-got:
        t.Fatalf("unexpected frame %x", f)
    case <-time.After(200 * time.Millisecond):
    }
}

func TestClosedLinkRefusesSends(t *testing.T) {
    a, err := Open(context.Background(), 1, "127.0.0.1:0", "127.0.0.1:9")
    if err != nil { t.Fatal(err) }
    _ = a.Close()
    if err := a.Broadcast([]byte{1}); err != transport.ErrClosed { t.Fatalf("err = %v", err) }
}
