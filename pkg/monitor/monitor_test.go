package monitor

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/device"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

type fixedSource struct{ snap device.Snapshot }

func (f fixedSource) Snapshot() device.Snapshot { return f.snap }

func newServer(t *testing.T) (*Hub, *httptest.Server) {
    t.Helper()
    src := fixedSource{snap: device.Snapshot{Device: 7, At: 1234, Stable: true, Stats: device.Stats{Mode: "coordinator", ManagedNodes: 2}}}
    h := NewHub(src)
    ctx, cancel := context.WithCancel(context.Background())
    go h.Run(ctx)
    srv := httptest.NewServer(h.Handler())
    t.Cleanup(func() {
        srv.Close()
        cancel()
    })
    return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
    t.Helper()
    url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
    conn, _, err := websocket.DefaultDialer.Dial(url, nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    t.Cleanup(func() { conn.Close() })
    return conn
}

type frame struct {
    Type    string          `json:"type"`
    Payload json.RawMessage `json:"payload"`
}

func read(t *testing.T, conn *websocket.Conn) frame {
    t.Helper()
    conn.SetReadDeadline(time.Now().Add(5 * time.Second))
    var f frame
    if err := conn.ReadJSON(&f); err != nil { t.Fatalf("read: %v", err) }
    return f
}

func TestFeedStartsWithSnapshotThenEvents(t *testing.T) {
    h, srv := newServer(t)
    conn := dial(t, srv)

    first := read(t, conn)
    if first.Type != "snapshot" { t.Fatalf("first frame = %s", first.Type) }
    var snap device.Snapshot
    if err := json.Unmarshal(first.Payload, &snap); err != nil { t.Fatalf("snapshot payload: %v", err) }
    if snap.Device != 7 || snap.Stats.Mode != "coordinator" { t.Fatalf("snapshot = %+v", snap) }

    h.Record(observability.Event{ID: "e1", At: 50, Device: 7, Kind: observability.EventNodeFailed, NodeID: 3, Reason: "heartbeat timeout"})
    ev := read(t, conn)
    if ev.Type != "event" { t.Fatalf("frame = %s", ev.Type) }
    var e observability.Event
    if err := json.Unmarshal(ev.Payload, &e); err != nil { t.Fatalf("event payload: %v", err) }
    if e.Kind != observability.EventNodeFailed || e.NodeID != 3 || e.Reason != "heartbeat timeout" { t.Fatalf("event = %+v", e) }
}

func TestSnapshotOnRequest(t *testing.T) {
    _, srv := newServer(t)
    conn := dial(t, srv)
    read(t, conn)

    if err := conn.WriteJSON(map[string]string{"type": "ignored"}); err != nil { t.Fatalf("write: %v", err) }
    if err := conn.WriteJSON(map[string]string{"type": "snapshot"}); err != nil { t.Fatalf("write: %v", err) }
    if f := read(t, conn); f.Type != "snapshot" { t.Fatalf("frame = %s", f.Type) }
}

func TestStatsEndpoint(t *testing.T) {
    _, srv := newServer(t)
    resp, err := http.Get(srv.URL + "/stats")
    if err != nil { t.Fatalf("get: %v", err) }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK { t.Fatalf("status = %d", resp.StatusCode) }
    if ct := resp.Header.Get("Content-Type"); ct != "application/json" { t.Fatalf("content type = %q", ct) }
    var snap device.Snapshot
    if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil { t.Fatalf("decode: %v", err) }
    if snap.Stats.ManagedNodes != 2 || !snap.Stable { t.Fatalf("snapshot = %+v", snap) }

    post, err := http.Post(srv.URL+"/stats", "application/json", nil)
    if err != nil { t.Fatalf("post: %v", err) }
    post.Body.Close()
    if post.StatusCode != http.StatusMethodNotAllowed { t.Fatalf("post status = %d", post.StatusCode) }
}

func TestRecordNeverBlocks(t *testing.T) {
    h := NewHub(fixedSource{})
    done := make(chan struct{})
    go func() {
        for i := 0; i < broadcastQueue*2; i++ { h.Record(observability.Event{At: uint32(i)}) }
        close(done)
    }()
    select {
    case <-done:
    case <-time.After(5 * time.Second):
        t.Fatalf("Record blocked without a running hub")
    }
}
