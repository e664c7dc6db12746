package eventlog

import (
    "context"
    "path/filepath"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

func openTemp(t *testing.T) (*Store, string) {
    t.Helper()
    path := filepath.Join(t.TempDir(), "events.db")
    s, err := Open(path)
    if err != nil { t.Fatalf("open: %v", err) }
    t.Cleanup(func() { s.Close() })
    return s, path
}

func seed(t *testing.T, s *Store) {
    t.Helper()
    events := []observability.Event{
        {At: 100, Device: 1, Kind: observability.EventRoleTransition, From: "discovering", To: "coordinator"},
        {At: 200, Device: 1, Kind: observability.EventTaskAssigned, NodeID: 3, TaskID: 1},
        {At: 300, Device: 1, Kind: observability.EventNodeFailed, NodeID: 3, Reason: "heartbeat timeout", AffectedTasks: 1},
        {At: 300, Device: 1, Kind: observability.EventTaskReassigned, NodeID: 2, TaskID: 1},
        {At: 400, Device: 2, Kind: observability.EventTaskCompleted, TaskID: 1},
    }
    for _, e := range events {
        if err := s.Insert(context.Background(), e); err != nil { t.Fatalf("insert: %v", err) }
    }
}

func TestStoreRoundTripsTimeline(t *testing.T) {
    s, _ := openTemp(t)
    seed(t, s)

    all, err := s.Query(context.Background(), QueryOpts{})
    if err != nil { t.Fatalf("query: %v", err) }
    if len(all) != 5 { t.Fatalf("records = %d", len(all)) }
    for i := 1; i < len(all); i++ {
        if all[i].Seq <= all[i-1].Seq { t.Fatalf("not in timeline order: %d after %d", all[i].Seq, all[i-1].Seq) }
    }
    f := all[2].Event
    if f.Kind != observability.EventNodeFailed || f.NodeID != 3 || f.Reason != "heartbeat timeout" || f.AffectedTasks != 1 {
        t.Fatalf("node failure = %+v", f)
    }
    if f.ID == "" { t.Fatalf("id not stamped") }
    if all[0].Event.From != "discovering" || all[0].Event.To != "coordinator" { t.Fatalf("transition = %+v", all[0].Event) }
    if all[0].RecordedAt.IsZero() { t.Fatalf("recorded_at not parsed") }
}

func TestStoreFilters(t *testing.T) {
    s, _ := openTemp(t)
    seed(t, s)
    ctx := context.Background()

    cases := []struct {
        name string
        opts QueryOpts
        want int
    }{
        {"by kind", QueryOpts{Kind: observability.EventNodeFailed}, 1},
        {"by task", QueryOpts{TaskID: 1}, 3},
        {"by node", QueryOpts{NodeID: 3}, 2},
        {"by device", QueryOpts{Device: 2}, 1},
        {"combined", QueryOpts{Device: 1, TaskID: 1}, 2},
        {"limit", QueryOpts{Limit: 2}, 2},
    }
    for _, tc := range cases {
        got, err := s.Query(ctx, tc.opts)
        if err != nil { t.Fatalf("%s: %v", tc.name, err) }
        if len(got) != tc.want { t.Fatalf("%s: records = %d, want %d", tc.name, len(got), tc.want) }
    }

    newest, err := s.Query(ctx, QueryOpts{Newest: true, Limit: 1})
    if err != nil { t.Fatalf("newest: %v", err) }
    if newest[0].Event.Kind != observability.EventTaskCompleted { t.Fatalf("newest = %+v", newest[0].Event) }

    tail, err := s.Query(ctx, QueryOpts{AfterSeq: newest[0].Seq - 1})
    if err != nil { t.Fatalf("after: %v", err) }
    if len(tail) != 1 || tail[0].Seq != newest[0].Seq { t.Fatalf("after seq = %+v", tail) }
}

func TestInsertIsIdempotentByID(t *testing.T) {
    s, _ := openTemp(t)
    e := observability.Stamp(observability.Event{At: 1, Device: 1, Kind: observability.EventEmergency, Reason: "fire"})
    for i := 0; i < 3; i++ { s.Record(e) }
    got, err := s.Query(context.Background(), QueryOpts{})
    if err != nil { t.Fatalf("query: %v", err) }
    if len(got) != 1 || got[0].Event.ID != e.ID { t.Fatalf("records = %+v", got) }
}

func TestReaderSeesWrites(t *testing.T) {
    s, path := openTemp(t)
    seed(t, s)

    r, err := NewReader(path)
    if err != nil { t.Fatalf("reader: %v", err) }
    defer r.Close()
    got, err := r.Query(context.Background(), QueryOpts{Kind: observability.EventTaskReassigned})
    if err != nil { t.Fatalf("query: %v", err) }
    if len(got) != 1 || got[0].Event.NodeID != 2 { t.Fatalf("reassignments = %+v", got) }
}

func TestReaderRequiresFile(t *testing.T) {
    _, err := NewReader(filepath.Join(t.TempDir(), "missing.db"))
    if err == nil || !strings.Contains(err.Error(), "not found") { t.Fatalf("err = %v", err) }
}

func TestClosedStore(t *testing.T) {
    s, _ := openTemp(t)
    if err := s.Close(); err != nil { t.Fatalf("close: %v", err) }
    if err := s.Close(); err != nil { t.Fatalf("second close: %v", err) }
    if err := s.Insert(context.Background(), observability.Event{Kind: observability.EventEmergency}); err == nil {
        t.Fatalf("insert after close succeeded")
    }
}

func TestBuildQuery(t *testing.T) {
    q, args := buildQuery(QueryOpts{Kind: observability.EventTaskFailed, NodeID: 4, Limit: 10, Newest: true})
    if !strings.Contains(q, "kind = ? AND node_id = ?") { t.Fatalf("conditions missing: %s", q) }
    if !strings.HasSuffix(q, "ORDER BY seq DESC LIMIT 10") { t.Fatalf("ordering: %s", q) }
    if len(args) != 2 || args[0] != "task_failed" || args[1] != uint32(4) { t.Fatalf("args = %v", args) }
}

type gate struct {
    release chan struct{}
    mu      sync.Mutex
    got     []observability.Event
}

func (g *gate) Record(e observability.Event) {
    <-g.release
    g.mu.Lock()
    g.got = append(g.got, e)
    g.mu.Unlock()
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
    g := &gate{release: make(chan struct{})}
    a := NewAsyncSink(g, 2)
    for i := 0; i < 10; i++ { a.Record(observability.Event{At: uint32(i)}) }
    // the loop holds at most one event plus two buffered
    if d := a.Dropped(); d < 7 { t.Fatalf("dropped = %d", d) }
    close(g.release)
    a.Close()
    if n := len(g.got); n+int(a.Dropped()) != 10 { t.Fatalf("recorded %d + dropped %d", n, a.Dropped()) }

    a.Record(observability.Event{})
    if n := len(g.got); n+int(a.Dropped()) != 11 { t.Fatalf("record after close not counted") }
}

func TestAsyncSinkIntoStore(t *testing.T) {
    s, _ := openTemp(t)
    a := NewAsyncSink(s, 16)
    for i := 0; i < 5; i++ {
        a.Record(observability.Event{At: uint32(i + 1), Device: 1, Kind: observability.EventTopologyChange})
    }
    a.Close()
    got, err := s.Query(context.Background(), QueryOpts{Kind: observability.EventTopologyChange})
    if err != nil { t.Fatalf("query: %v", err) }
    if len(got) != 5 { t.Fatalf("stored = %d", len(got)) }
}

func TestClickHouseUnreachable(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    _, err := OpenClickHouse(ctx, config.ClickHouseConfig{Addr: "127.0.0.1:1", Database: "meshcam", Username: "default"})
    if err == nil { t.Fatalf("connected to a closed port") }
}
