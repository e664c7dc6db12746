// Package eventlog persists the coordination timeline. The SQLite store keeps
// a local history on each device; gateways may also forward events to
// ClickHouse. Both are observability.Recorders and are normally wrapped in an
// AsyncSink so the device tick never waits on I/O.
package eventlog

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "os"
    "strings"
    "time"

    "go.uber.org/zap"
    _ "modernc.org/sqlite" // SQLite driver

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

// SchemaDDL creates the events table.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT    NOT NULL UNIQUE,
    at             INTEGER NOT NULL,
    device         INTEGER NOT NULL,
    kind           TEXT    NOT NULL,
    node_id        INTEGER NOT NULL DEFAULT 0,
    task_id        INTEGER NOT NULL DEFAULT 0,
    from_state     TEXT    NOT NULL DEFAULT '',
    to_state       TEXT    NOT NULL DEFAULT '',
    reason         TEXT    NOT NULL DEFAULT '',
    affected_tasks INTEGER NOT NULL DEFAULT 0,
    recorded_at    TEXT    NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_events_node ON events(node_id);
`

const timeLayout = "2006-01-02 15:04:05"

// Record is a stored event with its insertion sequence and wall time.
type Record struct {
    Seq        int64
    Event      observability.Event
    RecordedAt time.Time
}

// QueryOpts filters the timeline. Zero fields do not filter.
type QueryOpts struct {
    Device uint32
    Kind   observability.EventKind
    NodeID uint32
    TaskID uint32
    // AfterSeq returns only records inserted after this sequence
    AfterSeq int64
    // Limit restricts the number of results (0 = no limit)
    Limit int
    // Newest orders newest first instead of timeline order
    Newest bool
}

// Store is a read-write SQLite event log.
type Store struct {
    db  *sql.DB
    log *zap.Logger
}

// Open creates or opens the database at path with WAL journaling and a busy
// timeout, and applies the schema.
func Open(path string) (*Store, error) {
    db, err := sql.Open("sqlite", path)
    if err != nil { return nil, fmt.Errorf("open sqlite %s: %w", path, err) }
    ctx := context.Background()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
    }
    for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
        if _, err := db.ExecContext(ctx, pragma); err != nil {
            _ = db.Close()
            return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
        }
    }
    if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("init schema on %s: %w", path, err)
    }
    return &Store{db: db, log: zap.L().Named("eventlog")}, nil
}

// Close releases the database. Safe to call more than once.
func (s *Store) Close() error {
    if s.db == nil { return nil }
    err := s.db.Close()
    s.db = nil
    return err
}

// Insert stores e. Events are keyed by id; storing the same event twice is a
// no-op.
func (s *Store) Insert(ctx context.Context, e observability.Event) error {
    if s.db == nil { return errors.New("eventlog: store closed") }
    e = observability.Stamp(e)
    _, err := s.db.ExecContext(ctx,
        `INSERT OR IGNORE INTO events (id, at, device, kind, node_id, task_id, from_state, to_state, reason, affected_tasks)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
        e.ID, e.At, e.Device, string(e.Kind), e.NodeID, e.TaskID, e.From, e.To, e.Reason, e.AffectedTasks,
    )
    if err != nil { return fmt.Errorf("insert event %s: %w", e.ID, err) }
    return nil
}

// Record implements observability.Recorder. Failures are logged.
func (s *Store) Record(e observability.Event) {
    if err := s.Insert(context.Background(), e); err != nil {
        s.log.Warn("event not stored", zap.String("kind", string(e.Kind)), zap.Error(err))
    }
}

// Query returns the records matching opts.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]Record, error) {
    if s.db == nil { return nil, errors.New("eventlog: store closed") }
    return query(ctx, s.db, opts)
}

// Reader is a read-only view of a store written by a running device.
type Reader struct {
    db *sql.DB
}

// NewReader opens the database at path read-only. The file must exist.
func NewReader(path string) (*Reader, error) {
    if _, err := os.Stat(path); err != nil { return nil, fmt.Errorf("database not found: %w", err) }
    db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
    if err != nil { return nil, fmt.Errorf("open database: %w", err) }
    if err := db.Ping(); err != nil {
        db.Close()
        return nil, fmt.Errorf("ping database: %w", err)
    }
    return &Reader{db: db}, nil
}

// Close releases the connection. Safe to call more than once.
func (r *Reader) Close() error {
    if r.db == nil { return nil }
    err := r.db.Close()
    r.db = nil
    return err
}

// Query returns the records matching opts.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Record, error) {
    if r.db == nil { return nil, errors.New("eventlog: reader closed") }
    return query(ctx, r.db, opts)
}

func query(ctx context.Context, db *sql.DB, opts QueryOpts) ([]Record, error) {
    q, args := buildQuery(opts)
    rows, err := db.QueryContext(ctx, q, args...)
    if err != nil { return nil, fmt.Errorf("query events: %w", err) }
    defer rows.Close()

    var out []Record
    for rows.Next() {
        var r Record
        var kind, recorded string
        err := rows.Scan(&r.Seq, &r.Event.ID, &r.Event.At, &r.Event.Device, &kind, &r.Event.NodeID, &r.Event.TaskID,
            &r.Event.From, &r.Event.To, &r.Event.Reason, &r.Event.AffectedTasks, &recorded)
        if err != nil { return nil, fmt.Errorf("scan event: %w", err) }
        r.Event.Kind = observability.EventKind(kind)
        if recorded != "" {
            t, err := time.Parse(timeLayout, recorded)
            if err != nil {
                t, err = time.Parse(time.RFC3339, recorded)
                if err != nil { return nil, fmt.Errorf("parse recorded_at: %w", err) }
            }
            r.RecordedAt = t
        }
        out = append(out, r)
    }
    if err := rows.Err(); err != nil { return nil, fmt.Errorf("iterate events: %w", err) }
    return out, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
    var conds []string
    var args []any
    q := "SELECT seq, id, at, device, kind, node_id, task_id, from_state, to_state, reason, affected_tasks, recorded_at FROM events WHERE 1=1"
    if opts.Device != 0 {
        conds = append(conds, "device = ?")
        args = append(args, opts.Device)
    }
    if opts.Kind != "" {
        conds = append(conds, "kind = ?")
        args = append(args, string(opts.Kind))
    }
    if opts.NodeID != 0 {
        conds = append(conds, "node_id = ?")
        args = append(args, opts.NodeID)
    }
    if opts.TaskID != 0 {
        conds = append(conds, "task_id = ?")
        args = append(args, opts.TaskID)
    }
    if opts.AfterSeq > 0 {
        conds = append(conds, "seq > ?")
        args = append(args, opts.AfterSeq)
    }
    if len(conds) > 0 { q += " AND " + strings.Join(conds, " AND ") }
    if opts.Newest {
        q += " ORDER BY seq DESC"
    } else {
        q += " ORDER BY seq ASC"
    }
    if opts.Limit > 0 { q += fmt.Sprintf(" LIMIT %d", opts.Limit) }
    return q, args
}
