package eventlog

import (
    "context"
    "fmt"
    "time"

    "github.com/ClickHouse/clickhouse-go/v2"
    "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

// ClickHouseDDL creates the fleet-wide events table.
const ClickHouseDDL = `
CREATE TABLE IF NOT EXISTS mesh_events (
    recorded_at    DateTime64(3),
    id             String,
    at             UInt32,
    device         UInt32,
    kind           LowCardinality(String),
    node_id        UInt32,
    task_id        UInt32,
    from_state     String,
    to_state       String,
    reason         String,
    affected_tasks Int32
) ENGINE = MergeTree()
ORDER BY (device, recorded_at)
`

const clickHouseInsert = `
INSERT INTO mesh_events (recorded_at, id, at, device, kind, node_id, task_id, from_state, to_state, reason, affected_tasks)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ClickHouse forwards events to a fleet ClickHouse server.
type ClickHouse struct {
    conn driver.Conn
    log  *zap.Logger
}

// OpenClickHouse connects, pings and applies the schema.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouse, error) {
    conn, err := clickhouse.Open(&clickhouse.Options{
        Addr: []string{cfg.Addr},
        Auth: clickhouse.Auth{
            Database: cfg.Database,
            Username: cfg.Username,
            Password: cfg.Password,
        },
        Settings:    clickhouse.Settings{"max_execution_time": 60},
        DialTimeout: 5 * time.Second,
        Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
    })
    if err != nil { return nil, fmt.Errorf("connect clickhouse: %w", err) }
    if err := conn.Ping(ctx); err != nil {
        conn.Close()
        return nil, fmt.Errorf("ping clickhouse %s: %w", cfg.Addr, err)
    }
    if err := conn.Exec(ctx, ClickHouseDDL); err != nil {
        conn.Close()
        return nil, fmt.Errorf("init clickhouse schema: %w", err)
    }
    l := zap.L().Named("eventlog.clickhouse")
    l.Info("connected", zap.String("addr", cfg.Addr), zap.String("database", cfg.Database))
    return &ClickHouse{conn: conn, log: l}, nil
}

// Insert writes one event.
func (c *ClickHouse) Insert(ctx context.Context, e observability.Event) error {
    e = observability.Stamp(e)
    err := c.conn.Exec(ctx, clickHouseInsert,
        time.Now().UTC(), e.ID, e.At, e.Device, string(e.Kind), e.NodeID, e.TaskID,
        e.From, e.To, e.Reason, int32(e.AffectedTasks),
    )
    if err != nil { return fmt.Errorf("insert event %s: %w", e.ID, err) }
    return nil
}

// Record implements observability.Recorder. Failures are logged.
func (c *ClickHouse) Record(e observability.Event) {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := c.Insert(ctx, e); err != nil {
        c.log.Warn("event not forwarded", zap.String("kind", string(e.Kind)), zap.Error(err))
    }
}

func (c *ClickHouse) Close() error {
    if err := c.conn.Close(); err != nil { return fmt.Errorf("close clickhouse: %w", err) }
    return nil
}
