// Package monitor serves a live view of one device: coordination events are
// pushed to websocket clients as they happen and the latest snapshot is
// available as JSON.
package monitor

import (
    "context"
    "encoding/json"
    "net/http"
    "time"

    "github.com/gorilla/websocket"
    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/device"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/observability"
)

// SnapshotSource is satisfied by *device.Device.
type SnapshotSource interface {
    Snapshot() device.Snapshot
}

// SourceFunc adapts a function to SnapshotSource.
type SourceFunc func() device.Snapshot

func (f SourceFunc) Snapshot() device.Snapshot { return f() }

// Message is one frame sent to clients.
type Message struct {
    Type    string `json:"type"`
    Payload any    `json:"payload,omitempty"`
}

const (
    clientBuffer   = 256
    broadcastQueue = 1024
    readLimit      = 512
    writeWait      = 5 * time.Second
)

var upgrader = websocket.Upgrader{
    ReadBufferSize:  1024,
    WriteBufferSize: 1024,
    // read-only feed on the field network
    CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
    hub  *Hub
    conn *websocket.Conn
    send chan []byte
}

// Hub fans frames out to connected clients. It is an observability.Recorder:
// every recorded event is broadcast as an "event" frame.
type Hub struct {
    src        SnapshotSource
    clients    map[*client]bool
    broadcast  chan []byte
    register   chan *client
    unregister chan *client
    done       chan struct{}
    log        *zap.Logger
}

func NewHub(src SnapshotSource) *Hub {
    return &Hub{
        src:        src,
        clients:    make(map[*client]bool),
        broadcast:  make(chan []byte, broadcastQueue),
        register:   make(chan *client),
        unregister: make(chan *client),
        done:       make(chan struct{}),
        log:        zap.L().Named("monitor"),
    }
}

// Run delivers frames until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
    defer func() {
        close(h.done)
        for c := range h.clients {
            delete(h.clients, c)
            close(c.send)
        }
    }()
    for {
        select {
        case <-ctx.Done():
            return
        case c := <-h.register:
            h.clients[c] = true
        case c := <-h.unregister:
            if _, ok := h.clients[c]; ok {
                delete(h.clients, c)
                close(c.send)
            }
        case msg := <-h.broadcast:
            for c := range h.clients {
                select {
                case c.send <- msg:
                default:
                    // slow client
                    close(c.send)
                    delete(h.clients, c)
                }
            }
        }
    }
}

// Record broadcasts e. It never blocks; frames are dropped when the queue is
// full.
func (h *Hub) Record(e observability.Event) {
    h.publish(Message{Type: "event", Payload: e})
}

// PublishSnapshots broadcasts the source snapshot every interval until ctx
// ends.
func (h *Hub) PublishSnapshots(ctx context.Context, interval time.Duration) {
    t := time.NewTicker(interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            h.publish(Message{Type: "snapshot", Payload: h.src.Snapshot()})
        }
    }
}

func (h *Hub) publish(m Message) {
    data, err := json.Marshal(m)
    if err != nil {
        h.log.Warn("marshal frame", zap.String("type", m.Type), zap.Error(err))
        return
    }
    select {
    case h.broadcast <- data:
    default:
        h.log.Debug("broadcast queue full, dropping frame", zap.String("type", m.Type))
    }
}

// Handler returns the HTTP routes: /ws, /stats and /healthz.
func (h *Hub) Handler() http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/ws", h.serveWs)
    mux.HandleFunc("/stats", h.serveStats)
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
    return mux
}

func (h *Hub) serveStats(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    w.Header().Set("Content-Type", "application/json")
    if err := json.NewEncoder(w).Encode(h.src.Snapshot()); err != nil { h.log.Debug("write stats", zap.Error(err)) }
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        h.log.Debug("upgrade", zap.Error(err))
        return
    }
    c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
    // the first frame is the current snapshot so clients need not wait
    if data, err := json.Marshal(Message{Type: "snapshot", Payload: h.src.Snapshot()}); err == nil { c.send <- data }
    select {
    case h.register <- c:
    case <-h.done:
        conn.Close()
        return
    }
    go c.writePump()
    c.readPump()
}

// readPump discards client frames except "snapshot" requests and detects
// disconnects.
func (c *client) readPump() {
    defer func() {
        select {
        case c.hub.unregister <- c:
        case <-c.hub.done:
        }
        c.conn.Close()
    }()
    c.conn.SetReadLimit(readLimit)
    for {
        _, data, err := c.conn.ReadMessage()
        if err != nil { return }
        var m Message
        if json.Unmarshal(data, &m) != nil || m.Type != "snapshot" { continue }
        c.hub.publish(Message{Type: "snapshot", Payload: c.hub.src.Snapshot()})
    }
}

func (c *client) writePump() {
    defer c.conn.Close()
    for msg := range c.send {
        c.conn.SetWriteDeadline(time.Now().Add(writeWait))
        if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
            c.hub.log.Debug("write", zap.Error(err))
            return
        }
    }
    c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Serve listens on addr until ctx ends.
func Serve(ctx context.Context, addr string, h *Hub) error {
    srv := &http.Server{Addr: addr, Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
    errc := make(chan error, 1)
    go func() { errc <- srv.ListenAndServe() }()
    h.log.Info("monitor listening", zap.String("addr", addr))
    select {
    case <-ctx.Done():
        shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        return srv.Shutdown(shutdown)
    case err := <-errc:
        if err == http.ErrServerClosed { return nil }
        return err
    }
}
