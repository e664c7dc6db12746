// Package udp carries single frames as UDP datagrams on a LAN. Broadcasts go
// to the configured broadcast address; addressed frames go to the last
// address the target was heard from, or are broadcast when it is unknown.
package udp

import (
    "context"
    "errors"
    "net"
    "sync"

    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
)

// Link is a UDP datagram link owned by one device.
type Link struct {
    self  uint32
    conn  *net.UDPConn
    bcast *net.UDPAddr

    mu    sync.Mutex
    peers map[uint32]*net.UDPAddr
    recv  transport.ReceiveFunc

    closeOnce sync.Once
    closed    chan struct{}
}

// Open listens on listen and broadcasts to broadcast. Frames whose header
// names self as source are ignored so a device never hears its own echo.
func Open(ctx context.Context, self uint32, listen, broadcast string) (*Link, error) {
    laddr, err := net.ResolveUDPAddr("udp", listen)
    if err != nil { return nil, err }
    baddr, err := net.ResolveUDPAddr("udp", broadcast)
    if err != nil { return nil, err }
    c, err := net.ListenUDP("udp", laddr)
    if err != nil { return nil, err }
    l := &Link{
        self:   self,
        conn:   c,
        bcast:  baddr,
        peers:  make(map[uint32]*net.UDPAddr),
        closed: make(chan struct{}),
    }
    go l.readLoop()
    go func() {
        select {
        case <-ctx.Done():
            _ = l.Close()
        case <-l.closed:
        }
    }()
    return l, nil
}

func (l *Link) Kind() transport.Kind { return transport.KindUDP }

// LocalAddr returns the bound address.
func (l *Link) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// AddPeer pins the address of a device, e.g. for unicast-only networks.
func (l *Link) AddPeer(id uint32, addr *net.UDPAddr) {
    l.mu.Lock(); l.peers[id] = addr; l.mu.Unlock()
}

func (l *Link) Enqueue(frame []byte) error {
    target, ok := protocol.PeekTarget(frame)
    if !ok || target == protocol.Broadcast { return l.Broadcast(frame) }
    l.mu.Lock()
    addr := l.peers[target]
    l.mu.Unlock()
    if addr == nil { return l.Broadcast(frame) }
    return l.write(frame, addr)
}

func (l *Link) Broadcast(frame []byte) error { return l.write(frame, l.bcast) }

func (l *Link) write(frame []byte, addr *net.UDPAddr) error {
    select {
    case <-l.closed:
        return transport.ErrClosed
    default:
    }
    _, err := l.conn.WriteToUDP(frame, addr)
    return err
}

// SignalQuality is not observable on an IP network; a strong fixed value keeps
// candidate scoring neutral.
func (l *Link) SignalQuality() transport.SignalQuality {
    return transport.SignalQuality{RSSI: -40, SNR: 10}
}

func (l *Link) OnReceive(fn transport.ReceiveFunc) {
    l.mu.Lock(); l.recv = fn; l.mu.Unlock()
}

func (l *Link) readLoop() {
    buf := make([]byte, protocol.HeaderSize+protocol.MaxBodySize+1)
    for {
        n, raddr, err := l.conn.ReadFromUDP(buf)
        if err != nil {
            select {
            case <-l.closed:
                return
            default:
            }
            if errors.Is(err, net.ErrClosed) { return }
            zap.L().Debug("udp read", zap.Error(err))
            continue
        }
        src, ok := protocol.PeekSource(buf[:n])
        if !ok || src == l.self { continue }
        pkt := make([]byte, n)
        copy(pkt, buf[:n])
        l.mu.Lock()
        l.peers[src] = raddr
        fn := l.recv
        l.mu.Unlock()
        if fn != nil { fn(pkt, l.SignalQuality()) }
    }
}

func (l *Link) Close() error {
    var err error
    l.closeOnce.Do(func() {
        close(l.closed)
        err = l.conn.Close()
    })
    return err
}
