// Package mqtt bridges the mesh over an MQTT broker. Each device subscribes to
// its own topic and the fleet broadcast topic:
//
//  <prefix>/node/<id>     addressed frames
//  <prefix>/broadcast     broadcast frames
package mqtt

import (
    "fmt"
    "strconv"
    "strings"
    "sync"
    "time"

    paho "github.com/eclipse/paho.mqtt.golang"
    "go.uber.org/zap"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
)

// Config holds broker settings.
type Config struct {
    Broker      string
    ClientID    string
    Username    string
    Password    string
    TopicPrefix string
    QoS         byte
}

// Topics names the topics for a prefix.
type Topics struct{ prefix string }

func NewTopics(prefix string) Topics {
    prefix = strings.Trim(prefix, "/")
    if prefix == "" { prefix = "meshcam" }
    return Topics{prefix: prefix}
}

func (t Topics) Node(id uint32) string { return t.prefix + "/node/" + strconv.FormatUint(uint64(id), 10) }
func (t Topics) Broadcast() string     { return t.prefix + "/broadcast" }

// For returns the topic a frame addressed to target is published on.
func (t Topics) For(target uint32) string {
    if target == protocol.Broadcast { return t.Broadcast() }
    return t.Node(target)
}

// Link is a broker-backed link.
type Link struct {
    self   uint32
    client paho.Client
    topics Topics
    qos    byte

    mu   sync.Mutex
    recv transport.ReceiveFunc
}

// Dial connects to the broker and subscribes to the device topics.
func Dial(self uint32, cfg Config) (*Link, error) {
    l := &Link{self: self, topics: NewTopics(cfg.TopicPrefix), qos: cfg.QoS}
    if cfg.ClientID == "" { cfg.ClientID = fmt.Sprintf("meshcam-%d", self) }

    opts := paho.NewClientOptions()
    opts.AddBroker(cfg.Broker)
    opts.SetClientID(cfg.ClientID)
    opts.SetUsername(cfg.Username)
    opts.SetPassword(cfg.Password)
    opts.SetAutoReconnect(true)
    opts.SetKeepAlive(60 * time.Second)
    opts.SetPingTimeout(10 * time.Second)
    // resubscribe after every (re)connect
    opts.SetOnConnectHandler(func(c paho.Client) {
        zap.L().Info("mqtt link connected", zap.String("broker", cfg.Broker))
        if err := l.subscribe(c); err != nil {
            zap.L().Warn("mqtt subscribe", zap.Error(err))
        }
    })
    opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
        zap.L().Warn("mqtt link lost", zap.Error(err))
    })

    l.client = paho.NewClient(opts)
    if tok := l.client.Connect(); tok.Wait() && tok.Error() != nil {
        return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, tok.Error())
    }
    return l, nil
}

func (l *Link) subscribe(c paho.Client) error {
    filters := map[string]byte{
        l.topics.Node(l.self): l.qos,
        l.topics.Broadcast():  l.qos,
    }
    tok := c.SubscribeMultiple(filters, l.handle)
    tok.Wait()
    return tok.Error()
}

func (l *Link) handle(_ paho.Client, msg paho.Message) {
    frame := msg.Payload()
    if src, ok := protocol.PeekSource(frame); !ok || src == l.self { return }
    l.mu.Lock()
    fn := l.recv
    l.mu.Unlock()
    if fn == nil { return }
    cp := make([]byte, len(frame))
    copy(cp, frame)
    fn(cp, l.SignalQuality())
}

func (l *Link) Kind() transport.Kind { return transport.KindMQTT }

func (l *Link) Enqueue(frame []byte) error {
    target, ok := protocol.PeekTarget(frame)
    if !ok { target = protocol.Broadcast }
    return l.publish(l.topics.For(target), frame)
}

func (l *Link) Broadcast(frame []byte) error { return l.publish(l.topics.Broadcast(), frame) }

// publish does not wait for the broker; the mesh is best-effort.
func (l *Link) publish(topic string, frame []byte) error {
    if !l.client.IsConnectionOpen() { return transport.ErrClosed }
    tok := l.client.Publish(topic, l.qos, false, frame)
    go func() {
        if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
            zap.L().Debug("mqtt publish", zap.String("topic", topic), zap.Error(tok.Error()))
        }
    }()
    return nil
}

func (l *Link) SignalQuality() transport.SignalQuality {
    return transport.SignalQuality{RSSI: -40, SNR: 10}
}

func (l *Link) OnReceive(fn transport.ReceiveFunc) {
    l.mu.Lock(); l.recv = fn; l.mu.Unlock()
}

func (l *Link) Close() error {
    l.client.Disconnect(250)
    return nil
}
