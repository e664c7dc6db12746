// Package transports builds the configured transport.Link.
package transports

import (
    "context"
    "errors"
    "fmt"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/config"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport/mem"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport/mqtt"
    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/transport/udp"
)

// ErrNoHub is returned when a mem link is requested without a shared hub.
var ErrNoHub = errors.New("mem link requires a hub")

// Open returns the link described by cfg for device self. hub is only used
// for mem links, which must share one medium.
func Open(ctx context.Context, cfg config.LinkConfig, self uint32, hub *mem.Hub) (transport.Link, error) {
    kind, err := transport.ParseKind(cfg.Kind)
    if err != nil { return nil, err }
    switch kind {
    case transport.KindMem:
        if hub == nil { return nil, ErrNoHub }
        return hub.Attach(self), nil
    case transport.KindUDP:
        l, err := udp.Open(ctx, self, cfg.UDP.Listen, cfg.UDP.Broadcast)
        if err != nil { return nil, fmt.Errorf("udp link: %w", err) }
        return l, nil
    case transport.KindMQTT:
        l, err := mqtt.Dial(self, mqtt.Config{
            Broker:      cfg.MQTT.Broker,
            Username:    cfg.MQTT.Username,
            Password:    cfg.MQTT.Password,
            TopicPrefix: cfg.MQTT.TopicPrefix,
            QoS:         cfg.MQTT.QoS,
        })
        if err != nil { return nil, fmt.Errorf("mqtt link: %w", err) }
        return l, nil
    }
    return nil, fmt.Errorf("unsupported link kind %s", kind)
}
