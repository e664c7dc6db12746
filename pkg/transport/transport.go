package transport

import (
    "errors"
    "fmt"
    "strings"
)

// Kind identifies the link type.
type Kind int

const (
    KindUnknown Kind = iota
    KindMem
    KindUDP
    KindMQTT
)

func (k Kind) String() string {
    switch k {
    case KindMem:
        return "mem"
    case KindUDP:
        return "udp"
    case KindMQTT:
        return "mqtt"
    default:
        return "unknown"
    }
}

// ParseKind maps a config name to a Kind.
func ParseKind(s string) (Kind, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "mem":
        return KindMem, nil
    case "udp":
        return KindUDP, nil
    case "mqtt":
        return KindMQTT, nil
    default:
        return KindUnknown, fmt.Errorf("unknown link kind %q", s)
    }
}

// ErrClosed is returned by sends on a closed link.
var ErrClosed = errors.New("link closed")

// SignalQuality is the radio's view of the last received frame.
type SignalQuality struct {
    RSSI int16   // dBm
    SNR  float32 // dB
}

// ReceiveFunc is called for every inbound frame, possibly from a transport
// goroutine. Implementations copy what they keep and return quickly.
type ReceiveFunc func(frame []byte, q SignalQuality)

// Link is a best-effort datagram radio. Enqueue sends a frame to the target
// named in its header (broadcast when the target is 0); Broadcast sends to
// every reachable device. Neither blocks on delivery.
type Link interface {
    Kind() Kind
    Enqueue(frame []byte) error
    Broadcast(frame []byte) error
    SignalQuality() SignalQuality
    OnReceive(fn ReceiveFunc)
    Close() error
}
