package protocol

import (
    "fmt"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol/codec"
)

// Message is the decoded envelope plus its typed payload. Messages are values;
// handlers never mutate one after construction.
type Message struct {
    Type       MessageType
    Source     uint32
    Target     uint32
    SourceRole Role
    Timestamp  uint32
    HopCount   uint8
    Payload    Payload
}

// NewMessage builds a message whose type follows its payload.
func NewMessage(source, target uint32, role Role, ts uint32, p Payload) Message {
    p = Canonical(p)
    return Message{Type: p.MessageType(), Source: source, Target: target, SourceRole: role, Timestamp: ts, Payload: p}
}

// IsBroadcast reports whether the message addresses every device.
func (m Message) IsBroadcast() bool { return m.Target == Broadcast }

// For reports whether the message should be handled by node id.
func (m Message) For(id uint32) bool { return m.Target == Broadcast || m.Target == id }

// WireCodec encodes and decodes frames with one outbound body format. Any
// known format is accepted inbound.
type WireCodec struct {
    reg    *codec.Registry
    format Format
}

// NewWireCodec builds a codec writing bodies in format f.
func NewWireCodec(f Format) (*WireCodec, error) {
    reg, err := codec.NewRegistry()
    if err != nil { return nil, err }
    if _, err := CodecFor(reg, f); err != nil { return nil, err }
    return &WireCodec{reg: reg, format: f}, nil
}

// Format returns the outbound body format.
func (w *WireCodec) Format() Format { return w.format }

// Encode serializes m into a single frame.
func (w *WireCodec) Encode(m Message) ([]byte, error) {
    if m.Payload == nil { return nil, fmt.Errorf("encode %s: nil payload", m.Type) }
    if m.Payload.MessageType() != m.Type {
        return nil, fmt.Errorf("encode: payload %s does not match type %s", m.Payload.MessageType(), m.Type)
    }
    if err := m.Payload.validate(); err != nil { return nil, fmt.Errorf("encode %s: %w", m.Type, err) }
    body, err := EncodeBody(w.reg, w.format, Canonical(m.Payload))
    if err != nil { return nil, fmt.Errorf("encode %s body: %w", m.Type, err) }
    if len(body) > MaxBodySize { return nil, fmt.Errorf("encode %s: body too large: %d", m.Type, len(body)) }
    h := Header{
        Version:   Version,
        Type:      m.Type,
        Source:    m.Source,
        Target:    m.Target,
        Role:      m.SourceRole,
        HopCount:  m.HopCount,
        Timestamp: m.Timestamp,
        BodyLen:   uint16(len(body)),
    }
    out := make([]byte, HeaderSize+len(body))
    h.put(out)
    copy(out[HeaderSize:], body)
    return out, nil
}

// Decode parses a frame. It never panics on garbage input; every failure
// wraps ErrMalformed.
func (w *WireCodec) Decode(frame []byte) (Message, error) {
    var h Header
    if err := h.UnmarshalBinary(frame); err != nil { return Message{}, err }
    if HeaderSize+int(h.BodyLen) != len(frame) {
        return Message{}, malformed("body length %d does not match frame of %d bytes", h.BodyLen, len(frame))
    }
    v := newPayload(h.Type)
    if _, err := DecodeBody(w.reg, frame[HeaderSize:], v); err != nil { return Message{}, err }
    p := deref(v)
    if err := p.validate(); err != nil { return Message{}, err }
    return Message{
        Type:       h.Type,
        Source:     h.Source,
        Target:     h.Target,
        SourceRole: h.Role,
        Timestamp:  h.Timestamp,
        HopCount:   h.HopCount,
        Payload:    p,
    }, nil
}

// Sender queues a payload for the radio. The device stamps source, role and
// timestamp; delivery is best-effort and never awaited.
type Sender interface {
    Send(target uint32, p Payload)
}

// Relayer forwards a received message once more with its hop count raised,
// keeping the original source.
type Relayer interface {
    Relay(m Message)
}
