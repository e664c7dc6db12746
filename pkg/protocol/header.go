package protocol

import (
    "encoding/binary"
)

// Fixed header layout (20 bytes). All integer fields are little-endian.
//
//  0  ..1   Magic     'W''C' (0x4357)
//  2        Version   u8
//  3        Type      u8
//  4  ..7   Source    u32
//  8  ..11  Target    u32 (0 = broadcast)
//  12       Role      u8  (sender role)
//  13       HopCount  u8
//  14 ..17  Timestamp u32 (sender clock, ms)
//  18 ..19  BodyLen   u16
const (
    HeaderSize = 20
    Version    = 1
    magicWord  = uint16(0x4357) // 'W''C'
    // MaxBodySize bounds a single frame body.
    MaxBodySize = 0xFFFF
)

// Header describes metadata for a frame.
type Header struct {
    Version   uint8
    Type      MessageType
    Source    uint32
    Target    uint32
    Role      Role
    HopCount  uint8
    Timestamp uint32
    BodyLen   uint16
}

// MarshalBinary encodes the header to a 20-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
    buf := make([]byte, HeaderSize)
    h.put(buf)
    return buf, nil
}

func (h *Header) put(buf []byte) {
    binary.LittleEndian.PutUint16(buf[0:2], magicWord)
    buf[2] = h.Version
    buf[3] = byte(h.Type)
    binary.LittleEndian.PutUint32(buf[4:8], h.Source)
    binary.LittleEndian.PutUint32(buf[8:12], h.Target)
    buf[12] = byte(h.Role)
    buf[13] = h.HopCount
    binary.LittleEndian.PutUint32(buf[14:18], h.Timestamp)
    binary.LittleEndian.PutUint16(buf[18:20], h.BodyLen)
}

// UnmarshalBinary decodes and checks a header.
func (h *Header) UnmarshalBinary(buf []byte) error {
    if len(buf) < HeaderSize { return malformed("short header: %d bytes", len(buf)) }
    if binary.LittleEndian.Uint16(buf[0:2]) != magicWord { return malformed("bad magic") }
    h.Version = buf[2]
    if h.Version != Version { return malformed("unsupported version %d", h.Version) }
    h.Type = MessageType(buf[3])
    if !h.Type.Valid() { return malformed("unknown message type %d", buf[3]) }
    h.Source = binary.LittleEndian.Uint32(buf[4:8])
    if h.Source == 0 { return malformed("zero source node") }
    h.Target = binary.LittleEndian.Uint32(buf[8:12])
    h.Role = Role(buf[12])
    if !h.Role.Valid() { return malformed("unknown sender role %d", buf[12]) }
    h.HopCount = buf[13]
    h.Timestamp = binary.LittleEndian.Uint32(buf[14:18])
    h.BodyLen = binary.LittleEndian.Uint16(buf[18:20])
    return nil
}

// PeekTarget returns the target node of a frame without decoding the body.
// Addressed transports use it to pick a destination.
func PeekTarget(frame []byte) (uint32, bool) {
    if len(frame) < HeaderSize || binary.LittleEndian.Uint16(frame[0:2]) != magicWord {
        return 0, false
    }
    return binary.LittleEndian.Uint32(frame[8:12]), true
}

// PeekType returns the message type of a frame without decoding the body.
func PeekType(frame []byte) (MessageType, bool) {
    if len(frame) < HeaderSize || binary.LittleEndian.Uint16(frame[0:2]) != magicWord {
        return MsgUnknown, false
    }
    return MessageType(frame[3]), true
}

// PeekSource returns the sending node of a frame without decoding the body.
func PeekSource(frame []byte) (uint32, bool) {
    if len(frame) < HeaderSize || binary.LittleEndian.Uint16(frame[0:2]) != magicWord {
        return 0, false
    }
    return binary.LittleEndian.Uint32(frame[4:8]), true
}
