package protocol

import (
    "fmt"

    "github.com/thewriterben/WildCAM-ESP32-sub002/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of body encoding. It is carried as
// the first byte of every frame body.
type Format uint8

const (
    FormatUnknown Format = iota
    FormatJSON
    FormatCBOR
    FormatProto
)

const (
    ContentUnknown = "application/octet-stream"
    ContentCBOR    = "application/cbor"
    ContentJSON    = "application/json"
    ContentProto   = "application/x-protobuf"
)

func (f Format) String() string {
    switch f {
    case FormatJSON:
        return ContentJSON
    case FormatCBOR:
        return ContentCBOR
    case FormatProto:
        return ContentProto
    default:
        return ContentUnknown
    }
}

// ParseFormat maps a config name (cbor, json, proto) to a Format.
func ParseFormat(name string) (Format, error) {
    switch name {
    case "", "cbor":
        return FormatCBOR, nil
    case "json":
        return FormatJSON, nil
    case "proto", "protobuf":
        return FormatProto, nil
    default:
        return FormatUnknown, fmt.Errorf("unknown body format %q", name)
    }
}

// CodecFor returns the codec of r that handles f.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
    if f == FormatUnknown || f > FormatProto { return nil, fmt.Errorf("unknown format: %d", f) }
    c, ok := r.Lookup(f.String())
    if !ok { return nil, fmt.Errorf("no codec for %s", f) }
    return c, nil
}

// EncodeBody serializes v using the codec for f and prefixes the result with
// a single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
    c, err := CodecFor(r, f)
    if err != nil { return nil, err }
    b, err := c.Marshal(v)
    if err != nil { return nil, err }
    out := make([]byte, 1+len(b))
    out[0] = byte(f)
    copy(out[1:], b)
    return out, nil
}

// DecodeBody decodes a body produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, body []byte, v any) (Format, error) {
    if len(body) == 0 { return FormatUnknown, malformed("empty body") }
    f := Format(body[0])
    c, err := CodecFor(r, f)
    if err != nil { return f, malformed("%v", err) }
    if err := c.Unmarshal(body[1:], v); err != nil { return f, malformed("%s body: %v", f, err) }
    return f, nil
}
