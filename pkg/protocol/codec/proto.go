package codec

import (
    "encoding/json"
    "fmt"

    "google.golang.org/protobuf/proto"
    "google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
    mo proto.MarshalOptions
    uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// Values that already implement proto.Message are marshaled directly; plain Go
// structs travel as a google.protobuf.Struct built from their json view, so
// gateways that speak protobuf can read payloads without generated types.
// Content-Type: application/x-protobuf
func Proto() Codec {
    return protoCodec{
        mo: proto.MarshalOptions{Deterministic: true},
        uo: proto.UnmarshalOptions{},
    }
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
    if msg, ok := v.(proto.Message); ok {
        return p.mo.Marshal(msg)
    }
    raw, err := json.Marshal(v)
    if err != nil { return nil, fmt.Errorf("protobuf: json view: %w", err) }
    var m map[string]any
    if err := json.Unmarshal(raw, &m); err != nil {
        return nil, fmt.Errorf("protobuf: value is not an object: %T", v)
    }
    s, err := structpb.NewStruct(m)
    if err != nil { return nil, fmt.Errorf("protobuf: struct: %w", err) }
    return p.mo.Marshal(s)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
    if msg, ok := v.(proto.Message); ok {
        return p.uo.Unmarshal(data, msg)
    }
    var s structpb.Struct
    if err := p.uo.Unmarshal(data, &s); err != nil { return err }
    raw, err := json.Marshal(s.AsMap())
    if err != nil { return fmt.Errorf("protobuf: json view: %w", err) }
    return json.Unmarshal(raw, v)
}
