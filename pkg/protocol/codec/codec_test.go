package codec

import (
    "testing"

    "google.golang.org/protobuf/types/known/structpb"
)

type sample struct {
    A uint32            `json:"a,omitempty"`
    B string            `json:"b,omitempty"`
    C float32           `json:"c,omitempty"`
    M map[string]string `json:"m,omitempty"`
}

func TestJSONCodec(t *testing.T) {
    c := JSON()
    in := sample{A: 1, B: "x"}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out sample
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.A != 1 || out.B != "x" { t.Fatalf("roundtrip mismatch: %#v", out) }
}

func TestCBORCodecDeterministic(t *testing.T) {
    c, err := CBOR()
    if err != nil { t.Fatalf("new cbor: %v", err) }
    in := sample{A: 42, M: map[string]string{"z": "1", "a": "2", "m": "3"}}
    b1, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    b2, _ := c.Marshal(in)
    if string(b1) != string(b2) { t.Fatalf("encoding not deterministic") }
    var out sample
    if err := c.Unmarshal(b1, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.A != 42 || out.M["a"] != "2" { t.Fatalf("roundtrip mismatch: %#v", out) }
}

func TestProtoCodecStructView(t *testing.T) {
    c := Proto()
    in := sample{A: 4294967295, B: "v", C: 71.2}
    b, err := c.Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out sample
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.A != 4294967295 || out.B != "v" || out.C != 71.2 || out.M != nil { t.Fatalf("roundtrip mismatch: %#v", out) }
}

func TestProtoCodecNativeMessage(t *testing.T) {
    c := Proto()
    s, err := structpb.NewStruct(map[string]any{"k": "v"})
    if err != nil { t.Fatalf("struct: %v", err) }
    b, err := c.Marshal(s)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var out structpb.Struct
    if err := c.Unmarshal(b, &out); err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Fields["k"].GetStringValue() != "v" { t.Fatalf("roundtrip mismatch") }
}

func TestJSONRejectsTrailingData(t *testing.T) {
    var out sample
    if err := JSON().Unmarshal([]byte(`{"a":1} {"a":2}`), &out); err == nil { t.Fatalf("trailing value accepted") }
    if err := JSON().Unmarshal([]byte(`{"a":1}  `), &out); err != nil { t.Fatalf("trailing space rejected: %v", err) }
}

func TestRegistry(t *testing.T) {
    r, err := NewRegistry()
    if err != nil { t.Fatalf("registry: %v", err) }
    for _, ct := range []string{"application/json", "application/cbor", "application/x-protobuf"} {
        c, ok := r.Lookup(ct)
        if !ok || c.ContentType() != ct { t.Fatalf("%s missing", ct) }
    }
    if _, ok := r.Lookup("application/xml"); ok { t.Fatalf("unexpected codec") }
}
