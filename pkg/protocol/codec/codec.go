// Package codec holds the body encoders a device understands on the radio.
package codec

import (
    "bytes"
    "encoding/json"
    "errors"
    "fmt"
    "io"
)

// Codec marshals frame bodies. Implementations must be deterministic so
// identical payloads produce identical frames on every device.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry holds every body codec a device can decode, keyed by content type.
type Registry struct{ byType map[string]Codec }

// NewRegistry returns a registry with the JSON, CBOR and protobuf codecs.
func NewRegistry() (*Registry, error) {
    cb, err := CBOR()
    if err != nil { return nil, fmt.Errorf("cbor codec: %w", err) }
    r := &Registry{byType: make(map[string]Codec, 3)}
    for _, c := range []Codec{JSON(), cb, Proto()} { r.byType[c.ContentType()] = c }
    return r, nil
}

// Lookup returns the codec for contentType.
func (r *Registry) Lookup(contentType string) (Codec, bool) {
    c, ok := r.byType[contentType]
    return c, ok
}

type jsonCodec struct{}

// JSON returns the human-readable body codec used on debug links. A body must
// hold exactly one JSON value.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
    dec := json.NewDecoder(bytes.NewReader(data))
    if err := dec.Decode(v); err != nil { return err }
    if _, err := dec.Token(); err != io.EOF { return errors.New("json: trailing data after body") }
    return nil
}
