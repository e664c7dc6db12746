package protocol

import (
    "errors"
    "math/rand"
    "reflect"
    "testing"
)

func u32(v uint32) *uint32 { return &v }

func samplePayloads() []Payload {
    caps := Capabilities{HasCamera: true, HasRadio: true, HasAI: true, HasPSRAM: true, BatteryLevel: 87, PowerProfile: PowerEco, SolarVoltage: 5.5, MaxResolution: HighResolutionPixels, AvailableStorage: 1 << 40}
    return []Payload{
        Advertisement{NodeID: 7, PreferredRole: RoleAIProcessor, Capabilities: caps, Score: ComputeCoordinatorScore(caps)},
        Advertisement{NodeID: 9},
        Advertisement{NodeID: 10, Capabilities: Capabilities{HasStorage: true, AvailableStorage: 1<<60 + 1}},
        Heartbeat{Role: RoleCoordinator, Battery: 55, ActiveTasks: 3, Score: 71.2, UptimeMs: 4294967295},
        Heartbeat{},
        Status{Kind: StatusTaskReport, Report: &TaskReport{TaskID: 12, Attempt: 1, Status: TaskCompleted}},
        Status{Kind: StatusTaskReport, Report: &TaskReport{TaskID: 13, Status: TaskFailed, Reason: "no handler"}},
        Status{Kind: StatusConfigAck, Ack: &ConfigAck{Errors: []FieldError{{Field: "heartbeat_interval", Reason: "below minimum"}}}},
        Status{Kind: StatusConfigAck, Ack: &ConfigAck{Accepted: true, Applied: []string{"task_timeout"}}},
        Status{Kind: StatusNode, Node: &NodeStatus{Battery: 12, ActiveTasks: 1, Completed: 40, Failed: 2}},
        Data{Channel: "thumb", Body: []byte{0, 1, 2, 0xFF}},
        Data{},
        Data{Channel: "empty", Body: []byte{}},
        RoleAssignment{NodeID: 3, Role: RoleRelay},
        TaskAssignment{TaskID: 1, TaskType: "image_capture"},
        TaskAssignment{TaskID: 3, TaskType: "data_upload", Parameters: map[string]string{}},
        Status{Kind: StatusConfigAck, Ack: &ConfigAck{Accepted: true, Applied: []string{}, Errors: []FieldError{}}},
        TaskAssignment{TaskID: 2, Attempt: 2, TaskType: "ai_analysis", Parameters: map[string]string{"model": "mobilenet", "zone": "north"}, Priority: 4, TimeoutMs: 30000},
        Election{Score: 64.5, Candidate: 4},
        Election{},
        Topology{},
        Topology{Coordinator: 1, Nodes: []TopologyEntry{
            {NodeID: 1, Role: RoleCoordinator, Capabilities: caps, Score: 80, Signal: -67, Hops: 1, AgeMs: 1200},
            {NodeID: 2, Role: RoleRelay, Signal: -90},
        }},
        ConfigUpdate{},
        ConfigUpdate{HeartbeatIntervalMs: u32(15000), MaxRetries: u32(0)},
        ConfigUpdate{CoordinatorTimeoutMs: u32(120000), TaskTimeoutMs: u32(60000)},
        Emergency{Reason: "tamper", Severity: 3},
        DetectionEvent{Kind: "person", Confidence: 0.93, Count: 2, TaskID: 5},
    }
}

func TestRoundTripEveryTypeAndFormat(t *testing.T) {
    seen := map[MessageType]bool{}
    for _, f := range []Format{FormatCBOR, FormatJSON, FormatProto} {
        wc, err := NewWireCodec(f)
        if err != nil { t.Fatalf("codec %s: %v", f, err) }
        for i, p := range samplePayloads() {
            for _, target := range []uint32{Broadcast, 42} {
                m := NewMessage(5, target, RoleNode, 123456, p)
                m.HopCount = uint8(i)
                frame, err := wc.Encode(m)
                if err != nil { t.Fatalf("%s encode %s: %v", f, m.Type, err) }
                got, err := wc.Decode(frame)
                if err != nil { t.Fatalf("%s decode %s: %v", f, m.Type, err) }
                if !reflect.DeepEqual(got, m) {
                    t.Fatalf("%s roundtrip mismatch for %s:\n got %#v\nwant %#v", f, m.Type, got, m)
                }
                seen[m.Type] = true
            }
        }
    }
    for mt := MsgDiscovery; mt < msgTypeCount; mt++ {
        if !seen[mt] { t.Fatalf("no round-trip coverage for %s", mt) }
    }
}

func TestDecodeAcceptsAnyKnownFormat(t *testing.T) {
    jsonCodec, _ := NewWireCodec(FormatJSON)
    cborCodec, _ := NewWireCodec(FormatCBOR)
    m := NewMessage(1, 0, RoleCoordinator, 10, Heartbeat{Battery: 10})
    frame, err := jsonCodec.Encode(m)
    if err != nil { t.Fatalf("encode: %v", err) }
    got, err := cborCodec.Decode(frame)
    if err != nil { t.Fatalf("decode: %v", err) }
    if !reflect.DeepEqual(got, m) { t.Fatalf("mismatch: %#v", got) }
}

func TestDecodeTruncatedFramesNeverPanic(t *testing.T) {
    wc, _ := NewWireCodec(FormatCBOR)
    for _, p := range samplePayloads() {
        frame, err := wc.Encode(NewMessage(5, 0, RoleNode, 1, p))
        if err != nil { t.Fatalf("encode: %v", err) }
        for n := 0; n < len(frame); n++ {
            if _, err := wc.Decode(frame[:n]); !errors.Is(err, ErrMalformed) {
                t.Fatalf("truncated %s at %d: want ErrMalformed, got %v", p.MessageType(), n, err)
            }
        }
    }
}

func TestDecodeGarbageNeverPanics(t *testing.T) {
    rng := rand.New(rand.NewSource(7))
    for _, f := range []Format{FormatCBOR, FormatJSON, FormatProto} {
        wc, _ := NewWireCodec(f)
        valid, _ := wc.Encode(NewMessage(5, 0, RoleNode, 1, samplePayloads()[0]))
        for i := 0; i < 2000; i++ {
            var buf []byte
            if i%2 == 0 {
                buf = make([]byte, rng.Intn(96))
                rng.Read(buf)
            } else {
                // keep the header valid so garbage reaches the body decoders
                buf = append([]byte(nil), valid...)
                for j := HeaderSize; j < len(buf); j++ {
                    if rng.Intn(4) == 0 { buf[j] = byte(rng.Intn(256)) }
                }
            }
            if _, err := wc.Decode(buf); err != nil && !errors.Is(err, ErrMalformed) {
                t.Fatalf("unexpected error class: %v", err)
            }
        }
    }
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
    wc, _ := NewWireCodec(FormatJSON)
    frame, _ := wc.Encode(NewMessage(5, 0, RoleNode, 1, Heartbeat{Battery: 50}))
    // rewrite the body to an out-of-range battery level
    body, _ := EncodeBody(wc.reg, FormatJSON, map[string]any{"bat": 150})
    bad := append(append([]byte(nil), frame[:HeaderSize]...), body...)
    bad[18] = byte(len(body))
    bad[19] = byte(len(body) >> 8)
    if _, err := wc.Decode(bad); !errors.Is(err, ErrMalformed) {
        t.Fatalf("want ErrMalformed, got %v", err)
    }
}

func TestEncodeRejectsMismatchedType(t *testing.T) {
    wc, _ := NewWireCodec(FormatCBOR)
    m := NewMessage(1, 0, RoleNode, 0, Heartbeat{})
    m.Type = MsgElection
    if _, err := wc.Encode(m); err == nil { t.Fatalf("expected error for mismatched payload") }
}

func TestPeekTarget(t *testing.T) {
    wc, _ := NewWireCodec(FormatCBOR)
    frame, _ := wc.Encode(NewMessage(1, 77, RoleCoordinator, 0, Election{Score: 1}))
    if tgt, ok := PeekTarget(frame); !ok || tgt != 77 { t.Fatalf("peek target: %d %v", tgt, ok) }
    if mt, ok := PeekType(frame); !ok || mt != MsgElection { t.Fatalf("peek type: %s %v", mt, ok) }
    if _, ok := PeekTarget([]byte{1, 2}); ok { t.Fatalf("expected short frame to fail") }
}

func TestCanonicalDropsEmptyCollections(t *testing.T) {
    ack := &ConfigAck{Accepted: true, Applied: []string{}}
    got := Canonical(Status{Kind: StatusConfigAck, Ack: ack}).(Status)
    if got.Ack.Applied != nil { t.Fatalf("applied = %#v", got.Ack.Applied) }
    if ack.Applied == nil { t.Fatalf("caller's ack was modified") }
    if d := Canonical(Data{Body: []byte{}}).(Data); d.Body != nil { t.Fatalf("body = %#v", d.Body) }
    if ta := Canonical(TaskAssignment{Parameters: map[string]string{}}).(TaskAssignment); ta.Parameters != nil { t.Fatalf("params = %#v", ta.Parameters) }
    full := TaskAssignment{Parameters: map[string]string{"k": "v"}}
    if !reflect.DeepEqual(Canonical(full), Payload(full)) { t.Fatalf("non-empty payload changed") }
}
