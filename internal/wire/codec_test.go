package wire

import (
	"bytes"
	"testing"
)

func TestRoundTripTagged(t *testing.T) {
	cases := []Message{
		{Tag: TagQuery, HasTag: true, Body: []byte("SELECT 1\x00")},
		{Tag: TagReadyForQuery, HasTag: true, Body: []byte{'I'}},
		{Tag: TagCopyData, HasTag: true, Body: bytes.Repeat([]byte{'x'}, 4096)},
		{Tag: TagSync, HasTag: true, Body: nil},
	}

	for _, msg := range cases {
		encoded := WriteTagged(nil, msg.Tag, msg.Body)

		r := NewReader(false)
		got, consumed, err := r.Read(encoded)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if consumed != len(encoded) {
			t.Fatalf("consumed %d, want %d", consumed, len(encoded))
		}
		if got.Tag != msg.Tag || !got.HasTag {
			t.Fatalf("tag mismatch: got %q want %q", got.Tag, msg.Tag)
		}
		if !bytes.Equal(got.Body, msg.Body) {
			t.Fatalf("body mismatch: got %q want %q", got.Body, msg.Body)
		}
	}
}

func TestReadIncomplete(t *testing.T) {
	full := WriteTagged(nil, TagQuery, []byte("SELECT 1\x00"))
	r := NewReader(false)

	for i := 0; i < len(full); i++ {
		_, _, err := r.Read(full[:i])
		if !IsIncomplete(err) {
			t.Fatalf("at %d bytes: expected Incomplete, got %v", i, err)
		}
	}

	msg, consumed, err := r.Read(full)
	if err != nil {
		t.Fatalf("final read: %v", err)
	}
	if consumed != len(full) {
		t.Fatalf("consumed %d want %d", consumed, len(full))
	}
	if msg.Tag != TagQuery {
		t.Fatalf("tag = %q", msg.Tag)
	}
}

func TestReadRejectsOversizedLength(t *testing.T) {
	r := NewReader(false)
	r.SetLimits(16, 0)

	buf := WriteTagged(nil, TagQuery, bytes.Repeat([]byte{'a'}, 64))
	_, _, err := r.Read(buf)
	var pe *ProtocolError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errorsAs(err, &pe) || pe.Kind != InvalidLength {
		t.Fatalf("expected InvalidLength, got %v", err)
	}
}

func TestReadRejectsLengthBelowFour(t *testing.T) {
	r := NewReader(false)
	buf := []byte{TagQuery, 0, 0, 0, 2} // length=2 < 4
	_, _, err := r.Read(buf)
	var pe *ProtocolError
	if !errorsAs(err, &pe) || pe.Kind != InvalidLength {
		t.Fatalf("expected InvalidLength, got %v", err)
	}
}

func TestEmptyBodyAccepted(t *testing.T) {
	r := NewReader(false)
	buf := WriteTagged(nil, TagSync, nil)
	msg, consumed, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if consumed != 5 {
		t.Fatalf("consumed %d, want 5", consumed)
	}
	if len(msg.Body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(msg.Body))
	}
}

func TestUntaggedStartup(t *testing.T) {
	params := map[string]string{"user": "alice", "database": "app"}
	encoded := EncodeStartupMessage(params)

	r := NewReader(true)
	msg, consumed, err := r.Read(encoded)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("consumed %d want %d", consumed, len(encoded))
	}
	if msg.HasTag {
		t.Fatal("startup message should not have a tag")
	}

	su, err := ParseStartup(msg.Body)
	if err != nil {
		t.Fatalf("ParseStartup: %v", err)
	}
	if su.Kind != StartupMessageKind {
		t.Fatalf("kind = %v", su.Kind)
	}
	if su.Params["user"] != "alice" || su.Params["database"] != "app" {
		t.Fatalf("params = %+v", su.Params)
	}
}

func TestParseCancelRequest(t *testing.T) {
	encoded := EncodeCancelRequest(42, 1234)
	su, err := ParseStartup(encoded[4:])
	if err != nil {
		t.Fatalf("ParseStartup: %v", err)
	}
	if su.Kind != CancelRequestKind {
		t.Fatalf("kind = %v", su.Kind)
	}
	if su.PID != 42 || su.Key != 1234 {
		t.Fatalf("pid/key = %d/%d", su.PID, su.Key)
	}
}

// errorsAs avoids importing "errors" just for As in this file's tests
// while still supporting *ProtocolError targets.
func errorsAs(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
