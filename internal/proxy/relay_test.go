package proxy

import (
	"errors"
	"testing"

	"github.com/dbbouncer/pgproxy/internal/plugin"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

func TestResolveDecisionForward(t *testing.T) {
	msg := wire.Message{Tag: wire.TagQuery, Body: []byte("select 1")}
	eff, forward, err := resolveDecision(msg, plugin.Decision{Kind: plugin.Forward})
	if err != nil {
		t.Fatalf("resolveDecision: %v", err)
	}
	if !forward {
		t.Fatal("forward = false, want true")
	}
	if string(eff.Body) != "select 1" {
		t.Fatalf("body = %q, want %q", eff.Body, "select 1")
	}
}

func TestResolveDecisionDrop(t *testing.T) {
	_, forward, err := resolveDecision(wire.Message{}, plugin.Decision{Kind: plugin.Drop})
	if err != nil {
		t.Fatalf("resolveDecision: %v", err)
	}
	if forward {
		t.Fatal("forward = true, want false for Drop")
	}
}

func TestResolveDecisionFail(t *testing.T) {
	want := errors.New("boom")
	_, forward, err := resolveDecision(wire.Message{}, plugin.Decision{Kind: plugin.Fail, Err: want})
	if forward {
		t.Fatal("forward = true, want false for Fail")
	}
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestParseParseMessage(t *testing.T) {
	body := append([]byte("stmt1\x00"), "select $1\x00"...)
	body = append(body, 0, 1) // one param OID
	body = append(body, 0, 0, 0, 23)

	name, query, oids := parseParseMessage(body)
	if name != "stmt1" {
		t.Fatalf("name = %q, want stmt1", name)
	}
	if query != "select $1" {
		t.Fatalf("query = %q, want %q", query, "select $1")
	}
	if len(oids) != 1 || oids[0] != 23 {
		t.Fatalf("oids = %v, want [23]", oids)
	}
}

func TestParseParseMessageNoParams(t *testing.T) {
	body := append([]byte("\x00"), "select 1\x00"...)
	name, query, oids := parseParseMessage(body)
	if name != "" || query != "select 1" {
		t.Fatalf("name/query = %q/%q", name, query)
	}
	if len(oids) != 0 {
		t.Fatalf("oids = %v, want empty", oids)
	}
}

func TestParseBindMessage(t *testing.T) {
	body := append([]byte("portal1\x00"), "stmt1\x00"...)
	portal, stmt := parseBindMessage(body)
	if portal != "portal1" || stmt != "stmt1" {
		t.Fatalf("portal/stmt = %q/%q, want portal1/stmt1", portal, stmt)
	}
}

func TestParseDescribeOrClose(t *testing.T) {
	body := append([]byte{'S'}, "stmt1\x00"...)
	kind, name := parseDescribeOrClose(body)
	if kind != 'S' || name != "stmt1" {
		t.Fatalf("kind/name = %q/%q, want S/stmt1", kind, name)
	}
}

func TestReadCString(t *testing.T) {
	s, rest := readCString([]byte("hello\x00world"))
	if s != "hello" {
		t.Fatalf("s = %q, want hello", s)
	}
	if string(rest) != "world" {
		t.Fatalf("rest = %q, want world", rest)
	}
}

func TestReadCStringUnterminated(t *testing.T) {
	s, rest := readCString([]byte("noterm"))
	if s != "noterm" {
		t.Fatalf("s = %q, want noterm", s)
	}
	if rest != nil {
		t.Fatalf("rest = %v, want nil", rest)
	}
}
