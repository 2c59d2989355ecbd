package proxy

import (
	"crypto/tls"
	"encoding/binary"
	"net"
	"testing"

	"github.com/dbbouncer/pgproxy/internal/wire"
)

func sendRaw(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("writing raw message: %v", err)
	}
}

func sslRequestBody() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], 80877103)
	return b[:]
}

func gssEncRequestBody() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], 80877104)
	return b[:]
}

func TestNegotiateStartupPlainStartup(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	type result struct {
		su  wire.Startup
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		_, su, err := negotiateStartup(server, nil)
		resCh <- result{su, err}
	}()

	sendRaw(t, client, wire.EncodeStartupMessage(map[string]string{"user": "alice", "database": "app"})[4:])

	res := <-resCh
	if res.err != nil {
		t.Fatalf("negotiateStartup: %v", res.err)
	}
	if res.su.Kind != wire.StartupMessageKind {
		t.Fatalf("kind = %v, want StartupMessageKind", res.su.Kind)
	}
	if res.su.Params["user"] != "alice" {
		t.Fatalf("params[user] = %q, want alice", res.su.Params["user"])
	}
}

func TestNegotiateStartupSSLRefusedWithoutTLS(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	resCh := make(chan wire.Startup, 1)
	errCh := make(chan error, 1)
	go func() {
		_, su, err := negotiateStartup(server, nil)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- su
	}()

	sendRaw(t, client, sslRequestBody())
	reply := make([]byte, 1)
	if _, err := client.Read(reply); err != nil {
		t.Fatalf("reading SSL reply: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("SSL reply = %q, want 'N'", reply[0])
	}

	sendRaw(t, client, wire.EncodeStartupMessage(map[string]string{"user": "bob"})[4:])

	select {
	case su := <-resCh:
		if su.Kind != wire.StartupMessageKind {
			t.Fatalf("kind = %v, want StartupMessageKind", su.Kind)
		}
	case err := <-errCh:
		t.Fatalf("negotiateStartup: %v", err)
	}
}

func TestNegotiateStartupGSSEncAlwaysRefused(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	tlsCfg := &tls.Config{}
	resCh := make(chan wire.Startup, 1)
	go func() {
		_, su, err := negotiateStartup(server, tlsCfg)
		if err == nil {
			resCh <- su
		}
	}()

	sendRaw(t, client, gssEncRequestBody())
	reply := make([]byte, 1)
	if _, err := client.Read(reply); err != nil {
		t.Fatalf("reading GSSEnc reply: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("GSSEnc reply = %q, want 'N'", reply[0])
	}

	sendRaw(t, client, wire.EncodeStartupMessage(map[string]string{"user": "carol"})[4:])
	su := <-resCh
	if su.Params["user"] != "carol" {
		t.Fatalf("params[user] = %q, want carol", su.Params["user"])
	}
}

func TestNegotiateStartupCancelRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	resCh := make(chan wire.Startup, 1)
	go func() {
		_, su, err := negotiateStartup(server, nil)
		if err != nil {
			t.Errorf("negotiateStartup: %v", err)
			return
		}
		resCh <- su
	}()

	client.Write(wire.EncodeCancelRequest(4242, 99))

	su := <-resCh
	if su.Kind != wire.CancelRequestKind {
		t.Fatalf("kind = %v, want CancelRequestKind", su.Kind)
	}
	if su.PID != 4242 || su.Key != 99 {
		t.Fatalf("pid/key = %d/%d, want 4242/99", su.PID, su.Key)
	}
}
