package proxy

import (
	"testing"

	"github.com/dbbouncer/pgproxy/internal/session"
)

func TestCancelRegistryRegisterLookupUnregister(t *testing.T) {
	r := newCancelRegistry()
	k := cancelKey{pid: 1, secret: 2}
	h := session.Handle{}

	if _, ok := r.lookup(k); ok {
		t.Fatal("lookup before register: want not found")
	}

	r.register(k, h)
	got, ok := r.lookup(k)
	if !ok {
		t.Fatal("lookup after register: want found")
	}
	if got != h {
		t.Fatalf("lookup returned %v, want %v", got, h)
	}

	r.unregister(k)
	if _, ok := r.lookup(k); ok {
		t.Fatal("lookup after unregister: want not found")
	}
}

func TestGenerateCancelKeyUnique(t *testing.T) {
	k1, err := generateCancelKey()
	if err != nil {
		t.Fatalf("generateCancelKey: %v", err)
	}
	k2, err := generateCancelKey()
	if err != nil {
		t.Fatalf("generateCancelKey: %v", err)
	}
	if k1 == k2 {
		t.Fatal("generateCancelKey: two calls returned the same key")
	}
}
