package session

import "testing"

func TestArenaPutGet(t *testing.T) {
	a := NewArena[string]()
	h := a.Put("hello")
	v, ok := a.Get(h)
	if !ok || v != "hello" {
		t.Fatalf("Get = %q, %v; want hello, true", v, ok)
	}
}

func TestArenaReleaseInvalidatesHandle(t *testing.T) {
	a := NewArena[int]()
	h := a.Put(42)
	a.Release(h)
	if _, ok := a.Get(h); ok {
		t.Fatal("expected Get to fail after Release")
	}
}

func TestArenaReuseBumpsGeneration(t *testing.T) {
	a := NewArena[int]()
	h1 := a.Put(1)
	a.Release(h1)
	h2 := a.Put(2)

	if h1.Index != h2.Index {
		t.Fatalf("expected slot reuse: h1.Index=%d h2.Index=%d", h1.Index, h2.Index)
	}
	if h1.Generation == h2.Generation {
		t.Fatal("expected generation to change across reuse")
	}
	if _, ok := a.Get(h1); ok {
		t.Fatal("stale handle should not resolve after slot reuse")
	}
	v, ok := a.Get(h2)
	if !ok || v != 2 {
		t.Fatalf("Get(h2) = %d, %v; want 2, true", v, ok)
	}
}

func TestArenaReplace(t *testing.T) {
	a := NewArena[int]()
	h := a.Put(1)
	if !a.Replace(h, 2) {
		t.Fatal("Replace should succeed for a live handle")
	}
	v, _ := a.Get(h)
	if v != 2 {
		t.Fatalf("Get = %d, want 2", v)
	}
}

func TestArenaLen(t *testing.T) {
	a := NewArena[int]()
	h1 := a.Put(1)
	a.Put(2)
	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2", a.Len())
	}
	a.Release(h1)
	if a.Len() != 1 {
		t.Fatalf("Len = %d, want 1", a.Len())
	}
}

func TestArenaZeroHandleNeverResolves(t *testing.T) {
	a := NewArena[int]()
	h := a.Put(1)
	if h.IsZero() {
		t.Fatal("Put should never hand out the zero handle")
	}
	if _, ok := a.Get(Handle{}); ok {
		t.Fatal("zero handle should never resolve to a live value")
	}
}
