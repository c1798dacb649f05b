package engine

import "testing"

func TestNextHandleIsMonotonicAndNonzero(t *testing.T) {
	a := NextHandle()
	b := NextHandle()
	if a == 0 || b == 0 {
		t.Fatal("handles must be nonzero")
	}
	if b <= a {
		t.Fatalf("expected monotonically increasing handles, got %d then %d", a, b)
	}
}

func TestLoadedSetPutGetDelete(t *testing.T) {
	s := NewLoadedSet[string]()
	h := NextHandle()

	if s.Contains(h) {
		t.Fatal("expected empty set")
	}
	s.Put(h, "resident")
	if !s.Contains(h) {
		t.Fatal("expected handle to be present after Put")
	}
	v, ok := s.Get(h)
	if !ok || v != "resident" {
		t.Fatalf("Get returned (%q, %v)", v, ok)
	}
	if s.Len() != 1 {
		t.Fatalf("expected Len()==1, got %d", s.Len())
	}
	if !s.Delete(h) {
		t.Fatal("expected Delete to report removal")
	}
	if s.Delete(h) {
		t.Fatal("expected second Delete to report no-op")
	}
	if s.Contains(h) {
		t.Fatal("expected handle absent after Delete")
	}
}

func TestLoadedSetHandlesSnapshot(t *testing.T) {
	s := NewLoadedSet[int]()
	h1, h2 := NextHandle(), NextHandle()
	s.Put(h1, 1)
	s.Put(h2, 2)

	handles := s.Handles()
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(handles))
	}
}
