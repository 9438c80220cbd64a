package labsession

import (
	"errors"
	"testing"
)

func TestRegistry_ExclusiveLease(t *testing.T) {
	r := NewRegistry()

	if err := r.Acquire("lab-1", "sess-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := r.Acquire("lab-1", "sess-b"); !errors.Is(err, ErrDeviceHeld) {
		t.Fatalf("expected ErrDeviceHeld, got %v", err)
	}

	// Re-acquire by the holder is allowed
	if err := r.Acquire("lab-1", "sess-a"); err != nil {
		t.Fatalf("holder re-acquire failed: %v", err)
	}

	// A different device is independent
	if err := r.Acquire("lab-2", "sess-b"); err != nil {
		t.Fatalf("second device acquire failed: %v", err)
	}
}

func TestRegistry_ReleaseByNonHolderIsNoOp(t *testing.T) {
	r := NewRegistry()

	if err := r.Acquire("lab-1", "sess-a"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	r.Release("lab-1", "sess-b")
	if holder, ok := r.Holder("lab-1"); !ok || holder != "sess-a" {
		t.Fatalf("lease lost to a non-holder release: %q %v", holder, ok)
	}

	r.Release("lab-1", "sess-a")
	if _, ok := r.Holder("lab-1"); ok {
		t.Fatal("lease not released by the holder")
	}

	// Releasing twice is fine
	r.Release("lab-1", "sess-a")

	if err := r.Acquire("lab-1", "sess-b"); err != nil {
		t.Fatalf("device not leasable after release: %v", err)
	}
}
