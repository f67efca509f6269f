package serverstate

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestStateTransitions(t *testing.T) {
	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("expected ready, got %q", got)
	}
	StartDrain()
	if !IsDraining() {
		t.Fatalf("expected draining")
	}
	if got := GetState(); got != "draining" {
		t.Fatalf("expected draining state, got %q", got)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Save(State{Status: "ready"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != "ready" {
		t.Fatalf("expected ready, got %q", got.Status)
	}
}

func TestRedisStoreURL(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore("redis://" + mr.Addr() + "/2")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Save(State{Status: "ready"}); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestRedisStoreBadScheme(t *testing.T) {
	if _, err := NewRedisStore("http://localhost:6379"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestStoreMirrorsState(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	SetStore(store)
	SetState("ready")

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != "ready" {
		t.Fatalf("expected mirrored ready, got %q", got.Status)
	}
}
