package storage

import (
	"errors"
	"testing"

	"github.com/nemanja-m/genpool/internal/pool/core"
)

func newWorker(s *InMemoryWorkerStore, id string) *core.Worker {
	return &core.Worker{ID: id, Index: s.NextIndex(), State: core.LoadStateIdle}
}

func TestInMemoryWorkerStore_RegistrationOrder(t *testing.T) {
	store := NewInMemoryWorkerStore()

	for _, id := range []string{"c", "a", "b"} {
		if err := store.AddWorker(newWorker(store, id)); err != nil {
			t.Fatalf("AddWorker(%s) failed: %v", id, err)
		}
	}

	workers, err := store.GetAllWorkers()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := []string{"c", "a", "b"}
	for i, w := range workers {
		if w.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], w.ID)
		}
		if w.Index != i {
			t.Errorf("worker %s: expected index %d, got %d", w.ID, i, w.Index)
		}
	}
}

func TestInMemoryWorkerStore_DuplicateID(t *testing.T) {
	store := NewInMemoryWorkerStore()
	_ = store.AddWorker(newWorker(store, "a"))

	err := store.AddWorker(newWorker(store, "a"))
	if !errors.Is(err, core.ErrWorkerExists) {
		t.Errorf("Expected ErrWorkerExists, got %v", err)
	}
}

func TestInMemoryWorkerStore_GetWorkerByID(t *testing.T) {
	store := NewInMemoryWorkerStore()
	w := newWorker(store, "a")
	_ = store.AddWorker(w)

	got, err := store.GetWorkerByID("a")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != w {
		t.Error("Expected stored worker pointer")
	}

	if _, err := store.GetWorkerByID("missing"); !errors.Is(err, core.ErrWorkerNotFound) {
		t.Errorf("Expected ErrWorkerNotFound, got %v", err)
	}
}

func TestInMemoryWorkerStore_RemoveWorker(t *testing.T) {
	store := NewInMemoryWorkerStore()
	for _, id := range []string{"a", "b", "c"} {
		_ = store.AddWorker(newWorker(store, id))
	}

	if err := store.RemoveWorker("b"); err != nil {
		t.Fatalf("RemoveWorker failed: %v", err)
	}
	if err := store.RemoveWorker("b"); !errors.Is(err, core.ErrWorkerNotFound) {
		t.Errorf("Expected ErrWorkerNotFound on second removal, got %v", err)
	}

	workers, _ := store.GetAllWorkers()
	if len(workers) != 2 || workers[0].ID != "a" || workers[1].ID != "c" {
		t.Errorf("unexpected workers after removal: %v", workers)
	}

	// indexes are not recycled
	d := newWorker(store, "d")
	if d.Index != 3 {
		t.Errorf("Expected index 3, got %d", d.Index)
	}
}
