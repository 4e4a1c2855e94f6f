package storage

import (
	"sync"

	"github.com/nemanja-m/genpool/internal/pool/core"
)

// InMemoryWorkerStore keeps workers in registration order.
type InMemoryWorkerStore struct {
	mu      sync.RWMutex
	workers map[string]*core.Worker
	order   []string
	next    int
}

func NewInMemoryWorkerStore() *InMemoryWorkerStore {
	return &InMemoryWorkerStore{
		workers: make(map[string]*core.Worker),
	}
}

func (s *InMemoryWorkerStore) AddWorker(worker *core.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[worker.ID]; exists {
		return core.ErrWorkerExists
	}
	s.workers[worker.ID] = worker
	s.order = append(s.order, worker.ID)
	return nil
}

func (s *InMemoryWorkerStore) GetWorkerByID(id string) (*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worker, exists := s.workers[id]
	if !exists {
		return nil, core.ErrWorkerNotFound
	}
	return worker, nil
}

func (s *InMemoryWorkerStore) GetAllWorkers() ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make([]*core.Worker, 0, len(s.order))
	for _, id := range s.order {
		workers = append(workers, s.workers[id])
	}
	return workers, nil
}

func (s *InMemoryWorkerStore) RemoveWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[id]; !exists {
		return core.ErrWorkerNotFound
	}
	delete(s.workers, id)
	for i, wid := range s.order {
		if wid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// NextIndex hands out increasing indexes; indexes of removed workers are
// never reused.
func (s *InMemoryWorkerStore) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next
	s.next++
	return idx
}
