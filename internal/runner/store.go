package runner

import (
	"fmt"
	"sync"
)

// InMemoryJobStore keeps records in submission order.
type InMemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*JobRecord
	order []string
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[string]*JobRecord),
	}
}

func (s *InMemoryJobStore) Save(record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[record.ID]; exists {
		return fmt.Errorf("job %s already saved", record.ID)
	}
	s.jobs[record.ID] = record.Clone()
	s.order = append(s.order, record.ID)
	return nil
}

func (s *InMemoryJobStore) Update(id string, fn func(*JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	fn(job)
	return nil
}

func (s *InMemoryJobStore) Get(id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns the page of matching records and the total number of matches.
// A zero Limit returns every match from Offset on.
func (s *InMemoryJobStore) List(filter JobFilter) ([]*JobRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*JobRecord
	for _, id := range s.order {
		job := s.jobs[id]
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.Template != "" && job.Template != filter.Template {
			continue
		}
		if filter.BatchID != "" && job.BatchID != filter.BatchID {
			continue
		}
		filtered = append(filtered, job)
	}

	total := len(filtered)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	page := make([]*JobRecord, 0, end-start)
	for _, job := range filtered[start:end] {
		page = append(page, job.Clone())
	}
	return page, total, nil
}
