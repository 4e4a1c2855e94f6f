package core

import (
	"fmt"
	"sync"
)

// Selector picks the worker for the next dispatch. idle holds only idle
// workers, in registration order, and is never empty. Implementations must
// return one of its elements.
type Selector interface {
	Name() string
	Select(idle []*Worker) *Worker
}

const (
	SelectFirstIdle  = "first-idle"
	SelectLRU        = "lru"
	SelectRoundRobin = "round-robin"
)

// SelectorByName returns the policy registered under name.
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", SelectFirstIdle:
		return FirstIdle{}, nil
	case SelectLRU:
		return LeastRecentlyUsed{}, nil
	case SelectRoundRobin:
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}

// FirstIdle picks the earliest registered idle worker.
type FirstIdle struct{}

func (FirstIdle) Name() string { return SelectFirstIdle }

func (FirstIdle) Select(idle []*Worker) *Worker {
	return idle[0]
}

// LeastRecentlyUsed picks the idle worker whose last dispatch is oldest.
// Workers never dispatched come first; ties go to registration order.
type LeastRecentlyUsed struct{}

func (LeastRecentlyUsed) Name() string { return SelectLRU }

func (LeastRecentlyUsed) Select(idle []*Worker) *Worker {
	best := idle[0]
	for _, w := range idle[1:] {
		if w.LastDispatchAt.Before(best.LastDispatchAt) {
			best = w
		}
	}
	return best
}

// RoundRobin walks worker indexes in a ring and picks the first idle worker
// after the one chosen last.
type RoundRobin struct {
	mu   sync.Mutex
	last int
	used bool
}

func (r *RoundRobin) Name() string { return SelectRoundRobin }

func (r *RoundRobin) Select(idle []*Worker) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	chosen := idle[0]
	if r.used {
		for _, w := range idle {
			if w.Index > r.last {
				chosen = w
				break
			}
		}
	}
	r.last = chosen.Index
	r.used = true
	return chosen
}
