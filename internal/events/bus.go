package events

import (
	"slices"
	"sync"
	"time"
)

// Handler observes events. It runs on the subscriber's own goroutine.
type Handler func(Event)

// Bus fans events out to subscribers. Each subscriber owns an unbounded FIFO,
// so Publish returns immediately and a slow handler only delays itself.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	handler Handler
	types   []Type

	mu      sync.Mutex
	queue   []Event
	signal  chan struct{}
	stopped bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers h for the given event types, or for every type when
// none are given. The returned function unsubscribes; events already queued
// for h are still delivered.
func (b *Bus) Subscribe(h Handler, types ...Type) func() {
	s := &subscriber{handler: h, types: types, signal: make(chan struct{}, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		s.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Publish stamps e and queues it for every interested subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if len(s.types) == 0 || slices.Contains(s.types, e.Type) {
			s.push(e)
		}
	}
}

// Close stops accepting events and waits until every subscriber drained its queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.signal {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				stopped := s.stopped
				s.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, e := range batch {
				s.handler(e)
			}
		}
	}
}
