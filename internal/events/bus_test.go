package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	bus.Subscribe(c.handle)

	for i := range 100 {
		bus.Publish(Event{Type: JobEnqueued, QueueLen: i})
	}
	bus.Close()

	require.Len(t, c.events, 100)
	for i, e := range c.events {
		assert.Equal(t, i, e.QueueLen)
		assert.False(t, e.Time.IsZero())
	}
}

func TestBus_FilterByType(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	bus.Subscribe(c.handle, InstanceAdded, InstanceIdle)

	bus.Publish(Event{Type: InstanceAdded})
	bus.Publish(Event{Type: JobEnqueued})
	bus.Publish(Event{Type: InstanceIdle})
	bus.Close()

	assert.Equal(t, []Type{InstanceAdded, InstanceIdle}, c.types())
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	bus.Subscribe(func(Event) { <-release })
	fast := &collector{}
	bus.Subscribe(fast.handle)

	done := make(chan struct{})
	go func() {
		for range 1000 {
			bus.Publish(Event{Type: JobDispatched})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	close(release)
	bus.Close()
	assert.Len(t, fast.types(), 1000)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	unsubscribe := bus.Subscribe(c.handle)

	bus.Publish(Event{Type: InstanceAdded})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: InstanceRemoved})
	bus.Close()

	assert.Equal(t, []Type{InstanceAdded}, c.types())
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	bus.Subscribe(c.handle)
	bus.Close()
	bus.Close()

	bus.Publish(Event{Type: InstanceAdded})
	bus.Subscribe(c.handle)()
	assert.Empty(t, c.types())
}
