package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log(msg) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log(msg) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log(msg) }
func (m *mockLogger) Error(msg string, args ...any) { m.log(msg) }
func (m *mockLogger) Fatal(msg string, args ...any) { m.log(msg) }

func (m *mockLogger) log(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

type published struct {
	subject string
	data    []byte
}

type mockPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *mockPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func TestNATSSink_PublishesPerType(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	for _, ct := range []string{"json", "cbor", "proto"} {
		t.Run(ct, func(t *testing.T) {
			codec, err := registry.Get(ct)
			require.NoError(t, err)

			pub := &mockPublisher{}
			sink := NewNATSSink(pub, "genpool.events", codec, &mockLogger{})
			bus := NewBus()
			sink.Attach(bus)

			bus.Publish(Event{
				Type:        JobDispatched,
				Time:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
				WorkerID:    "w-1",
				WorkerIndex: 2,
				JobID:       "job-7",
				Weight:      10,
			})
			bus.Close()

			require.Len(t, pub.msgs, 1)
			assert.Equal(t, "genpool.events.job.dispatched", pub.msgs[0].subject)

			var got Event
			require.NoError(t, codec.Unmarshal(pub.msgs[0].data, &got))
			assert.Equal(t, JobDispatched, got.Type)
			assert.Equal(t, "w-1", got.WorkerID)
			assert.Equal(t, 2, got.WorkerIndex)
			assert.Equal(t, "job-7", got.JobID)
			assert.Equal(t, 10, got.Weight)
			assert.True(t, got.Time.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
		})
	}
}

func TestNATSSink_PublishFailureIsLogged(t *testing.T) {
	pub := &mockPublisher{err: errors.New("nats: connection closed")}
	logger := &mockLogger{}
	sink := NewNATSSink(pub, "genpool.events", JSON(), logger)

	sink.Handle(Event{Type: InstanceAdded})

	assert.Equal(t, []string{"Failed to publish event"}, logger.messages)
}

func TestRegistry_UnknownContentType(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	_, err = registry.Get("application/xml")
	assert.Error(t, err)
}
