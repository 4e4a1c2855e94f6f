package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/transport/transporttest"
)

type mockRegistry struct {
	mu          sync.Mutex
	workers     []core.Worker
	marked      []string
	readmitted  []string
	removed     []string
	removeErr   error
	listedCount int
}

func (m *mockRegistry) Workers() []core.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listedCount++
	return append([]core.Worker(nil), m.workers...)
}

func (m *mockRegistry) MarkUnreachable(id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, id)
	return nil
}

func (m *mockRegistry) Readmit(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readmitted = append(m.readmitted, id)
	return nil
}

func (m *mockRegistry) RemoveWorker(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockRegistry) snapshot() (marked, readmitted, removed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.marked), slices.Clone(m.readmitted), slices.Clone(m.removed)
}

func (m *mockRegistry) getListedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listedCount
}

type healthTestLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *healthTestLogger) Debug(msg string, args ...any) { l.add(msg) }
func (l *healthTestLogger) Info(msg string, args ...any)  { l.add(msg) }
func (l *healthTestLogger) Warn(msg string, args ...any)  { l.add(msg) }
func (l *healthTestLogger) Error(msg string, args ...any) { l.add(msg) }
func (l *healthTestLogger) Fatal(msg string, args ...any) { l.add(msg) }

func (l *healthTestLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *healthTestLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.messages...)
}

func worker(id string, state core.LoadState, conn *transporttest.Conn) core.Worker {
	return core.Worker{ID: id, State: state, Conn: conn}
}

func TestHealthChecker_Check(t *testing.T) {
	down := errors.New("connection refused")

	healthy := transporttest.New("healthy")
	failing := transporttest.New("failing")
	failing.SetPingError(down)
	recovered := transporttest.New("recovered")
	stillDown := transporttest.New("still-down")
	stillDown.SetPingError(down)
	expired := transporttest.New("expired")
	expired.SetPingError(down)
	busy := transporttest.New("busy")
	busy.SetPingError(down)

	expiredWorker := worker("expired", core.LoadStateUnreachable, expired)
	expiredWorker.UnreachableSince = time.Now().Add(-time.Hour)
	stillDownWorker := worker("still-down", core.LoadStateUnreachable, stillDown)
	stillDownWorker.UnreachableSince = time.Now()

	registry := &mockRegistry{workers: []core.Worker{
		worker("healthy", core.LoadStateIdle, healthy),
		worker("failing", core.LoadStateIdle, failing),
		worker("recovered", core.LoadStateUnreachable, recovered),
		stillDownWorker,
		expiredWorker,
		worker("busy", core.LoadStateBusy, busy),
	}}

	checker := NewHealthChecker(time.Second, time.Second, time.Minute, registry, &healthTestLogger{})
	checker.Check(context.Background())

	marked, readmitted, removed := registry.snapshot()
	if !slices.Equal(marked, []string{"failing"}) {
		t.Errorf("expected only failing to be marked, got %v", marked)
	}
	if !slices.Equal(readmitted, []string{"recovered"}) {
		t.Errorf("expected only recovered to be readmitted, got %v", readmitted)
	}
	if !slices.Equal(removed, []string{"expired"}) {
		t.Errorf("expected only expired to be removed, got %v", removed)
	}
}

func TestHealthChecker_ZeroRemoveAfterKeepsWorkers(t *testing.T) {
	conn := transporttest.New("down")
	conn.SetPingError(errors.New("down"))
	w := worker("down", core.LoadStateUnreachable, conn)
	w.UnreachableSince = time.Now().Add(-24 * time.Hour)

	registry := &mockRegistry{workers: []core.Worker{w}}
	NewHealthChecker(time.Second, time.Second, 0, registry, &healthTestLogger{}).Check(context.Background())

	if _, _, removed := registry.snapshot(); len(removed) != 0 {
		t.Errorf("expected no removals, got %v", removed)
	}
}

func TestHealthChecker_LogsRemoveFailure(t *testing.T) {
	conn := transporttest.New("down")
	conn.SetPingError(errors.New("down"))
	w := worker("down", core.LoadStateUnreachable, conn)
	w.UnreachableSince = time.Now().Add(-time.Hour)

	registry := &mockRegistry{workers: []core.Worker{w}, removeErr: errors.New("store failure")}
	logger := &healthTestLogger{}
	NewHealthChecker(time.Second, time.Second, time.Minute, registry, logger).Check(context.Background())

	if !slices.Contains(logger.getMessages(), "Failed to remove unreachable worker") {
		t.Errorf("expected remove failure to be logged, got %v", logger.getMessages())
	}
}

func TestHealthChecker_StopsOnContextCancel(t *testing.T) {
	registry := &mockRegistry{}
	checker := NewHealthChecker(5*time.Millisecond, time.Second, 0, registry, &healthTestLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop after context cancel")
	}
	if registry.getListedCount() == 0 {
		t.Error("expected at least one check cycle")
	}
}

func TestHealthChecker_ReadmitsPoolWorker(t *testing.T) {
	p := newTestPool(t)
	conn := transporttest.New("w-1")
	_, err := p.AddWorker(conn)
	if err != nil {
		t.Fatalf("AddWorker failed: %v", err)
	}

	checker := NewHealthChecker(time.Second, time.Second, 0, p, &healthTestLogger{})

	conn.SetPingError(errors.New("down"))
	checker.Check(context.Background())
	if w, _ := p.Worker("w-1"); w.State != core.LoadStateUnreachable {
		t.Fatalf("expected unreachable, got %s", w.State)
	}

	f := Submit(p, 0, func(ctx context.Context, w core.Worker) (string, error) { return w.ID, nil })

	conn.SetPingError(nil)
	checker.Check(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	id, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if id != "w-1" {
		t.Errorf("expected w-1, got %s", id)
	}
}
