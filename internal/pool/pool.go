// Package pool schedules jobs across a registry of worker instances. Jobs wait
// in a weighted queue and are paired with idle workers under a single lock;
// each worker runs at most one job at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nemanja-m/genpool/internal/events"
	"github.com/nemanja-m/genpool/internal/execution"
	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/pool/storage"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/shared/tracing"
	"github.com/nemanja-m/genpool/internal/transport"
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrNoDialer       = errors.New("pool has no dialer")
	ErrNotUnreachable = errors.New("worker is not unreachable")
	ErrGeneratorPanic = errors.New("generator panicked")
)

type Pool struct {
	store      core.WorkerStore
	queue      core.JobQueue
	selector   core.Selector
	bus        *events.Bus
	ownsBus    bool
	dialer     transport.Dialer
	jobTimeout time.Duration
	logger     logging.Logger
	tracer     trace.Tracer
	metrics    *metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

type Option func(*Pool)

func WithStore(s core.WorkerStore) Option {
	return func(p *Pool) { p.store = s }
}

func WithSelector(s core.Selector) Option {
	return func(p *Pool) { p.selector = s }
}

// WithBus publishes pool events on b. The caller keeps ownership of b.
func WithBus(b *events.Bus) Option {
	return func(p *Pool) { p.bus = b }
}

func WithDialer(d transport.Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

// WithDefaultJobTimeout bounds jobs submitted without their own timeout.
func WithDefaultJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.jobTimeout = d }
}

func WithLogger(l logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) { p.tracer = t }
}

func New(opts ...Option) *Pool {
	p := &Pool{
		queue:    core.NewJobQueue(),
		selector: core.FirstIdle{},
		logger:   logging.NewNopLogger(),
		tracer:   tracing.Tracer(),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = storage.NewInMemoryWorkerStore()
	}
	if p.bus == nil {
		p.bus = events.NewBus()
		p.ownsBus = true
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Events returns the bus the pool publishes lifecycle events on.
func (p *Pool) Events() *events.Bus {
	return p.bus
}

// AddWorker registers an idle worker backed by conn and dispatches queued
// jobs to it.
func (p *Pool) AddWorker(conn transport.Conn) (core.Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.Worker{}, ErrPoolClosed
	}
	if _, err := p.store.GetWorkerByID(conn.ID()); err == nil {
		p.mu.Unlock()
		return core.Worker{}, fmt.Errorf("add worker %s: %w", conn.ID(), core.ErrWorkerExists)
	}

	w := &core.Worker{
		ID:       conn.ID(),
		Index:    p.store.NextIndex(),
		Address:  conn.Address(),
		Platform: conn.Platform(),
		State:    core.LoadStateIdle,
		Conn:     conn,
		AddedAt:  time.Now(),
	}
	if err := p.store.AddWorker(w); err != nil {
		p.mu.Unlock()
		return core.Worker{}, fmt.Errorf("add worker %s: %w", conn.ID(), err)
	}
	p.publishWorker(events.InstanceAdded, w, nil)
	added := *w
	p.mu.Unlock()

	p.logger.Info("Worker added", "worker_id", added.ID, "index", added.Index, "address", added.Address, "platform", added.Platform)
	p.dispatch()
	return added, nil
}

// RegisterWorker dials address with the configured dialer and adds the
// resulting connection.
func (p *Pool) RegisterWorker(ctx context.Context, address string) (core.Worker, error) {
	if p.dialer == nil {
		return core.Worker{}, ErrNoDialer
	}
	conn, err := p.dialer(ctx, address)
	if err != nil {
		return core.Worker{}, fmt.Errorf("dial worker %s: %w", address, err)
	}
	w, err := p.AddWorker(conn)
	if err != nil {
		_ = conn.Close()
		return core.Worker{}, err
	}
	return w, nil
}

// RemoveWorker drops a worker from the registry. A job running on it keeps
// running and its outcome is still delivered; the connection is closed once
// the worker is no longer busy.
func (p *Pool) RemoveWorker(id string) error {
	p.mu.Lock()
	w, err := p.store.GetWorkerByID(id)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("remove worker %s: %w", id, err)
	}
	if err := p.store.RemoveWorker(id); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("remove worker %s: %w", id, err)
	}
	busy := w.State == core.LoadStateBusy
	p.publishWorker(events.InstanceRemoved, w, nil)
	p.mu.Unlock()

	p.logger.Info("Worker removed", "worker_id", id, "busy", busy)
	if !busy {
		p.closeConn(w.Conn)
	}
	return nil
}

// Readmit returns an unreachable worker to the idle set and dispatches.
func (p *Pool) Readmit(id string) error {
	p.mu.Lock()
	w, err := p.store.GetWorkerByID(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if w.State != core.LoadStateUnreachable {
		p.mu.Unlock()
		return ErrNotUnreachable
	}
	w.State = core.LoadStateIdle
	w.UnreachableSince = time.Time{}
	p.publishWorker(events.InstanceReadmitted, w, nil)
	p.mu.Unlock()

	p.logger.Info("Worker readmitted", "worker_id", id)
	p.dispatch()
	return nil
}

// MarkUnreachable excludes an idle worker from selection. Busy workers are
// left alone; their job outcome decides their state.
func (p *Pool) MarkUnreachable(id string, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.store.GetWorkerByID(id)
	if err != nil {
		return err
	}
	if w.State != core.LoadStateIdle {
		return nil
	}
	w.State = core.LoadStateUnreachable
	w.UnreachableSince = time.Now()
	p.publishWorker(events.InstanceUnreachable, w, cause)
	p.logger.Warn("Worker marked unreachable", "worker_id", id, "error", cause)
	return nil
}

// Workers returns copies of all registered workers in registration order.
func (p *Pool) Workers() []core.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	all, _ := p.store.GetAllWorkers()
	out := make([]core.Worker, 0, len(all))
	for _, w := range all {
		out = append(out, *w)
	}
	return out
}

func (p *Pool) Worker(id string) (core.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.store.GetWorkerByID(id)
	if err != nil {
		return core.Worker{}, err
	}
	return *w, nil
}

// Close refuses new work, fails queued jobs with ErrPoolClosed and waits for
// running jobs. When ctx ends first, running jobs are canceled and Close
// returns ctx.Err().
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	drained := p.queue.Drain()
	for _, job := range drained {
		p.publishJob(events.JobFailed, job, nil, ErrPoolClosed)
	}
	p.mu.Unlock()

	for _, job := range drained {
		job.Fail(ErrPoolClosed)
	}
	if len(drained) > 0 {
		p.logger.Warn("Failed queued jobs on close", "count", len(drained))
	}

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		err = ctx.Err()
	}
	p.cancel()

	p.mu.Lock()
	workers, _ := p.store.GetAllWorkers()
	p.mu.Unlock()
	for _, w := range workers {
		p.closeConn(w.Conn)
	}
	if p.ownsBus {
		p.bus.Close()
	}
	return err
}

func (p *Pool) enqueue(jobs []*core.Job, weight int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	now := time.Now()
	for _, job := range jobs {
		job.ID = uuid.NewString()
		job.Weight = weight
		job.EnqueuedAt = now
		if job.Timeout == 0 {
			job.Timeout = p.jobTimeout
		}
	}
	if err := p.queue.PushBatch(jobs, weight); err != nil {
		p.mu.Unlock()
		return err
	}
	for _, job := range jobs {
		p.publishJob(events.JobEnqueued, job, nil, nil)
	}
	p.mu.Unlock()

	p.logger.Debug("Jobs enqueued", "count", len(jobs), "weight", weight)
	p.dispatch()
	return nil
}

type assignment struct {
	job    *core.Job
	worker core.Worker
}

// dispatch pairs queued jobs with idle workers until either runs out.
func (p *Pool) dispatch() {
	p.mu.Lock()
	var assigned []assignment
	for !p.closed && p.queue.Len() > 0 {
		idle := p.idleWorkers()
		if len(idle) == 0 {
			break
		}
		w := p.selector.Select(idle)
		job, err := p.queue.Pop()
		if err != nil {
			break
		}
		w.State = core.LoadStateBusy
		w.LastDispatchAt = time.Now()
		w.Dispatched++
		p.publishWorker(events.InstanceBusy, w, nil)
		p.publishJob(events.JobDispatched, job, w, nil)
		p.metrics.dispatched(w.LastDispatchAt.Sub(job.EnqueuedAt))
		p.running.Add(1)
		assigned = append(assigned, assignment{job: job, worker: *w})
	}
	p.mu.Unlock()

	for _, a := range assigned {
		p.logger.Debug("Job dispatched", "job_id", a.job.ID, "worker_id", a.worker.ID, "weight", a.job.Weight)
		go p.execute(a.job, a.worker)
	}
}

func (p *Pool) idleWorkers() []*core.Worker {
	all, err := p.store.GetAllWorkers()
	if err != nil {
		p.logger.Error("Failed to list workers", "error", err)
		return nil
	}
	idle := make([]*core.Worker, 0, len(all))
	for _, w := range all {
		if w.State == core.LoadStateIdle {
			idle = append(idle, w)
		}
	}
	return idle
}

func (p *Pool) execute(job *core.Job, w core.Worker) {
	defer p.running.Done()

	ctx := p.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	ctx, span := p.tracer.Start(ctx, "pool.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.label", job.Label),
		attribute.Int("job.weight", job.Weight),
		attribute.String("worker.id", w.ID),
	))

	started := time.Now()
	err := job.Run(ctx, w)
	elapsed := time.Since(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	p.release(job, w, elapsed, err)
	p.dispatch()
}

func (p *Pool) release(job *core.Job, w core.Worker, elapsed time.Duration, err error) {
	p.mu.Lock()
	p.metrics.finished(elapsed, err == nil)

	current, lookupErr := p.store.GetWorkerByID(w.ID)
	removed := lookupErr != nil || current.Index != w.Index
	if !removed {
		if isUnreachable(err) {
			current.State = core.LoadStateUnreachable
			current.UnreachableSince = time.Now()
			p.publishWorker(events.InstanceUnreachable, current, err)
		} else {
			current.State = core.LoadStateIdle
			p.publishWorker(events.InstanceIdle, current, nil)
		}
	}
	if err != nil {
		p.publishJob(events.JobFailed, job, &w, err)
	} else {
		p.publishJob(events.JobCompleted, job, &w, nil)
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		p.logger.Debug("Job completed", "job_id", job.ID, "worker_id", w.ID, "duration", elapsed)
	case isUnreachable(err):
		p.logger.Warn("Worker unreachable", "worker_id", w.ID, "job_id", job.ID, "error", err)
	default:
		p.logger.Info("Job failed", "job_id", job.ID, "worker_id", w.ID, "error", err)
	}
	if removed {
		p.closeConn(w.Conn)
	}
}

func isUnreachable(err error) bool {
	return errors.Is(err, execution.ErrWorkerUnreachable) || errors.Is(err, transport.ErrUnreachable)
}

func (p *Pool) closeConn(conn transport.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Warn("Failed to close worker connection", "worker_id", conn.ID(), "error", err)
	}
}

// publish* must be called with p.mu held so that event order follows state
// changes.
func (p *Pool) publishWorker(t events.Type, w *core.Worker, err error) {
	e := events.Event{
		Type:        t,
		WorkerID:    w.ID,
		WorkerIndex: w.Index,
		QueueLen:    p.queue.Len(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.bus.Publish(e)
}

func (p *Pool) publishJob(t events.Type, job *core.Job, w *core.Worker, err error) {
	e := events.Event{
		Type:        t,
		JobID:       job.ID,
		Weight:      job.Weight,
		WorkerIndex: -1,
		QueueLen:    p.queue.Len(),
	}
	if w != nil {
		e.WorkerID = w.ID
		e.WorkerIndex = w.Index
	}
	if err != nil {
		e.Error = err.Error()
	}
	p.bus.Publish(e)
}
