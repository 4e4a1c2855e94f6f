package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nemanja-m/genpool/internal/pool/core"
)

// Generator produces one job's value on the worker it was paired with. w is
// a copy; w.Index identifies the worker in the pool registry.
type Generator[T any] func(ctx context.Context, w core.Worker) (T, error)

type jobOptions struct {
	timeout time.Duration
	label   string
}

type JobOption func(*jobOptions)

// WithJobTimeout bounds the generator run, overriding the pool default.
func WithJobTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = d }
}

func WithLabel(label string) JobOption {
	return func(o *jobOptions) { o.label = label }
}

// Future resolves once with the outcome of one job.
type Future[T any] struct {
	id     string
	worker string
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(worker string, v T, err error) {
	f.once.Do(func() {
		f.worker = worker
		f.value = v
		f.err = err
		close(f.done)
	})
}

// ID returns the pool job id, or "" when the job was never queued.
func (f *Future[T]) ID() string { return f.id }

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the job resolves or ctx ends. A canceled wait leaves the
// job running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WorkerID returns the worker the job ran on once resolved.
func (f *Future[T]) WorkerID() string {
	select {
	case <-f.done:
		return f.worker
	default:
		return ""
	}
}

// Outcome is the result of one job of a batch.
type Outcome[T any] struct {
	JobID    string
	WorkerID string
	Value    T
	Err      error
}

// BatchFuture aggregates the futures of one batch in submission order.
type BatchFuture[T any] struct {
	futures []*Future[T]
}

func (b *BatchFuture[T]) Len() int { return len(b.futures) }

func (b *BatchFuture[T]) Futures() []*Future[T] {
	return append([]*Future[T](nil), b.futures...)
}

// Await waits for every job of the batch. A failed job never stops the wait
// for its siblings.
func (b *BatchFuture[T]) Await(ctx context.Context) ([]Outcome[T], error) {
	out := make([]Outcome[T], len(b.futures))
	for i, f := range b.futures {
		v, err := f.Await(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		out[i] = Outcome[T]{JobID: f.ID(), WorkerID: f.WorkerID(), Value: v, Err: err}
	}
	return out, nil
}

// Values waits for the batch and returns the values in submission order with
// every job failure joined into one error.
func (b *BatchFuture[T]) Values(ctx context.Context) ([]T, error) {
	outcomes, err := b.Await(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]T, len(outcomes))
	var errs []error
	for i, o := range outcomes {
		values[i] = o.Value
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("job %d (%s): %w", i, o.JobID, o.Err))
		}
	}
	return values, errors.Join(errs...)
}

// Submit queues one job at weight. Lower weights run first; equal weights run
// in submission order.
func Submit[T any](p *Pool, weight int, fn Generator[T], opts ...JobOption) *Future[T] {
	return SubmitBatch(p, weight, []Generator[T]{fn}, opts...).futures[0]
}

// SubmitBatch queues jobs as one batch: they share a single insertion
// sequence at weight and keep their relative order.
func SubmitBatch[T any](p *Pool, weight int, fns []Generator[T], opts ...JobOption) *BatchFuture[T] {
	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}

	batch := &BatchFuture[T]{futures: make([]*Future[T], len(fns))}
	jobs := make([]*core.Job, len(fns))
	for i, fn := range fns {
		f := newFuture[T]()
		batch.futures[i] = f
		jobs[i] = &core.Job{
			Label:   o.label,
			Timeout: o.timeout,
			Run: func(ctx context.Context, w core.Worker) error {
				v, err := call(ctx, fn, w)
				f.resolve(w.ID, v, err)
				return err
			},
			Fail: func(err error) {
				var zero T
				f.resolve("", zero, err)
			},
		}
	}
	if len(jobs) == 0 {
		return batch
	}

	if err := p.enqueue(jobs, weight); err != nil {
		for _, job := range jobs {
			job.Fail(err)
		}
		return batch
	}
	for i, job := range jobs {
		batch.futures[i].id = job.ID
	}
	return batch
}

func call[T any](ctx context.Context, fn Generator[T], w core.Worker) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrGeneratorPanic, r, debug.Stack())
		}
	}()
	if fn == nil {
		return v, errors.New("nil generator")
	}
	return fn(ctx, w)
}
