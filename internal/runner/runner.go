// Package runner submits catalog templates to the pool and keeps a record of
// every job it creates.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/genpool/internal/execution"
	"github.com/nemanja-m/genpool/internal/pool"
	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/transport"
	"github.com/nemanja-m/genpool/internal/workflow"
)

const defaultSeedKey = "seed"

var ErrInvalidRequest = errors.New("invalid request")

// Request asks for Count prompts of one template.
type Request struct {
	Template string
	Inputs   map[string]any
	Weight   int
	Count    int
	// SeedStep, when non-zero, gives job i the seed input plus i*SeedStep.
	SeedStep int64
	SeedKey  string
	Timeout  time.Duration
}

type Runner struct {
	pool         *pool.Pool
	catalog      *workflow.Catalog
	store        JobStore
	startTimeout time.Duration
	logger       logging.Logger
}

type Option func(*Runner)

// WithStartTimeout fails jobs whose worker does not start within d.
func WithStartTimeout(d time.Duration) Option {
	return func(r *Runner) { r.startTimeout = d }
}

func WithLogger(l logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(p *pool.Pool, catalog *workflow.Catalog, store JobStore, opts ...Option) *Runner {
	r := &Runner{
		pool:    p,
		catalog: catalog,
		store:   store,
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Catalog() *workflow.Catalog { return r.catalog }

func (r *Runner) Job(id string) (*JobRecord, error) {
	return r.store.Get(id)
}

func (r *Runner) Jobs(filter JobFilter) ([]*JobRecord, int, error) {
	return r.store.List(filter)
}

// Submission is one accepted request.
type Submission struct {
	BatchID string
	JobIDs  []string

	store    JobStore
	done     chan struct{}
	outcomes []pool.Outcome[*execution.Result]
}

// Wait blocks until every job of the submission has an outcome and returns
// the final records in submission order.
func (s *Submission) Wait(ctx context.Context) ([]*JobRecord, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	records := make([]*JobRecord, 0, len(s.JobIDs))
	for _, id := range s.JobIDs {
		rec, err := s.store.Get(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Outcomes returns the pool outcomes once Wait has returned.
func (s *Submission) Outcomes() []pool.Outcome[*execution.Result] {
	select {
	case <-s.done:
		return s.outcomes
	default:
		return nil
	}
}

type plan struct {
	entry    *workflow.Entry
	base     *workflow.Snapshot
	paths    map[string]string
	seedKey  string
	seedBase int64
}

// Submit validates the request against its template, records one job per
// prompt and queues them on the pool as a single batch.
func (r *Runner) Submit(ctx context.Context, req Request) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Count < 0 {
		return nil, fmt.Errorf("%w: negative count", ErrInvalidRequest)
	}
	p, err := r.plan(req)
	if err != nil {
		return nil, err
	}

	count := max(req.Count, 1)
	batchID := uuid.NewString()
	now := time.Now()
	sub := &Submission{BatchID: batchID, store: r.store, done: make(chan struct{})}

	gens := make([]pool.Generator[*execution.Result], count)
	for i := range count {
		snap := p.base
		if req.SeedStep != 0 && p.seedKey != "" {
			snap, err = snap.With(p.seedKey, p.seedBase+int64(i)*req.SeedStep)
			if err != nil {
				return nil, err
			}
		}

		rec := &JobRecord{
			ID:          uuid.NewString(),
			BatchID:     batchID,
			Template:    req.Template,
			Index:       i,
			Weight:      req.Weight,
			Status:      JobStatusQueued,
			Inputs:      inputsOf(snap, p.paths),
			SubmittedAt: now,
		}
		if err := r.store.Save(rec); err != nil {
			return nil, fmt.Errorf("save job: %w", err)
		}
		sub.JobIDs = append(sub.JobIDs, rec.ID)
		gens[i] = r.generator(rec.ID, snap, p.paths)
	}

	opts := []pool.JobOption{pool.WithLabel(req.Template)}
	if req.Timeout > 0 {
		opts = append(opts, pool.WithJobTimeout(req.Timeout))
	}
	batch := pool.SubmitBatch(r.pool, req.Weight, gens, opts...)
	for i, f := range batch.Futures() {
		if err := r.store.Update(sub.JobIDs[i], func(rec *JobRecord) { rec.PoolJobID = f.ID() }); err != nil {
			r.logger.Error("Failed to record pool job id", "job_id", sub.JobIDs[i], "error", err)
		}
	}

	r.logger.Info("Template submitted", "template", req.Template, "batch_id", batchID, "count", count, "weight", req.Weight)
	go r.track(sub, batch)
	return sub, nil
}

func (r *Runner) plan(req Request) (*plan, error) {
	entry, err := r.catalog.Get(req.Template)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(req.Inputs))
	paths := make(map[string]string)
	for k, v := range req.Inputs {
		if !entry.IsPathInput(k) {
			values[k] = v
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: path input %q must be a string", ErrInvalidRequest, k)
		}
		paths[k] = s
	}

	base, err := entry.Template.Snapshot().WithValues(values)
	if err != nil {
		return nil, err
	}

	// path inputs are encoded per worker; validate the request with raw values
	check, err := base.WithValues(toAny(paths))
	if err != nil {
		return nil, err
	}
	if _, err := check.Materialize(); err != nil {
		return nil, err
	}

	p := &plan{entry: entry, base: base, paths: paths}
	if req.SeedStep != 0 {
		p.seedKey = req.SeedKey
		if p.seedKey == "" {
			p.seedKey = defaultSeedKey
		}
		if !slices.Contains(entry.Template.Inputs(), p.seedKey) {
			return nil, fmt.Errorf("%w: template %s has no %q input", ErrInvalidRequest, req.Template, p.seedKey)
		}
		if v, ok := base.Value(p.seedKey); ok {
			seed, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, p.seedKey, err)
			}
			p.seedBase = seed
		}
	}
	return p, nil
}

func (r *Runner) generator(id string, snap *workflow.Snapshot, paths map[string]string) pool.Generator[*execution.Result] {
	return func(ctx context.Context, w core.Worker) (*execution.Result, error) {
		for _, k := range slices.Sorted(maps.Keys(paths)) {
			next, err := snap.WithPath(k, paths[k], w.Platform)
			if err != nil {
				return nil, err
			}
			snap = next
		}
		prompt, err := snap.Materialize()
		if err != nil {
			return nil, err
		}

		r.update(id, func(rec *JobRecord) {
			started := time.Now()
			rec.Status = JobStatusRunning
			rec.WorkerID = w.ID
			rec.StartedAt = &started
		})

		h := execution.New(w.Conn, prompt,
			execution.WithObserver(r.observer(id)),
			execution.WithStartTimeout(r.startTimeout),
			execution.WithLogger(r.logger),
		)
		return h.Run(ctx)
	}
}

func (r *Runner) observer(id string) execution.Observer {
	return func(e execution.Event) {
		switch ev := e.(type) {
		case execution.Pending:
			r.update(id, func(rec *JobRecord) { rec.PromptID = ev.PromptID })
		case execution.Progress:
			r.update(id, func(rec *JobRecord) {
				if rec.Progress == nil {
					rec.Progress = make(map[string]NodeProgress)
				}
				rec.Progress[ev.Node] = NodeProgress{Value: ev.Value, Max: ev.Max}
			})
		case execution.Preview:
			r.update(id, func(rec *JobRecord) { rec.Previews++ })
		}
	}
}

// track records the final outcome of every job of a submission.
func (r *Runner) track(sub *Submission, batch *pool.BatchFuture[*execution.Result]) {
	defer close(sub.done)

	outcomes, err := batch.Await(context.Background())
	if err != nil {
		r.logger.Error("Failed to await batch", "batch_id", sub.BatchID, "error", err)
		return
	}
	sub.outcomes = outcomes

	for i, o := range outcomes {
		r.update(sub.JobIDs[i], func(rec *JobRecord) {
			finished := time.Now()
			rec.FinishedAt = &finished
			if o.WorkerID != "" {
				rec.WorkerID = o.WorkerID
			}
			if o.Err != nil {
				rec.Status = JobStatusFailed
				rec.Error = o.Err.Error()
				return
			}
			rec.Status = JobStatusSucceeded
			rec.PromptID = o.Value.PromptID
			rec.Outputs = o.Value.Outputs
			rec.Artifacts = r.artifactURLs(o.WorkerID, o.Value)
		})
	}
}

func (r *Runner) artifactURLs(workerID string, res *execution.Result) map[string][]string {
	if len(res.Artifacts) == 0 {
		return nil
	}
	w, err := r.pool.Worker(workerID)
	if err != nil {
		return nil
	}
	resolver, ok := w.Conn.(transport.Resolver)
	if !ok {
		return nil
	}
	urls := make(map[string][]string, len(res.Artifacts))
	for key, arts := range res.Artifacts {
		for _, a := range arts {
			urls[key] = append(urls[key], resolver.ArtifactURL(a))
		}
	}
	return urls
}

func (r *Runner) update(id string, fn func(*JobRecord)) {
	if err := r.store.Update(id, fn); err != nil {
		r.logger.Error("Failed to update job record", "job_id", id, "error", err)
	}
}

func inputsOf(snap *workflow.Snapshot, paths map[string]string) map[string]any {
	out := make(map[string]any)
	for _, k := range snap.Template().Inputs() {
		if v, ok := snap.Value(k); ok {
			out[k] = v
		}
	}
	for k, v := range paths {
		out[k] = v
	}
	return out
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
