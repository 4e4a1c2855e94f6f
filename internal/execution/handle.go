// Package execution drives one prompt on one worker and turns the worker's
// push events into an ordered state sequence with exactly one terminal outcome.
package execution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/shared/tracing"
	"github.com/nemanja-m/genpool/internal/transport"
	"github.com/nemanja-m/genpool/internal/workflow"
)

// Counter is the last reported progress of a node.
type Counter struct {
	Value int
	Max   int
}

// Result is the outcome of a finished handle.
type Result struct {
	PromptID string
	WorkerID string
	// Outputs maps output keys to the output object of their bound node.
	Outputs   map[string]any
	Artifacts map[string][]transport.Artifact
	Progress  map[string]Counter
	Previews  int
	Duration  time.Duration
}

type Handle struct {
	conn         transport.Conn
	prompt       workflow.Prompt
	observer     Observer
	startTimeout time.Duration
	timeout      time.Duration
	logger       logging.Logger
	tracer       trace.Tracer

	ran atomic.Bool

	mu       sync.Mutex
	state    State
	history  []State
	promptID string
}

type Option func(*Handle)

func WithObserver(o Observer) Option {
	return func(h *Handle) { h.observer = o }
}

// WithStartTimeout fails the handle when the worker does not signal start
// within d of accepting the prompt.
func WithStartTimeout(d time.Duration) Option {
	return func(h *Handle) { h.startTimeout = d }
}

// WithTimeout bounds the whole execution, from submission to terminal event.
func WithTimeout(d time.Duration) Option {
	return func(h *Handle) { h.timeout = d }
}

func WithLogger(l logging.Logger) Option {
	return func(h *Handle) { h.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(h *Handle) { h.tracer = t }
}

func New(conn transport.Conn, prompt workflow.Prompt, opts ...Option) *Handle {
	h := &Handle{
		conn:    conn,
		prompt:  prompt,
		logger:  logging.NewNopLogger(),
		tracer:  tracing.Tracer(),
		state:   StateCreated,
		history: []State{StateCreated},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Transitions returns every state the handle entered, starting with CREATED.
func (h *Handle) Transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.history...)
}

func (h *Handle) PromptID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.promptID
}

// Run submits the prompt and blocks until the first terminal event. A handle
// can only be run once.
func (h *Handle) Run(ctx context.Context) (*Result, error) {
	if !h.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}

	ctx, span := h.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("worker.id", h.conn.ID()),
		attribute.String("worker.address", h.conn.Address()),
	))
	defer span.End()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	run := &runState{
		startedAt: time.Now(),
		progress:  make(map[string]Counter),
	}

	promptID, err := h.conn.Submit(ctx, h.prompt.Graph)
	if err != nil {
		return nil, h.fail(span, &Error{Kind: classify(err, true), WorkerID: h.conn.ID(), Err: err})
	}

	h.mu.Lock()
	h.promptID = promptID
	h.mu.Unlock()
	span.SetAttributes(attribute.String("prompt.id", promptID))
	h.transition(StateSubmitted)
	h.emit(span, Pending{PromptID: promptID})
	h.logger.Debug("Prompt submitted", "prompt_id", promptID, "worker_id", h.conn.ID())

	events, unsubscribe, err := h.conn.Subscribe(ctx, promptID)
	if err != nil {
		h.interrupt(promptID)
		return nil, h.fail(span, h.newError(classify(err, false), "subscribe to events", err))
	}
	defer unsubscribe()

	var watchdog <-chan time.Time
	if h.startTimeout > 0 {
		t := time.NewTimer(h.startTimeout)
		defer t.Stop()
		watchdog = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.interrupt(promptID)
			return nil, h.fail(span, h.newError(classify(ctx.Err(), false), "", ctx.Err()))

		case <-watchdog:
			h.interrupt(promptID)
			msg := fmt.Sprintf("worker did not start within %s", h.startTimeout)
			return nil, h.fail(span, h.newError(ErrTimeout, msg, nil))

		case msg, ok := <-events:
			if !ok {
				return nil, h.fail(span, h.newError(ErrWorkerUnreachable, "event stream closed before a terminal event", transport.ErrUnreachable))
			}
			if msg.PromptID != "" && msg.PromptID != promptID {
				continue
			}

			res, done, err := h.apply(span, run, msg)
			if h.State() >= StateRunning {
				watchdog = nil
			}
			if done {
				if err != nil {
					return nil, h.fail(span, err)
				}
				span.SetStatus(codes.Ok, "")
				return res, nil
			}
		}
	}
}

type runState struct {
	startedAt time.Time
	progress  map[string]Counter
	previews  int
}

// apply advances the state machine for one message. done reports a terminal event.
func (h *Handle) apply(span trace.Span, run *runState, msg transport.Message) (*Result, bool, error) {
	promptID := h.PromptID()

	switch msg.Kind {
	case transport.KindPending:
		return nil, false, nil

	case transport.KindStarted:
		h.ensureStarted(span, promptID)
		return nil, false, nil

	case transport.KindProgress:
		h.ensureStarted(span, promptID)
		run.progress[msg.Node] = Counter{Value: msg.Value, Max: msg.Max}
		h.transition(StateProgress)
		h.emit(span, Progress{PromptID: promptID, Node: msg.Node, Value: msg.Value, Max: msg.Max})
		return nil, false, nil

	case transport.KindPreview:
		h.ensureStarted(span, promptID)
		run.previews++
		h.emit(span, Preview{PromptID: promptID, Data: msg.Data, MIME: msg.MIME})
		return nil, false, nil

	case transport.KindFinished:
		h.ensureStarted(span, promptID)
		res := h.result(run, msg)
		h.transition(StateFinished)
		h.emit(span, Finished{PromptID: promptID, Outputs: maps.Clone(res.Outputs)})
		h.logger.Debug("Prompt finished", "prompt_id", promptID, "worker_id", h.conn.ID(), "duration_ms", res.Duration.Milliseconds())
		return res, true, nil

	case transport.KindFailed:
		kind := ErrExecution
		if errors.Is(msg.Err, transport.ErrUnreachable) {
			kind = ErrWorkerUnreachable
		}
		e := h.newError(kind, "", msg.Err)
		e.Node = msg.Node
		return nil, true, e

	default:
		h.logger.Warn("Unknown event kind", "prompt_id", promptID, "kind", string(msg.Kind))
		return nil, false, nil
	}
}

func (h *Handle) result(run *runState, msg transport.Message) *Result {
	res := &Result{
		PromptID:  h.PromptID(),
		WorkerID:  h.conn.ID(),
		Outputs:   make(map[string]any, len(h.prompt.Outputs)),
		Artifacts: make(map[string][]transport.Artifact, len(h.prompt.Outputs)),
		Progress:  maps.Clone(run.progress),
		Previews:  run.previews,
		Duration:  time.Since(run.startedAt),
	}
	for key, node := range h.prompt.Outputs {
		out, ok := msg.Outputs[node]
		if !ok {
			continue
		}
		res.Outputs[key] = out
		if arts := transport.Artifacts(out); len(arts) > 0 {
			res.Artifacts[key] = arts
		}
	}
	return res
}

// ensureStarted moves a submitted handle to RUNNING. Workers may skip the
// start signal, so any later event implies it.
func (h *Handle) ensureStarted(span trace.Span, promptID string) {
	if h.State() != StateSubmitted {
		return
	}
	h.transition(StateRunning)
	h.emit(span, Started{PromptID: promptID})
}

func (h *Handle) transition(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() || h.state == s {
		return
	}
	h.state = s
	h.history = append(h.history, s)
}

func (h *Handle) emit(span trace.Span, e Event) {
	switch ev := e.(type) {
	case Pending:
		span.AddEvent("pending")
	case Started:
		span.AddEvent("started")
	case Progress:
		span.AddEvent("progress", trace.WithAttributes(
			attribute.String("node", ev.Node),
			attribute.Int("value", ev.Value),
			attribute.Int("max", ev.Max),
		))
	case Finished:
		span.AddEvent("finished")
	case Failed:
		span.AddEvent("failed")
	}
	if h.observer != nil {
		h.observer(e)
	}
}

func (h *Handle) newError(kind error, msg string, cause error) *Error {
	return &Error{
		Kind:     kind,
		PromptID: h.PromptID(),
		WorkerID: h.conn.ID(),
		Message:  msg,
		Err:      cause,
	}
}

// fail moves the handle to FAILED and emits the terminal event. It is only
// reached once per run.
func (h *Handle) fail(span trace.Span, err error) error {
	h.transition(StateFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.emit(span, Failed{PromptID: h.PromptID(), Err: err})
	h.logger.Warn("Prompt failed", "prompt_id", h.PromptID(), "worker_id", h.conn.ID(), "error", err)
	return err
}

func (h *Handle) interrupt(promptID string) {
	in, ok := h.conn.(transport.Interrupter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.Interrupt(ctx, promptID); err != nil {
		h.logger.Warn("Failed to interrupt prompt", "prompt_id", promptID, "error", err)
	}
}
