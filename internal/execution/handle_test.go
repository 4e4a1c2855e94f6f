package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/genpool/internal/transport"
	"github.com/nemanja-m/genpool/internal/transport/transporttest"
	"github.com/nemanja-m/genpool/internal/workflow"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, fmt.Sprintf("%T", e))
	}
	return out
}

func (r *recorder) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		switch e.(type) {
		case Finished, Failed:
			n++
		}
	}
	return n
}

func testPrompt() workflow.Prompt {
	return workflow.Prompt{
		Graph: workflow.Graph{
			"3": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 1}},
			"9": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{}},
		},
		Outputs: map[string]string{"images": "9"},
	}
}

func TestHandle_ProgressThenFinished(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.Enqueue(
		transporttest.Progress("3", 5, 6),
		transporttest.Finished(map[string]any{
			"9": transporttest.Images("genpool_00001_.png"),
			"8": map[string]any{"latent": []any{1}},
		}),
	)
	rec := &recorder{}

	h := New(conn, testPrompt(), WithObserver(rec.observe))
	res, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{StateCreated, StateSubmitted, StateRunning, StateProgress, StateFinished}, h.Transitions())
	assert.Equal(t, []string{
		"execution.Pending", "execution.Started", "execution.Progress", "execution.Finished",
	}, rec.kinds())

	assert.Equal(t, "w-1-prompt-1", res.PromptID)
	assert.Equal(t, "w-1", res.WorkerID)
	assert.Len(t, res.Outputs, 1)
	assert.Contains(t, res.Outputs, "images")
	assert.Equal(t, []transport.Artifact{{Filename: "genpool_00001_.png", Type: "output"}}, res.Artifacts["images"])
	assert.Equal(t, Counter{Value: 5, Max: 6}, res.Progress["3"])
}

func TestHandle_PreviewsAndRepeatedProgress(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.Enqueue(
		transporttest.Started(),
		transporttest.Progress("3", 1, 3),
		transporttest.Preview([]byte{0x89, 'P', 'N', 'G'}),
		transporttest.Progress("3", 2, 3),
		transporttest.Preview([]byte{0x89, 'P', 'N', 'G'}),
		transporttest.Progress("8", 1, 1),
		transporttest.Finished(map[string]any{"9": transporttest.Images("a.png")}),
	)
	rec := &recorder{}

	h := New(conn, testPrompt(), WithObserver(rec.observe))
	res, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Previews)
	assert.Equal(t, Counter{Value: 1, Max: 1}, res.Progress["8"])
	assert.Equal(t, []State{StateCreated, StateSubmitted, StateRunning, StateProgress, StateFinished}, h.Transitions())
	assert.Equal(t, 1, rec.terminals())
}

func TestHandle_SubmissionErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind error
	}{
		{"rejected payload", &transport.RejectedError{Status: 400, Message: "invalid prompt"}, ErrSubmission},
		{"worker down", fmt.Errorf("dial: %w", transport.ErrUnreachable), ErrWorkerUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := transporttest.New("w-1")
			conn.SetSubmitError(tt.err)
			rec := &recorder{}

			h := New(conn, testPrompt(), WithObserver(rec.observe))
			_, err := h.Run(context.Background())

			require.ErrorIs(t, err, tt.wantKind)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, []State{StateCreated, StateFailed}, h.Transitions())
			assert.Equal(t, []string{"execution.Failed"}, rec.kinds())
		})
	}
}

func TestHandle_RejectedErrorIsReachable(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.SetSubmitError(&transport.RejectedError{Status: 400, Message: "bad", NodeErrors: map[string]any{"3": "x"}})

	_, err := New(conn, testPrompt()).Run(context.Background())

	var rejected *transport.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 400, rejected.Status)
}

func TestHandle_SubscribeFailureInterruptsPrompt(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.SetSubscribeError(fmt.Errorf("event socket disconnected: %w", transport.ErrUnreachable))
	rec := &recorder{}

	h := New(conn, testPrompt(), WithObserver(rec.observe))
	_, err := h.Run(context.Background())

	require.ErrorIs(t, err, ErrWorkerUnreachable)
	assert.Equal(t, []string{h.PromptID()}, conn.Interrupted())
	assert.Equal(t, []State{StateCreated, StateSubmitted, StateFailed}, h.Transitions())
	assert.Equal(t, []string{"execution.Pending", "execution.Failed"}, rec.kinds())
}

func TestHandle_WorkerReportsFailure(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.Enqueue(
		transporttest.Started(),
		transporttest.Step{Message: transport.Message{Kind: transport.KindFailed, Node: "3", Err: errors.New("CUDA out of memory")}},
		transporttest.Finished(map[string]any{}),
	)
	rec := &recorder{}

	h := New(conn, testPrompt(), WithObserver(rec.observe))
	_, err := h.Run(context.Background())

	require.ErrorIs(t, err, ErrExecution)
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "3", execErr.Node)
	assert.Equal(t, "w-1-prompt-1", execErr.PromptID)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, 1, rec.terminals())
	assert.NotContains(t, rec.kinds(), "execution.Finished")
}

func TestHandle_StartWatchdog(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	conn := transporttest.New("w-1")
	conn.Enqueue(transporttest.Hold(hold), transporttest.Started(), transporttest.Finished(map[string]any{}))

	h := New(conn, testPrompt(), WithStartTimeout(20*time.Millisecond))
	_, err := h.Run(context.Background())

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []State{StateCreated, StateSubmitted, StateFailed}, h.Transitions())
	assert.Equal(t, []string{"w-1-prompt-1"}, conn.Interrupted())
}

func TestHandle_WatchdogDisarmedAfterStart(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.Enqueue(
		transporttest.Started(),
		transporttest.Sleep(50*time.Millisecond),
		transporttest.Finished(map[string]any{"9": transporttest.Images("a.png")}),
	)

	h := New(conn, testPrompt(), WithStartTimeout(10*time.Millisecond))
	_, err := h.Run(context.Background())
	require.NoError(t, err)
}

func TestHandle_ExecutionTimeout(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	conn := transporttest.New("w-1")
	conn.Enqueue(transporttest.Started(), transporttest.Progress("3", 1, 10), transporttest.Hold(hold))
	rec := &recorder{}

	h := New(conn, testPrompt(), WithTimeout(30*time.Millisecond), WithObserver(rec.observe))
	_, err := h.Run(context.Background())

	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, 1, rec.terminals())
	assert.Equal(t, []string{"w-1-prompt-1"}, conn.Interrupted())
}

func TestHandle_Canceled(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	conn := transporttest.New("w-1")
	conn.Enqueue(transporttest.Started(), transporttest.Hold(hold))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := New(conn, testPrompt()).Run(ctx)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestHandle_StreamClosedEarly(t *testing.T) {
	conn := transporttest.New("w-1")
	conn.Enqueue(transporttest.Started())

	_, err := New(conn, testPrompt()).Run(context.Background())
	require.ErrorIs(t, err, ErrWorkerUnreachable)
	require.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestHandle_RunOnce(t *testing.T) {
	conn := transporttest.New("w-1")
	h := New(conn, testPrompt())

	_, err := h.Run(context.Background())
	require.NoError(t, err)

	_, err = h.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
	assert.Len(t, conn.Submitted(), 1)
}

func TestHandle_SubmitsMaterializedGraph(t *testing.T) {
	conn := transporttest.New("w-1")
	_, err := New(conn, testPrompt()).Run(context.Background())
	require.NoError(t, err)

	submitted := conn.Submitted()
	require.Len(t, submitted, 1)
	assert.Contains(t, submitted[0], "3")
	assert.Contains(t, submitted[0], "9")
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrExecution, PromptID: "p-1", WorkerID: "w-1", Node: "3", Message: "sampler", Err: errors.New("oom")}
	assert.Equal(t, "execution failed: prompt p-1 on worker w-1 at node 3: sampler: oom", err.Error())
}

// Any script of non-terminal messages followed by a terminal one yields
// exactly one terminal event and nothing after it.
func TestHandle_ExactlyOneTerminalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("one terminal event per run", prop.ForAll(
		func(kinds []int, failAt int, trailing int) bool {
			steps := make([]transporttest.Step, 0, len(kinds)+trailing+1)
			for i, k := range kinds {
				switch k {
				case 0:
					steps = append(steps, transporttest.Started())
				case 1:
					steps = append(steps, transporttest.Progress("3", i, len(kinds)))
				default:
					steps = append(steps, transporttest.Preview([]byte{byte(i)}))
				}
			}
			if failAt%2 == 0 {
				steps = append(steps, transporttest.Failed(errors.New("boom")))
			} else {
				steps = append(steps, transporttest.Finished(map[string]any{"9": transporttest.Images("x.png")}))
			}
			for range trailing {
				steps = append(steps, transporttest.Progress("9", 1, 1))
			}

			conn := transporttest.New("w-p")
			conn.Enqueue(steps...)
			rec := &recorder{}
			h := New(conn, testPrompt(), WithObserver(rec.observe))
			_, err := h.Run(context.Background())

			kindsSeen := rec.kinds()
			last := kindsSeen[len(kindsSeen)-1]
			if rec.terminals() != 1 {
				return false
			}
			if failAt%2 == 0 {
				return err != nil && last == "execution.Failed"
			}
			return err == nil && last == "execution.Finished"
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.IntRange(0, 10),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
