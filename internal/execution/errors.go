package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nemanja-m/genpool/internal/transport"
)

var (
	ErrSubmission        = errors.New("submission rejected")
	ErrTimeout           = errors.New("execution timed out")
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrExecution         = errors.New("execution failed")
	ErrCanceled          = errors.New("execution canceled")
	ErrAlreadyRun        = errors.New("handle already run")
)

// Error is the failure cause of a handle. Kind is one of the sentinel errors
// above; errors.Is matches both Kind and the wrapped cause.
type Error struct {
	Kind     error
	PromptID string
	WorkerID string
	Node     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.PromptID != "" {
		fmt.Fprintf(&b, ": prompt %s", e.PromptID)
	}
	if e.WorkerID != "" {
		fmt.Fprintf(&b, " on worker %s", e.WorkerID)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " at node %s", e.Node)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify maps a transport or context error onto a failure kind.
func classify(err error, submitting bool) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	case errors.Is(err, transport.ErrUnreachable):
		return ErrWorkerUnreachable
	case submitting:
		return ErrSubmission
	default:
		return ErrExecution
	}
}
