// Package transport defines what genpool needs from a connection to one
// worker instance: prompt submission and a per-prompt push-event stream.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nemanja-m/genpool/internal/platform"
)

// ErrUnreachable marks connectivity failures. Errors wrapping it take the
// worker out of rotation.
var ErrUnreachable = errors.New("worker unreachable")

// RejectedError is returned by Submit when the worker refuses the payload.
type RejectedError struct {
	Status     int
	Message    string
	NodeErrors map[string]any
}

func (e *RejectedError) Error() string {
	if len(e.NodeErrors) > 0 {
		return fmt.Sprintf("prompt rejected (%d): %s, %d node errors", e.Status, e.Message, len(e.NodeErrors))
	}
	return fmt.Sprintf("prompt rejected (%d): %s", e.Status, e.Message)
}

type Kind string

const (
	KindPending  Kind = "pending"
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindPreview  Kind = "preview"
	KindFinished Kind = "finished"
	KindFailed   Kind = "failed"
)

// Message is one push event for a prompt.
type Message struct {
	Kind     Kind
	PromptID string
	Node     string
	Value    int
	Max      int
	Data     []byte
	MIME     string
	// Outputs maps node ids to the output object the worker reported for them.
	Outputs map[string]any
	Err     error
}

// Conn is a connection to one worker instance.
type Conn interface {
	ID() string
	Address() string
	Platform() platform.Platform
	// Submit queues payload on the worker and returns its prompt id. Events
	// of an accepted prompt must be buffered from that moment, since callers
	// subscribe only once they know the id.
	Submit(ctx context.Context, payload map[string]any) (string, error)
	// Subscribe returns the event stream of a prompt, starting with any
	// buffered events. The channel is closed after a terminal message or when
	// cancel is called.
	Subscribe(ctx context.Context, promptID string) (<-chan Message, func(), error)
	Close() error
}

// Pinger is implemented by connections that can probe worker liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Interrupter is implemented by connections that can stop a running prompt.
type Interrupter interface {
	Interrupt(ctx context.Context, promptID string) error
}

// Artifact is a file produced by a worker.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Resolver turns artifacts into URLs fetchable from the worker.
type Resolver interface {
	ArtifactURL(a Artifact) string
}

// Dialer opens a connection to the worker at address.
type Dialer func(ctx context.Context, address string) (Conn, error)
