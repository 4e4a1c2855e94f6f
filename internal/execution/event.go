package execution

import "fmt"

type State int

const (
	StateCreated State = iota
	StateSubmitted
	StateRunning
	StateProgress
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSubmitted:
		return "SUBMITTED"
	case StateRunning:
		return "RUNNING"
	case StateProgress:
		return "PROGRESS"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Event is emitted by a Handle to its observer. The set of implementations is
// closed: Pending, Started, Progress, Preview, Finished and Failed.
type Event interface {
	event()
}

// Pending is emitted once the worker accepted the prompt.
type Pending struct {
	PromptID string
}

type Started struct {
	PromptID string
}

// Progress reports a worker counter for one node. Counters are monotonic
// only within the same node.
type Progress struct {
	PromptID string
	Node     string
	Value    int
	Max      int
}

// Preview carries a partial artifact, independent of progress ticks.
type Preview struct {
	PromptID string
	Data     []byte
	MIME     string
}

type Finished struct {
	PromptID string
	Outputs  map[string]any
}

type Failed struct {
	PromptID string
	Err      error
}

func (Pending) event()  {}
func (Started) event()  {}
func (Progress) event() {}
func (Preview) event()  {}
func (Finished) event() {}
func (Failed) event()   {}

// Observer receives handle events in order on the goroutine running the handle.
type Observer func(Event)
