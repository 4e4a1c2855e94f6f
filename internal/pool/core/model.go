package core

import (
	"context"
	"time"

	"github.com/nemanja-m/genpool/internal/platform"
	"github.com/nemanja-m/genpool/internal/transport"
)

type LoadState string

const (
	LoadStateIdle        LoadState = "IDLE"
	LoadStateBusy        LoadState = "BUSY"
	LoadStateUnreachable LoadState = "UNREACHABLE"
)

// Worker is one registered worker instance. The pool is the only writer of
// State and the timestamps; generators receive a copy.
type Worker struct {
	ID       string
	Index    int
	Address  string
	Platform platform.Platform
	State    LoadState
	Conn     transport.Conn

	AddedAt          time.Time
	LastDispatchAt   time.Time
	UnreachableSince time.Time
	Dispatched       int
}

// Job is a queued unit of work. Run executes it on the worker it was paired
// with and resolves the job's future; the returned error only tells the pool
// how the worker fared. Fail resolves the future of a job that never ran.
type Job struct {
	ID         string
	Label      string
	Weight     int
	Timeout    time.Duration
	EnqueuedAt time.Time
	Run        func(ctx context.Context, w Worker) error
	Fail       func(err error)
}
