package core

import "errors"

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrWorkerExists   = errors.New("worker already registered")
)

// WorkerStore keeps the pool's worker registry. GetAllWorkers returns workers
// in registration order.
type WorkerStore interface {
	AddWorker(worker *Worker) error
	GetWorkerByID(id string) (*Worker, error)
	GetAllWorkers() ([]*Worker, error)
	RemoveWorker(id string) error
	// NextIndex reserves the registry index of the next worker.
	NextIndex() int
}
