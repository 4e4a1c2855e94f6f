// Package events carries pool lifecycle notifications to observers. Delivery
// is advisory: publishing never blocks the scheduler.
package events

import "time"

type Type string

const (
	InstanceAdded       Type = "instance.added"
	InstanceRemoved     Type = "instance.removed"
	InstanceBusy        Type = "instance.busy"
	InstanceIdle        Type = "instance.idle"
	InstanceUnreachable Type = "instance.unreachable"
	InstanceReadmitted  Type = "instance.readmitted"
	JobEnqueued         Type = "job.enqueued"
	JobDispatched       Type = "job.dispatched"
	JobCompleted        Type = "job.completed"
	JobFailed           Type = "job.failed"
)

type Event struct {
	Type        Type      `json:"type" cbor:"type"`
	Time        time.Time `json:"time" cbor:"time"`
	WorkerID    string    `json:"worker_id,omitempty" cbor:"worker_id,omitempty"`
	WorkerIndex int       `json:"worker_index" cbor:"worker_index"`
	JobID       string    `json:"job_id,omitempty" cbor:"job_id,omitempty"`
	Weight      int       `json:"weight" cbor:"weight"`
	QueueLen    int       `json:"queue_len" cbor:"queue_len"`
	Error       string    `json:"error,omitempty" cbor:"error,omitempty"`
}

// Fields flattens the event for codecs that need a generic map.
func (e Event) Fields() map[string]any {
	f := map[string]any{
		"type":         string(e.Type),
		"time":         e.Time.UTC().Format(time.RFC3339Nano),
		"worker_index": e.WorkerIndex,
		"weight":       e.Weight,
		"queue_len":    e.QueueLen,
	}
	if e.WorkerID != "" {
		f["worker_id"] = e.WorkerID
	}
	if e.JobID != "" {
		f["job_id"] = e.JobID
	}
	if e.Error != "" {
		f["error"] = e.Error
	}
	return f
}
