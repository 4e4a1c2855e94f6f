package runner

import (
	"errors"
	"maps"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	}
	return false
}

type NodeProgress struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// JobRecord tracks one templated prompt from submission to outcome.
type JobRecord struct {
	ID          string                  `json:"id"`
	BatchID     string                  `json:"batch_id"`
	PoolJobID   string                  `json:"pool_job_id,omitempty"`
	Template    string                  `json:"template"`
	Index       int                     `json:"index"`
	Weight      int                     `json:"weight"`
	Status      JobStatus               `json:"status"`
	Inputs      map[string]any          `json:"inputs,omitempty"`
	WorkerID    string                  `json:"worker_id,omitempty"`
	PromptID    string                  `json:"prompt_id,omitempty"`
	Progress    map[string]NodeProgress `json:"progress,omitempty"`
	Previews    int                     `json:"previews"`
	Outputs     map[string]any          `json:"outputs,omitempty"`
	Artifacts   map[string][]string     `json:"artifacts,omitempty"`
	Error       string                  `json:"error,omitempty"`
	SubmittedAt time.Time               `json:"submitted_at"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`
}

// Clone copies the record and its maps. Values inside the maps are shared.
func (r *JobRecord) Clone() *JobRecord {
	c := *r
	c.Inputs = maps.Clone(r.Inputs)
	c.Progress = maps.Clone(r.Progress)
	c.Outputs = maps.Clone(r.Outputs)
	if r.Artifacts != nil {
		c.Artifacts = make(map[string][]string, len(r.Artifacts))
		for k, v := range r.Artifacts {
			c.Artifacts[k] = append([]string(nil), v...)
		}
	}
	return &c
}

type JobFilter struct {
	Status   *JobStatus
	Template string
	BatchID  string
	Limit    int
	Offset   int
}

// JobStore persists job records. Implementations return copies.
type JobStore interface {
	Save(record *JobRecord) error
	Update(id string, fn func(*JobRecord)) error
	Get(id string) (*JobRecord, error)
	List(filter JobFilter) ([]*JobRecord, int, error)
}
