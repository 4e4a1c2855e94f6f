package rest

import (
	"time"
)

type SubmitJobRequest struct {
	Template       string         `json:"template"`
	Inputs         map[string]any `json:"inputs"`
	Weight         int            `json:"weight"`
	Count          int            `json:"count"`
	SeedStep       int64          `json:"seed_step,omitempty"`
	SeedKey        string         `json:"seed_key,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
}

type SubmitJobResponse struct {
	BatchID     string      `json:"batch_id"`
	Status      string      `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Jobs        []JobHandle `json:"jobs"`
}

type JobHandle struct {
	JobID string `json:"job_id"`
	Links Links  `json:"links"`
}

type Links struct {
	Self string `json:"self"`
}

type GetJobResponse struct {
	JobID      string                  `json:"job_id"`
	BatchID    string                  `json:"batch_id"`
	Template   string                  `json:"template"`
	Index      int                     `json:"index"`
	Weight     int                     `json:"weight"`
	Status     string                  `json:"status"`
	WorkerID   string                  `json:"worker_id,omitempty"`
	PromptID   string                  `json:"prompt_id,omitempty"`
	Inputs     map[string]any          `json:"inputs"`
	Progress   map[string]ProgressInfo `json:"progress,omitempty"`
	Previews   int                     `json:"previews"`
	Outputs    map[string]any          `json:"outputs,omitempty"`
	Artifacts  map[string][]string     `json:"artifacts,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Timestamps TimestampsInfo          `json:"timestamps"`
}

type ProgressInfo struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

type TimestampsInfo struct {
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started"`
	Completed *time.Time `json:"completed"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type JobSummary struct {
	JobID       string     `json:"job_id"`
	BatchID     string     `json:"batch_id"`
	Template    string     `json:"template"`
	Status      string     `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type RegisterWorkerRequest struct {
	Address string `json:"address"`
}

type WorkerInfo struct {
	WorkerID         string     `json:"worker_id"`
	Index            int        `json:"index"`
	Address          string     `json:"address"`
	Platform         string     `json:"platform"`
	State            string     `json:"state"`
	Dispatched       int        `json:"dispatched"`
	AddedAt          time.Time  `json:"added_at"`
	LastDispatchAt   *time.Time `json:"last_dispatch_at,omitempty"`
	UnreachableSince *time.Time `json:"unreachable_since,omitempty"`
}

type ListWorkersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

type TemplateInfo struct {
	Name       string   `json:"name"`
	Inputs     []string `json:"inputs"`
	Required   []string `json:"required"`
	Outputs    []string `json:"outputs"`
	PathInputs []string `json:"path_inputs,omitempty"`
}

type ListTemplatesResponse struct {
	Templates []TemplateInfo `json:"templates"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
