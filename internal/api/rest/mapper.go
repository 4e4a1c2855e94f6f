package rest

import (
	"net/http"
	"time"

	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/runner"
	"github.com/nemanja-m/genpool/internal/workflow"
)

func (req *SubmitJobRequest) ToRequest() runner.Request {
	r := runner.Request{
		Template: req.Template,
		Inputs:   req.Inputs,
		Weight:   req.Weight,
		Count:    req.Count,
		SeedStep: req.SeedStep,
		SeedKey:  req.SeedKey,
	}
	if req.TimeoutSeconds != nil {
		r.Timeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}
	return r
}

func ToJobResponse(rec *runner.JobRecord) GetJobResponse {
	resp := GetJobResponse{
		JobID:     rec.ID,
		BatchID:   rec.BatchID,
		Template:  rec.Template,
		Index:     rec.Index,
		Weight:    rec.Weight,
		Status:    string(rec.Status),
		WorkerID:  rec.WorkerID,
		PromptID:  rec.PromptID,
		Inputs:    rec.Inputs,
		Previews:  rec.Previews,
		Outputs:   rec.Outputs,
		Artifacts: rec.Artifacts,
		Error:     rec.Error,
		Timestamps: TimestampsInfo{
			Submitted: rec.SubmittedAt,
			Started:   rec.StartedAt,
			Completed: rec.FinishedAt,
		},
	}
	if len(rec.Progress) > 0 {
		resp.Progress = make(map[string]ProgressInfo, len(rec.Progress))
		for node, p := range rec.Progress {
			resp.Progress[node] = ProgressInfo{Value: p.Value, Max: p.Max}
		}
	}
	return resp
}

func ToJobSummary(rec *runner.JobRecord) JobSummary {
	return JobSummary{
		JobID:       rec.ID,
		BatchID:     rec.BatchID,
		Template:    rec.Template,
		Status:      string(rec.Status),
		WorkerID:    rec.WorkerID,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.FinishedAt,
	}
}

func ToWorkerInfo(w core.Worker) WorkerInfo {
	return WorkerInfo{
		WorkerID:         w.ID,
		Index:            w.Index,
		Address:          w.Address,
		Platform:         string(w.Platform),
		State:            string(w.State),
		Dispatched:       w.Dispatched,
		AddedAt:          w.AddedAt,
		LastDispatchAt:   optionalTime(w.LastDispatchAt),
		UnreachableSince: optionalTime(w.UnreachableSince),
	}
}

func ToTemplateInfo(e *workflow.Entry) TemplateInfo {
	return TemplateInfo{
		Name:       e.Name,
		Inputs:     e.Template.Inputs(),
		Required:   e.Template.Required(),
		Outputs:    e.Template.Outputs(),
		PathInputs: e.PathInputs,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newErrorResponse(r *http.Request, statusCode int, error string, message string) ErrorResponse {
	return ErrorResponse{
		Error:     error,
		Message:   message,
		Code:      statusCode,
		RequestID: RequestIDFromContext(r.Context()),
	}
}
