// Package rest exposes the pool, the template catalog and job records over
// HTTP.
package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nemanja-m/genpool/internal/pool"
	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/runner"
	"github.com/nemanja-m/genpool/internal/shared/config"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/transport"
	"github.com/nemanja-m/genpool/internal/workflow"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

type API struct {
	pool   *pool.Pool
	runner *runner.Runner
	logger logging.Logger
}

func NewAPI(p *pool.Pool, r *runner.Runner, logger logging.Logger) *API {
	return &API{
		pool:   p,
		runner: r,
		logger: logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/workers", a.listWorkers)
	mux.HandleFunc("POST /api/workers", a.registerWorker)
	mux.HandleFunc("GET /api/workers/{id}", a.getWorker)
	mux.HandleFunc("DELETE /api/workers/{id}", a.removeWorker)
	mux.HandleFunc("GET /api/templates", a.listTemplates)
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/stats", a.getStats)
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := a.pool.Workers()
	resp := ListWorkersResponse{Workers: make([]WorkerInfo, 0, len(workers))}
	for _, wk := range workers {
		resp.Workers = append(resp.Workers, ToWorkerInfo(wk))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// registerWorker handles POST /api/workers
func (a *API) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Address == "" {
		a.respondError(w, r, http.StatusBadRequest, "validation failed", "address is required")
		return
	}

	wk, err := a.pool.RegisterWorker(r.Context(), req.Address)
	if err != nil {
		a.logger.Warn("Worker registration failed", "address", req.Address, "error", err)
		switch {
		case errors.Is(err, core.ErrWorkerExists):
			a.respondError(w, r, http.StatusConflict, "worker already registered", err.Error())
		case errors.Is(err, pool.ErrNoDialer), errors.Is(err, pool.ErrPoolClosed):
			a.respondError(w, r, http.StatusServiceUnavailable, "cannot register workers", err.Error())
		case errors.Is(err, transport.ErrUnreachable):
			a.respondError(w, r, http.StatusBadGateway, "worker unreachable", err.Error())
		default:
			a.respondError(w, r, http.StatusBadRequest, "worker registration failed", err.Error())
		}
		return
	}
	a.respondJSON(w, http.StatusCreated, ToWorkerInfo(wk))
}

func (a *API) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := a.pool.Worker(r.PathValue("id"))
	if err != nil {
		a.respondError(w, r, http.StatusNotFound, "worker not found", "")
		return
	}
	a.respondJSON(w, http.StatusOK, ToWorkerInfo(wk))
}

// removeWorker handles DELETE /api/workers/{id}
func (a *API) removeWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.pool.RemoveWorker(id); err != nil {
		if errors.Is(err, core.ErrWorkerNotFound) {
			a.respondError(w, r, http.StatusNotFound, "worker not found", "")
			return
		}
		a.logger.Error("Failed to remove worker", "worker_id", id, "error", err)
		a.respondError(w, r, http.StatusInternalServerError, "failed to remove worker", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	catalog := a.runner.Catalog()
	resp := ListTemplatesResponse{Templates: make([]TemplateInfo, 0, catalog.Len())}
	for _, name := range catalog.Names() {
		entry, err := catalog.Get(name)
		if err != nil {
			continue
		}
		resp.Templates = append(resp.Templates, ToTemplateInfo(entry))
	}
	a.respondJSON(w, http.StatusOK, resp)
}

// submitJob handles POST /api/jobs
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	dec := json.NewDecoder(r.Body)
	// keep integer inputs such as seeds exact
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := a.validateSubmitJobRequest(&req); err != nil {
		a.respondError(w, r, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	sub, err := a.runner.Submit(r.Context(), req.ToRequest())
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrTemplateNotFound):
			a.respondError(w, r, http.StatusNotFound, "template not found", err.Error())
		case errors.Is(err, workflow.ErrUnknownKey),
			errors.Is(err, workflow.ErrUnboundKey),
			errors.Is(err, workflow.ErrIncompleteBinding),
			errors.Is(err, runner.ErrInvalidRequest):
			a.respondError(w, r, http.StatusBadRequest, "invalid inputs", err.Error())
		default:
			a.logger.Error("Failed to submit job", "template", req.Template, "error", err)
			a.respondError(w, r, http.StatusInternalServerError, "failed to submit job", err.Error())
		}
		return
	}

	resp := SubmitJobResponse{
		BatchID:     sub.BatchID,
		Status:      string(runner.JobStatusQueued),
		SubmittedAt: time.Now().UTC(),
		Jobs:        make([]JobHandle, 0, len(sub.JobIDs)),
	}
	for _, id := range sub.JobIDs {
		resp.Jobs = append(resp.Jobs, JobHandle{
			JobID: id,
			Links: Links{Self: fmt.Sprintf("/api/jobs/%s", id)},
		})
	}
	a.respondJSON(w, http.StatusAccepted, resp)
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.runner.Job(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, runner.ErrJobNotFound) {
			a.respondError(w, r, http.StatusNotFound, "job not found", "")
			return
		}
		a.respondError(w, r, http.StatusInternalServerError, "failed to get job", err.Error())
		return
	}
	a.respondJSON(w, http.StatusOK, ToJobResponse(rec))
}

// listJobs handles GET /api/jobs with filters and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := runner.JobFilter{
		Template: query.Get("template"),
		BatchID:  query.Get("batch_id"),
		Limit:    defaultLimit,
	}

	if s := query.Get("status"); s != "" {
		status := runner.JobStatus(s)
		if !status.Valid() {
			a.respondError(w, r, http.StatusBadRequest, "invalid status", s)
			return
		}
		filter.Status = &status
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = min(l, maxLimit)
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	records, total, err := a.runner.Jobs(filter)
	if err != nil {
		a.respondError(w, r, http.StatusInternalServerError, "failed to list jobs", err.Error())
		return
	}

	jobs := make([]JobSummary, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, ToJobSummary(rec))
	}

	var nextOffset *int
	if end := filter.Offset + len(jobs); end < total {
		nextOffset = &end
	}

	a.respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       jobs,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, a.pool.Stats())
}

func (a *API) validateSubmitJobRequest(req *SubmitJobRequest) error {
	if req.Template == "" {
		return fmt.Errorf("template is required")
	}
	if req.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be greater than 0")
	}
	return nil
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(buf.Bytes())
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, statusCode int, error string, message string) {
	a.respondJSON(w, statusCode, newErrorResponse(r, statusCode, error, message))
}

func NewServer(cfg config.RESTConfig, api *API, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := ChainMiddleware(
		mux,
		RequestIDMiddleware,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
