package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Server is the read-mostly status surface. It never claims or converts; the
// only write is an operator requeue.
type Server struct {
	logger         *log.Logger
	jobStore       store.JobStore
	output         artifactCounter
	requeueLimiter RequeueLimiter
	callerHeader   string
	metrics        *metrics
	tracer         trace.Tracer
	now            func() time.Time
	mux            *http.ServeMux
}

type artifactCounter interface {
	Count(ctx context.Context, jobID string) (int, error)
}

type Options struct {
	// RequeueLimiter spends per-caller and per-job requeue budgets. Nil
	// disables limiting.
	RequeueLimiter RequeueLimiter
	// CallerHeader names the header identifying the operator.
	CallerHeader string
}

func NewServer(logger *log.Logger, jobStore store.JobStore, output artifactCounter, opts Options) *Server {
	header := strings.TrimSpace(opts.CallerHeader)
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:         logger,
		jobStore:       jobStore,
		output:         output,
		requeueLimiter: opts.RequeueLimiter,
		callerHeader:   header,
		metrics:        newMetrics(),
		tracer:         otel.Tracer("pagemill/api"),
		now:            time.Now,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/requeue", s.handleRequeueJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	jobs, err := s.jobStore.List(r.Context(), filter)
	if err != nil {
		s.logger.Printf("list jobs failed status=%s err=%v", filter.Status, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}

	resp := map[string]any{"jobs": jobs}
	if len(jobs) == filter.EffectiveLimit() {
		resp["next_after"] = jobs[len(jobs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseJobFilter(r *http.Request) (domain.JobFilter, error) {
	query := r.URL.Query()
	filter := domain.JobFilter{AfterID: strings.TrimSpace(query.Get("after"))}

	if raw := query.Get("status"); raw != "" {
		status, err := domain.ParseJobStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("limit must be a positive integer: %q", raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := map[string]any{"job": job}
	if s.output != nil {
		count, err := s.output.Count(r.Context(), job.ID)
		s.metrics.artifactLookup(err)
		if err != nil {
			s.logger.Printf("count artifacts failed job_id=%s err=%v", job.ID, err)
			resp["artifacts_error"] = "failed to count artifacts"
		} else {
			resp["artifacts"] = count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type requeueRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if err := requeueAllowed(job, s.now()); err != nil {
		s.metrics.requeue(job.Status, requeueConflict)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if !s.spendRequeueBudget(w, r, job) {
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "requeued by operator"
	}
	err := s.jobStore.Requeue(r.Context(), job.ID, reason)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.metrics.requeue(job.Status, requeueFailed)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		s.metrics.requeue(job.Status, requeueConflict)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.metrics.requeue(job.Status, requeueFailed)
		s.logger.Printf("requeue failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to requeue job"})
		return
	}

	s.metrics.requeue(job.Status, requeueAccepted)
	s.logger.Printf("requeued job_id=%s from=%s reason=%q", job.ID, job.Status, reason)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": domain.JobStatusPending,
		"from":   job.Status,
	})
}

// requeueAllowed admits finished jobs and processing jobs whose owner is gone.
func requeueAllowed(job domain.Job, now time.Time) error {
	switch job.Status {
	case domain.JobStatusDone, domain.JobStatusError:
		return nil
	case domain.JobStatusProcessing:
		if job.LeaseExpired(now) {
			return nil
		}
		return fmt.Errorf("job %s is being processed by %s", job.ID, job.LeaseOwner)
	default:
		return fmt.Errorf("job %s is already %s", job.ID, job.Status)
	}
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("id")
	if err := domain.ValidateJobID(jobID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
