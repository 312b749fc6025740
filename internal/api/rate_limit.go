package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/ratelimit"
)

type RequeueLimiter interface {
	AllowRequeue(ctx context.Context, caller, jobID string) (ratelimit.Decision, error)
}

// spendRequeueBudget reports whether the requeue of job may proceed and
// writes the 429 when it may not. A limiter failure lets the requeue through.
func (s *Server) spendRequeueBudget(w http.ResponseWriter, r *http.Request, job domain.Job) bool {
	if s.requeueLimiter == nil {
		return true
	}

	jobID := job.ID
	caller := callerID(r, s.callerHeader)
	decision, err := s.requeueLimiter.AllowRequeue(r.Context(), caller, jobID)
	if err != nil {
		s.logger.Printf("requeue budget check failed caller=%s job_id=%s err=%v", caller, jobID, err)
		return true
	}

	if decision.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	}
	if decision.Allowed {
		return true
	}

	outcome := requeueThrottledCaller
	if decision.LimitedBy == ratelimit.ScopeJob {
		outcome = requeueThrottledJob
	}
	s.metrics.requeue(job.Status, outcome)
	s.logger.Printf("requeue throttled caller=%s job_id=%s scope=%s retry_after=%s", caller, jobID, decision.LimitedBy, decision.RetryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": "requeue budget exhausted",
		"scope": string(decision.LimitedBy),
	})
	return false
}

// callerID prefers the identity header and falls back to the client address.
func callerID(r *http.Request, header string) string {
	if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "anonymous"
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
