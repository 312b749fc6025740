package store

import (
	"context"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
)

// JobStore is the shared coordination point between workers. Claim must never
// hand the same job to two callers while the job's lease is live.
type JobStore interface {
	Claim(ctx context.Context, owner string, lease time.Duration) (domain.Job, bool, error)
	RenewLease(ctx context.Context, id, owner string, lease time.Duration) error
	Release(ctx context.Context, id, owner string) error
	MarkDone(ctx context.Context, id string, pageCount int) error
	MarkError(ctx context.Context, id, message string) error
	Update(ctx context.Context, id string, upd domain.JobUpdate) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
	Create(ctx context.Context, job domain.Job) error
	Requeue(ctx context.Context, id, reason string) error
}

// Options tune claim eligibility.
type Options struct {
	// MaxAttempts caps re-claims of jobs in error. Zero means unlimited.
	MaxAttempts int
}
