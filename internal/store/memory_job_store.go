package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	opts Options
	now  func() time.Time
}

func NewMemoryJobStore(opts Options) *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store clock. Tests use it to expire leases.
func (s *MemoryJobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	if err := domain.ValidateJobID(job.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Claim(_ context.Context, owner string, lease time.Duration) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var (
		picked domain.Job
		found  bool
	)
	for _, job := range s.jobs {
		if !job.ClaimableAt(now, s.opts.MaxAttempts) {
			continue
		}
		if !found || job.UpdatedAt.Before(picked.UpdatedAt) ||
			(job.UpdatedAt.Equal(picked.UpdatedAt) && job.ID < picked.ID) {
			picked = job
			found = true
		}
	}
	if !found {
		return domain.Job{}, false, nil
	}

	expires := now.Add(lease)
	picked.Status = domain.JobStatusProcessing
	picked.Attempts++
	picked.LeaseOwner = owner
	picked.LeaseExpiresAt = &expires
	picked.UpdatedAt = now
	s.jobs[picked.ID] = picked
	return picked, true, nil
}

func (s *MemoryJobStore) RenewLease(_ context.Context, id, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.LeaseOwner != owner {
		return domain.ErrLeaseLost
	}
	expires := s.now().Add(lease)
	job.LeaseExpiresAt = &expires
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusProcessing || job.LeaseOwner != owner {
		return domain.ErrLeaseLost
	}
	expired := s.now()
	job.LeaseExpiresAt = &expired
	s.jobs[id] = job
	return nil
}

func (s *MemoryJobStore) MarkDone(ctx context.Context, id string, pageCount int) error {
	return s.Update(ctx, id, domain.DoneUpdate(pageCount))
}

func (s *MemoryJobStore) MarkError(ctx context.Context, id, message string) error {
	return s.Update(ctx, id, domain.ErrorUpdate(message))
}

func (s *MemoryJobStore) Update(_ context.Context, id string, upd domain.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if upd.Empty() {
		return nil
	}
	s.jobs[id] = applyUpdate(job, upd, s.now())
	return nil
}

func (s *MemoryJobStore) Requeue(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := s.now()
	if job.Status == domain.JobStatusProcessing && !job.LeaseExpired(now) {
		return fmt.Errorf("%w: job %s is held by %s", domain.ErrInvalidStatusTransition, id, job.LeaseOwner)
	}
	s.jobs[id] = applyUpdate(job, domain.RequeueUpdate(reason), now)
	return nil
}

func applyUpdate(job domain.Job, upd domain.JobUpdate, now time.Time) domain.Job {
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.PageCount != nil {
		pageCount := *upd.PageCount
		job.PageCount = &pageCount
	}
	if upd.ErrorDetail != nil {
		detail := *upd.ErrorDetail
		job.ErrorDetail = &detail
	}
	if upd.ClearLease {
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
	}
	job.UpdatedAt = now
	return job
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) List(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.AfterID != "" && job.ID <= filter.AfterID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
