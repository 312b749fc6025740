package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusError      JobStatus = "error"
)

func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case JobStatusPending, JobStatusProcessing, JobStatusDone, JobStatusError:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status: %q", raw)
	}
}

// Claimable reports whether a job in this status may be claimed regardless of
// lease state. Processing jobs are claimable only once their lease expired.
func (s JobStatus) Claimable() bool {
	return s == JobStatusPending || s == JobStatusError
}

type Job struct {
	ID             string     `json:"id"`
	Title          string     `json:"title,omitempty"`
	Status         JobStatus  `json:"status"`
	PageCount      *int       `json:"page_count,omitempty"`
	ErrorDetail    *string    `json:"error_detail,omitempty"`
	Attempts       int        `json:"attempts"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LeaseExpired reports whether a processing job has lost its owner at now.
// A processing job without a lease is treated as expired.
func (j Job) LeaseExpired(now time.Time) bool {
	if j.Status != JobStatusProcessing {
		return false
	}
	if j.LeaseExpiresAt == nil {
		return true
	}
	return !j.LeaseExpiresAt.After(now)
}

// ClaimableAt applies the full claim eligibility rule.
func (j Job) ClaimableAt(now time.Time, maxAttempts int) bool {
	switch {
	case j.Status == JobStatusPending:
		return true
	case j.Status == JobStatusError:
		return maxAttempts <= 0 || j.Attempts < maxAttempts
	default:
		return j.LeaseExpired(now)
	}
}

// JobUpdate is a partial update. Nil fields are left untouched by the store.
type JobUpdate struct {
	Status      *JobStatus
	PageCount   *int
	ErrorDetail *string
	ClearLease  bool
}

func (u JobUpdate) Empty() bool {
	return u.Status == nil && u.PageCount == nil && u.ErrorDetail == nil && !u.ClearLease
}

func DoneUpdate(pageCount int) JobUpdate {
	status := JobStatusDone
	return JobUpdate{Status: &status, PageCount: &pageCount, ClearLease: true}
}

func ErrorUpdate(message string) JobUpdate {
	status := JobStatusError
	return JobUpdate{Status: &status, ErrorDetail: &message, ClearLease: true}
}

func RequeueUpdate(reason string) JobUpdate {
	status := JobStatusPending
	upd := JobUpdate{Status: &status, ClearLease: true}
	if strings.TrimSpace(reason) != "" {
		upd.ErrorDetail = &reason
	}
	return upd
}

type JobFilter struct {
	Status JobStatus
	Limit  int
	// AfterID pages through results ordered by id.
	AfterID string
}

func (f JobFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 1000:
		return 1000
	default:
		return f.Limit
	}
}

func ValidateJobID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("job id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("job id %q must be a plain file name stem", id)
	}
	return nil
}

// Checkpoint records the last page durably produced for an in-flight job.
type Checkpoint struct {
	JobID       string    `json:"job_id"`
	LastPage    int       `json:"last_page"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type SourceKind string

const (
	SourceKindPDF  SourceKind = "pdf"
	SourceKindEPUB SourceKind = "epub"
)

// SourceKinds lists supported source extensions in resolution order.
var SourceKinds = []SourceKind{SourceKindPDF, SourceKindEPUB}

const ArtifactExt = "b64"

func ArtifactName(page int) string {
	return fmt.Sprintf("content_%03d.%s", page, ArtifactExt)
}
