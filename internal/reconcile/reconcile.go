// Package reconcile re-checks finished jobs against their output and source
// and requeues the ones that can no longer be trusted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/dunamismax/pagemill/internal/artifact"
	"github.com/dunamismax/pagemill/internal/convert"
	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/store"
)

// Mismatch describes a done job whose record disagrees with its output or
// source.
type Mismatch struct {
	JobID       string
	PageCount   int
	Artifacts   int
	SourcePages int
	// SourceMissing is set when the source file is gone.
	SourceMissing bool
}

func (m Mismatch) Err() error {
	if m.SourceMissing {
		return fmt.Errorf("%w: job %s has %d artifacts, page_count %d, source missing",
			domain.ErrReconciliationMismatch, m.JobID, m.Artifacts, m.PageCount)
	}
	return fmt.Errorf("%w: job %s has %d artifacts, page_count %d, source pages %d",
		domain.ErrReconciliationMismatch, m.JobID, m.Artifacts, m.PageCount, m.SourcePages)
}

type Report struct {
	Checked  int
	Requeued int
	Errors   int
}

type Reconciler struct {
	logger     *log.Logger
	jobs       store.JobStore
	output     artifact.Store
	converters convert.Set
	sourceRoot string
	pageSize   int
}

func New(logger *log.Logger, jobs store.JobStore, output artifact.Store, converters convert.Set, sourceRoot string) (*Reconciler, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if output == nil {
		return nil, errors.New("output store is required")
	}
	return &Reconciler{
		logger:     logger,
		jobs:       jobs,
		output:     output,
		converters: converters,
		sourceRoot: sourceRoot,
		pageSize:   200,
	}, nil
}

// Check compares a done job's page_count with its artifact count and the
// source's current page count. It reports ok=false on mismatch.
func (r *Reconciler) Check(ctx context.Context, job domain.Job) (Mismatch, bool, error) {
	m := Mismatch{JobID: job.ID}
	if job.PageCount != nil {
		m.PageCount = *job.PageCount
	}

	artifacts, err := r.output.Count(ctx, job.ID)
	if err != nil {
		return m, false, fmt.Errorf("count output %s: %w", job.ID, err)
	}
	m.Artifacts = artifacts

	src, err := convert.Resolve(r.sourceRoot, job.ID)
	switch {
	case errors.Is(err, domain.ErrSourceMissing):
		m.SourceMissing = true
		return m, false, nil
	case err != nil:
		return m, false, err
	}

	conv, err := r.converters.Select(src.Kind)
	if err != nil {
		return m, false, err
	}
	sourcePages, err := conv.Count(ctx, src)
	if err != nil {
		return m, false, fmt.Errorf("count source pages %s: %w", job.ID, err)
	}
	m.SourcePages = sourcePages

	ok := job.PageCount != nil && m.Artifacts == m.PageCount && m.SourcePages == m.PageCount
	return m, ok, nil
}

// Sweep checks every done job and requeues mismatches. A mismatch whose
// source is missing is requeued too, so the worker records the real error.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var (
		report  Report
		afterID string
	)
	for {
		jobs, err := r.jobs.List(ctx, domain.JobFilter{
			Status:  domain.JobStatusDone,
			Limit:   r.pageSize,
			AfterID: afterID,
		})
		if err != nil {
			return report, fmt.Errorf("list done jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++

			m, ok, err := r.Check(ctx, job)
			if err != nil {
				report.Errors++
				r.logger.Printf("reconcile check failed job_id=%s err=%v", job.ID, err)
				continue
			}
			if ok {
				continue
			}

			reason := m.Err().Error()
			if err := r.jobs.Requeue(ctx, job.ID, reason); err != nil {
				report.Errors++
				r.logger.Printf("requeue failed job_id=%s err=%v", job.ID, err)
				continue
			}
			report.Requeued++
			r.logger.Printf("requeued job_id=%s reason=%q", job.ID, reason)
		}

		afterID = jobs[len(jobs)-1].ID
		if len(jobs) < r.pageSize {
			break
		}
	}

	r.logger.Printf("reconcile sweep checked=%d requeued=%d errors=%d", report.Checked, report.Requeued, report.Errors)
	return report, nil
}
