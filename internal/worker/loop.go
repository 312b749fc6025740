package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/pagemill/internal/artifact"
	"github.com/dunamismax/pagemill/internal/checkpoint"
	"github.com/dunamismax/pagemill/internal/convert"
	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is how a claimed job left this worker.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeInterrupted means the process is stopping. The checkpoint is kept
	// and the lease released so another worker resumes the job.
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeLeaseLost means another worker now owns the job. Nothing is
	// cleaned up since the output belongs to the new owner.
	OutcomeLeaseLost Outcome = "lease_lost"
)

type Config struct {
	Owner          string
	SourceRoot     string
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 30 * time.Second
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	return c
}

type Deps struct {
	Jobs        store.JobStore
	Checkpoints checkpoint.Store
	Output      artifact.Store
	Converters  convert.Set
}

func (d Deps) validate() error {
	switch {
	case d.Jobs == nil:
		return errors.New("job store is required")
	case d.Checkpoints == nil:
		return errors.New("checkpoint store is required")
	case d.Output == nil:
		return errors.New("output store is required")
	}
	return nil
}

// Loop claims jobs one at a time and drives each to an outcome. Any number of
// loops may share a job store.
type Loop struct {
	logger  *log.Logger
	cfg     Config
	deps    Deps
	metrics *metrics
	tracer  trace.Tracer

	resolve     func(root, jobID string) (convert.Source, error)
	fingerprint func(path string) (string, error)
}

func NewLoop(logger *log.Logger, cfg Config, deps Deps) (*Loop, error) {
	return newLoop(logger, cfg, deps, newMetrics())
}

func newLoop(logger *log.Logger, cfg Config, deps Deps, m *metrics) (*Loop, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		return nil, errors.New("worker owner is required")
	}
	if strings.TrimSpace(cfg.SourceRoot) == "" {
		return nil, errors.New("source root is required")
	}
	return &Loop{
		logger:      logger,
		cfg:         cfg.withDefaults(),
		deps:        deps,
		metrics:     m,
		tracer:      otel.Tracer("pagemill/worker"),
		resolve:     convert.Resolve,
		fingerprint: convert.Fingerprint,
	}, nil
}

// Run repeats Step until ctx is done. Job failures never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	claimBackoff := newBackoff(l.cfg.BackoffInitial, l.cfg.BackoffMax)
	l.logger.Printf("worker started owner=%s poll=%s lease=%s", l.cfg.Owner, l.cfg.PollInterval, l.cfg.LeaseDuration)

	for ctx.Err() == nil {
		_, claimed, err := l.Step(ctx)
		switch {
		case err != nil:
			wait := claimBackoff.NextBackOff()
			l.logger.Printf("claim failed owner=%s retry_in=%s err=%v", l.cfg.Owner, wait, err)
			sleep(ctx, wait)
		case !claimed:
			claimBackoff.Reset()
			sleep(ctx, l.cfg.PollInterval)
		default:
			claimBackoff.Reset()
		}
	}

	l.logger.Printf("worker stopped owner=%s", l.cfg.Owner)
	return nil
}

// Step claims at most one job and processes it. It returns an error only
// when the claim itself failed.
func (l *Loop) Step(ctx context.Context) (Outcome, bool, error) {
	job, ok, err := l.deps.Jobs.Claim(ctx, l.cfg.Owner, l.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, nil
		}
		l.metrics.claimsTotal.WithLabelValues("error").Inc()
		return "", false, err
	}
	if !ok {
		l.metrics.claimsTotal.WithLabelValues("empty").Inc()
		return "", false, nil
	}
	l.metrics.claimsTotal.WithLabelValues("claimed").Inc()
	return l.process(ctx, job), true, nil
}

func (l *Loop) process(ctx context.Context, job domain.Job) Outcome {
	startedAt := time.Now()
	kind := "unknown"
	outcome := OutcomeFailed

	ctx, span := l.tracer.Start(ctx, "worker.convert_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempts", job.Attempts),
	)
	defer span.End()

	l.metrics.activeJobs.Inc()
	defer func() {
		l.metrics.activeJobs.Dec()
		l.metrics.jobsTotal.WithLabelValues(kind, string(outcome)).Inc()
		l.metrics.jobDuration.WithLabelValues(kind, string(outcome)).Observe(time.Since(startedAt).Seconds())
		span.SetAttributes(attribute.String("job.outcome", string(outcome)))
	}()

	l.logger.Printf("claimed job_id=%s title=%q attempts=%d", job.ID, job.Title, job.Attempts)

	src, err := l.resolve(l.cfg.SourceRoot, job.ID)
	if err != nil {
		outcome = l.fail(ctx, span, job, err)
		return outcome
	}
	kind = string(src.Kind)
	span.SetAttributes(attribute.String("job.source_kind", kind))

	conv, err := l.deps.Converters.Select(src.Kind)
	if err != nil {
		outcome = l.fail(ctx, span, job, err)
		return outcome
	}

	fingerprint, err := l.fingerprint(src.Path)
	if err != nil {
		outcome = l.fail(ctx, span, job, domain.NewConversionError(domain.ConversionCorruptSource, 0, err))
		return outcome
	}

	resumeFrom, err := l.resumePoint(ctx, job.ID, fingerprint)
	if err != nil {
		outcome = l.fail(ctx, span, job, domain.NewConversionError(domain.ConversionCheckpoint, 0, err))
		return outcome
	}
	span.SetAttributes(attribute.Int("job.resume_from", resumeFrom))

	jobCtx, cancel := context.WithCancelCause(ctx)
	stopRenewal := l.renewLease(jobCtx, cancel, job.ID)

	target := convert.Target{
		JobID:       job.ID,
		Output:      l.deps.Output,
		Checkpoints: l.deps.Checkpoints,
		Fingerprint: fingerprint,
		OnPage: func(int) {
			l.metrics.pagesTotal.WithLabelValues(kind).Inc()
		},
	}
	res, convErr := l.convert(jobCtx, conv, src, resumeFrom, target)
	stopRenewal()
	leaseLost := errors.Is(context.Cause(jobCtx), domain.ErrLeaseLost)
	cancel(nil)

	switch {
	case leaseLost:
		outcome = OutcomeLeaseLost
		l.logger.Printf("lease lost job_id=%s last_page=%d, abandoning without cleanup", job.ID, resumeFrom+res.Rendered)
		span.SetStatus(codes.Error, "lease lost")
		return outcome
	case convErr != nil && ctx.Err() != nil:
		outcome = l.interrupt(ctx, job, resumeFrom+res.Rendered)
		return outcome
	case convErr != nil:
		outcome = l.fail(ctx, span, job, convErr)
		return outcome
	}

	outcome = l.complete(ctx, span, job, res)
	return outcome
}

// convert runs the converter and turns a panic into a render failure so one
// bad document cannot take the loop down.
func (l *Loop) convert(ctx context.Context, conv convert.Converter, src convert.Source, resumeFrom int, target convert.Target) (res convert.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewConversionError(domain.ConversionRender, 0, fmt.Errorf("converter panic: %v", rec))
		}
	}()
	return conv.Convert(ctx, src, resumeFrom, target)
}

// resumePoint returns the page to resume after. Output not covered by a
// usable checkpoint is purged so numbering restarts cleanly at page 1.
func (l *Loop) resumePoint(ctx context.Context, jobID, fingerprint string) (int, error) {
	cp, ok, err := l.deps.Checkpoints.Load(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	if ok {
		reason := ""
		switch {
		case cp.Fingerprint != "" && cp.Fingerprint != fingerprint:
			reason = "source changed since checkpoint"
		default:
			count, err := l.deps.Output.Count(ctx, jobID)
			if err != nil {
				return 0, fmt.Errorf("count output: %w", err)
			}
			if count < cp.LastPage {
				reason = fmt.Sprintf("checkpoint claims %d pages but %d artifacts exist", cp.LastPage, count)
			}
		}
		if reason == "" {
			l.metrics.resumedJobs.Inc()
			l.logger.Printf("resuming job_id=%s from_page=%d", jobID, cp.LastPage+1)
			return cp.LastPage, nil
		}
		l.logger.Printf("discarding checkpoint job_id=%s last_page=%d reason=%q", jobID, cp.LastPage, reason)
		if err := l.deps.Checkpoints.Clear(ctx, jobID); err != nil {
			return 0, fmt.Errorf("clear checkpoint: %w", err)
		}
	}

	if err := l.deps.Output.Purge(ctx, jobID); err != nil {
		return 0, fmt.Errorf("purge stale output: %w", err)
	}
	return 0, nil
}

// renewLease extends the job lease every third of its duration until the
// returned stop func is called. Losing the lease cancels ctx with
// domain.ErrLeaseLost as the cause.
func (l *Loop) renewLease(ctx context.Context, cancel context.CancelCauseFunc, jobID string) func() {
	interval := l.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := l.deps.Jobs.RenewLease(ctx, jobID, l.cfg.Owner, l.cfg.LeaseDuration)
			switch {
			case err == nil:
				l.metrics.leaseRenewals.WithLabelValues("ok").Inc()
			case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrJobNotFound):
				l.metrics.leaseRenewals.WithLabelValues("lost").Inc()
				cancel(fmt.Errorf("%w: %v", domain.ErrLeaseLost, err))
				return
			case ctx.Err() != nil:
				return
			default:
				// Keep converting. The lease may still outlive the outage.
				l.metrics.leaseRenewals.WithLabelValues("error").Inc()
				l.logger.Printf("lease renewal failed job_id=%s err=%v", jobID, err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (l *Loop) complete(ctx context.Context, span trace.Span, job domain.Job, res convert.Result) Outcome {
	err := l.retryStore(ctx, "mark_done", job.ID, func(ctx context.Context) error {
		return l.deps.Jobs.MarkDone(ctx, job.ID, res.TotalPages)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Output and checkpoint are complete. The next owner resumes at the
			// last page and only records the outcome.
			return l.interrupt(ctx, job, res.TotalPages)
		}
		l.logger.Printf("mark done failed job_id=%s err=%v", job.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark done failed")
		return OutcomeFailed
	}

	if err := l.deps.Checkpoints.Clear(ctx, job.ID); err != nil {
		l.logger.Printf("checkpoint clear failed job_id=%s err=%v", job.ID, err)
	}

	l.logger.Printf("converted job_id=%s pages=%d rendered=%d", job.ID, res.TotalPages, res.Rendered)
	span.SetAttributes(attribute.Int("job.page_count", res.TotalPages))
	span.SetStatus(codes.Ok, "converted")
	return OutcomeSucceeded
}

// fail purges partial output, drops the checkpoint and records the error on
// the job.
func (l *Loop) fail(ctx context.Context, span trace.Span, job domain.Job, cause error) Outcome {
	message := cause.Error()
	l.logger.Printf("conversion failed job_id=%s err=%v", job.ID, cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "conversion failed")

	if err := l.deps.Output.Purge(ctx, job.ID); err != nil {
		l.logger.Printf("purge failed job_id=%s err=%v", job.ID, err)
	}
	if err := l.deps.Checkpoints.Clear(ctx, job.ID); err != nil {
		l.logger.Printf("checkpoint clear failed job_id=%s err=%v", job.ID, err)
	}

	err := l.retryStore(ctx, "mark_error", job.ID, func(ctx context.Context) error {
		return l.deps.Jobs.MarkError(ctx, job.ID, message)
	})
	if err != nil {
		l.logger.Printf("mark error failed job_id=%s err=%v", job.ID, err)
	}
	return OutcomeFailed
}

// interrupt gives the job back without touching its checkpoint or output.
func (l *Loop) interrupt(ctx context.Context, job domain.Job, lastPage int) Outcome {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.deps.Jobs.Release(releaseCtx, job.ID, l.cfg.Owner); err != nil {
		l.logger.Printf("lease release failed job_id=%s err=%v", job.ID, err)
	}
	l.logger.Printf("interrupted job_id=%s last_page=%d, checkpoint kept", job.ID, lastPage)
	return OutcomeInterrupted
}

// retryStore retries transient store failures with exponential backoff until
// fn succeeds, fails permanently, or ctx is done.
func (l *Loop) retryStore(ctx context.Context, op, jobID string, fn func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !domain.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackoff(l.cfg.BackoffInitial, l.cfg.BackoffMax)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			l.metrics.storeRetryTotal.WithLabelValues(op).Inc()
			l.logger.Printf("store unavailable op=%s job_id=%s retry_in=%s err=%v", op, jobID, wait, err)
		}),
	)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}
