package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/reconcile"
	"github.com/hibiken/asynq"
)

type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
}

// SweepServer runs reconciliation sweeps from the queue and, when a cron spec
// is set, schedules them periodically.
type SweepServer struct {
	logger    *log.Logger
	server    *asynq.Server
	scheduler *asynq.Scheduler
	sweeper   Sweeper
	queue     string
	cronSpec  string
}

func NewSweepServer(logger *log.Logger, redisOpt asynq.RedisClientOpt, queueName, cronSpec string, sweeper Sweeper) (*SweepServer, error) {
	if sweeper == nil {
		return nil, errors.New("sweeper is required")
	}

	s := &SweepServer{
		logger:   logger,
		sweeper:  sweeper,
		queue:    queueName,
		cronSpec: strings.TrimSpace(cronSpec),
		server: asynq.NewServer(
			redisOpt,
			asynq.Config{
				// Sweeps walk every done job; one at a time is enough.
				Concurrency: 1,
				Queues: map[string]int{
					queueName: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
	}

	if s.cronSpec != "" {
		s.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			LogLevel: asynq.InfoLevel,
		})
		task, err := NewReconcileSweepTask(ReconcileSweepPayload{RequestedBy: "scheduler"})
		if err != nil {
			return nil, err
		}
		if _, err := s.scheduler.Register(s.cronSpec, task, sweepOptions(queueName)...); err != nil {
			return nil, fmt.Errorf("register sweep schedule %q: %w", s.cronSpec, err)
		}
	}
	return s, nil
}

// Run processes sweeps until ctx is done.
func (s *SweepServer) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReconcileSweep, s.handleReconcileSweep)

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start sweep server: %w", err)
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			s.server.Shutdown()
			return fmt.Errorf("start sweep scheduler: %w", err)
		}
		s.logger.Printf("sweep scheduled cron=%q queue=%s", s.cronSpec, s.queue)
	}

	<-ctx.Done()
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	s.server.Shutdown()
	return nil
}

func (s *SweepServer) handleReconcileSweep(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseReconcileSweepPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	startedAt := time.Now()
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("reconcile sweep: %w", err)
	}

	s.logger.Printf(
		"sweep finished requested_by=%s checked=%d requeued=%d errors=%d took=%s",
		payload.RequestedBy,
		report.Checked,
		report.Requeued,
		report.Errors,
		time.Since(startedAt).Round(time.Millisecond),
	)
	return nil
}
