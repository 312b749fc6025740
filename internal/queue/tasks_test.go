package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dunamismax/pagemill/internal/reconcile"
	"github.com/hibiken/asynq"
)

func TestReconcileSweepTaskRoundTrip(t *testing.T) {
	requestedAt := time.Now().UTC().Truncate(time.Second)
	task, err := NewReconcileSweepTask(ReconcileSweepPayload{RequestedBy: "pagectl", RequestedAt: requestedAt})
	if err != nil {
		t.Fatalf("NewReconcileSweepTask returned error: %v", err)
	}
	if task.Type() != TypeReconcileSweep {
		t.Fatalf("expected type %q, got %q", TypeReconcileSweep, task.Type())
	}

	parsed, err := ParseReconcileSweepPayload(task)
	if err != nil {
		t.Fatalf("ParseReconcileSweepPayload returned error: %v", err)
	}
	if parsed.RequestedBy != "pagectl" || !parsed.RequestedAt.Equal(requestedAt) {
		t.Fatalf("unexpected payload: %+v", parsed)
	}
}

func TestReconcileSweepTaskDefaultsRequester(t *testing.T) {
	task, err := NewReconcileSweepTask(ReconcileSweepPayload{})
	if err != nil {
		t.Fatalf("NewReconcileSweepTask returned error: %v", err)
	}
	parsed, _ := ParseReconcileSweepPayload(task)
	if parsed.RequestedBy != "scheduler" {
		t.Fatalf("expected scheduler requester, got %q", parsed.RequestedBy)
	}
}

type fakeSweeper struct {
	calls  int
	report reconcile.Report
	err    error
}

func (f *fakeSweeper) Sweep(context.Context) (reconcile.Report, error) {
	f.calls++
	return f.report, f.err
}

func TestHandleReconcileSweep(t *testing.T) {
	sweeper := &fakeSweeper{report: reconcile.Report{Checked: 4, Requeued: 1}}
	s := &SweepServer{logger: log.New(io.Discard, "", 0), sweeper: sweeper}

	task, _ := NewReconcileSweepTask(ReconcileSweepPayload{RequestedBy: "test"})
	if err := s.handleReconcileSweep(context.Background(), task); err != nil {
		t.Fatalf("handle sweep: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}

	sweeper.err = errors.New("store down")
	if err := s.handleReconcileSweep(context.Background(), task); err == nil {
		t.Fatal("expected sweep error to be returned for retry")
	}

	bad := asynq.NewTask(TypeReconcileSweep, []byte("{not json"))
	if err := s.handleReconcileSweep(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for bad payload, got %v", err)
	}
}
