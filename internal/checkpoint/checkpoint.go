// Package checkpoint persists per-job resume state. A checkpoint claiming page
// k implies artifacts 1..k were durably written before it was saved.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/dunamismax/pagemill/internal/domain"
)

type Store interface {
	Load(ctx context.Context, jobID string) (domain.Checkpoint, bool, error)
	Save(ctx context.Context, cp domain.Checkpoint) error
	// Clear is idempotent.
	Clear(ctx context.Context, jobID string) error
}

func validate(cp domain.Checkpoint) error {
	if err := domain.ValidateJobID(cp.JobID); err != nil {
		return err
	}
	if cp.LastPage < 1 {
		return fmt.Errorf("checkpoint for %s: last page must be >= 1, got %d", cp.JobID, cp.LastPage)
	}
	return nil
}
