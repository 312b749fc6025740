package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
)

const checkpointSchemaSQL = `
CREATE TABLE IF NOT EXISTS job_checkpoints (
	job_id TEXT PRIMARY KEY,
	last_page INTEGER NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore keeps checkpoints next to the job rows so resume state
// survives losing the worker host entirely.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("postgres connection is required")
	}
	if _, err := db.ExecContext(ctx, checkpointSchemaSQL); err != nil {
		return nil, fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, jobID string) (domain.Checkpoint, bool, error) {
	var cp domain.Checkpoint
	err := s.db.QueryRowContext(
		ctx,
		`SELECT job_id, last_page, fingerprint, updated_at FROM job_checkpoints WHERE job_id = $1`,
		jobID,
	).Scan(&cp.JobID, &cp.LastPage, &cp.Fingerprint, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("query checkpoint %s: %w", jobID, err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_checkpoints (job_id, last_page, fingerprint, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO UPDATE
		 SET last_page = EXCLUDED.last_page,
		     fingerprint = EXCLUDED.fingerprint,
		     updated_at = EXCLUDED.updated_at`,
		cp.JobID,
		cp.LastPage,
		cp.Fingerprint,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_checkpoints WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	return nil
}
