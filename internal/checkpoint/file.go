package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/fsutil"
)

// FileStore keeps one JSON side file per job under Dir.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(jobID string) string {
	return filepath.Join(s.Dir, jobID+".json")
}

func (s *FileStore) Load(_ context.Context, jobID string) (domain.Checkpoint, bool, error) {
	if err := domain.ValidateJobID(jobID); err != nil {
		return domain.Checkpoint{}, false, err
	}

	data, err := os.ReadFile(s.path(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", jobID, err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	if cp.JobID != jobID {
		return domain.Checkpoint{}, false, fmt.Errorf("checkpoint file for %s records job %s", jobID, cp.JobID)
	}
	return cp, true, nil
}

func (s *FileStore) Save(_ context.Context, cp domain.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.JobID, err)
	}
	if err := fsutil.WriteFileAtomic(s.path(cp.JobID), data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context, jobID string) error {
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	err := os.Remove(s.path(jobID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint %s: %w", jobID, err)
	}
	return nil
}
