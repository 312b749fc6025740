package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/dunamismax/pagemill/internal/fsutil"
)

// LocalStore lays artifacts out as <Root>/<job_id>/content_NNN.b64.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("content root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &LocalStore{Root: root}, nil
}

func (s *LocalStore) JobDir(jobID string) string {
	return filepath.Join(s.Root, jobID)
}

func (s *LocalStore) Write(ctx context.Context, jobID string, page int, data []byte) error {
	if err := validateWrite(jobID, page); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.JobDir(jobID)
	created := false
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		created = true
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", jobID, err)
	}
	if created {
		if err := fsutil.SyncDir(s.Root); err != nil {
			return err
		}
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, domain.ArtifactName(page)), data); err != nil {
		return fmt.Errorf("write artifact %s page %d: %w", jobID, page, err)
	}
	return nil
}

func (s *LocalStore) Purge(_ context.Context, jobID string) error {
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("purge output %s: %w", jobID, err)
	}
	return nil
}

func (s *LocalStore) Count(_ context.Context, jobID string) (int, error) {
	if err := domain.ValidateJobID(jobID); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(s.JobDir(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list output %s: %w", jobID, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := PageFromName(entry.Name()); ok {
			count++
		}
	}
	return count, nil
}

// Read returns the stored artifact for one page.
func (s *LocalStore) Read(_ context.Context, jobID string, page int) ([]byte, error) {
	if err := validateWrite(jobID, page); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.JobDir(jobID), domain.ArtifactName(page)))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s page %d: %w", jobID, page, err)
	}
	return data, nil
}
