// Package artifact stores per-page conversion output addressed by job id and
// 1-based page index.
package artifact

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dunamismax/pagemill/internal/domain"
)

type Store interface {
	// Write durably stores one page. It returns only once the artifact would
	// survive a crash.
	Write(ctx context.Context, jobID string, page int, data []byte) error
	// Purge removes all output for a job. Purging absent output is a no-op.
	Purge(ctx context.Context, jobID string) error
	// Count reports how many artifacts a job has.
	Count(ctx context.Context, jobID string) (int, error)
}

var artifactNamePattern = regexp.MustCompile(`^content_(\d{3,})\.` + domain.ArtifactExt + `$`)

// PageFromName returns the page index encoded in an artifact file name.
func PageFromName(name string) (int, bool) {
	m := artifactNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	page, err := strconv.Atoi(m[1])
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

func validateWrite(jobID string, page int) error {
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	if page < 1 {
		return fmt.Errorf("page index must be >= 1, got %d", page)
	}
	return nil
}
