package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/pagemill/internal/domain"
)

type objectClient interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// ObjectStore keeps the same relative layout as LocalStore under a bucket
// prefix.
type ObjectStore struct {
	client objectClient
	prefix string
}

func NewObjectStore(client objectClient, prefix string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("object storage client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "content"
	}
	return &ObjectStore{client: client, prefix: prefix}, nil
}

func (s *ObjectStore) jobPrefix(jobID string) string {
	return path.Join(s.prefix, jobID) + "/"
}

func (s *ObjectStore) Write(ctx context.Context, jobID string, page int, data []byte) error {
	if err := validateWrite(jobID, page); err != nil {
		return err
	}
	key := s.jobPrefix(jobID) + domain.ArtifactName(page)
	if err := s.client.WriteObject(ctx, key, data, "text/plain; charset=us-ascii"); err != nil {
		return fmt.Errorf("write artifact %s page %d: %w", jobID, page, err)
	}
	return nil
}

func (s *ObjectStore) Purge(ctx context.Context, jobID string) error {
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := s.client.RemovePrefix(ctx, s.jobPrefix(jobID)); err != nil {
		return fmt.Errorf("purge output %s: %w", jobID, err)
	}
	return nil
}

func (s *ObjectStore) Count(ctx context.Context, jobID string) (int, error) {
	if err := domain.ValidateJobID(jobID); err != nil {
		return 0, err
	}
	prefix := s.jobPrefix(jobID)
	keys, err := s.client.ListKeys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list output %s: %w", jobID, err)
	}

	count := 0
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		if _, ok := PageFromName(rest); ok {
			count++
		}
	}
	return count, nil
}
