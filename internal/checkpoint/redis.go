package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints as JSON values under <prefix>:<job_id>. A TTL of
// zero keeps keys until Clear.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pagemill:checkpoint"
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (s *RedisStore) key(jobID string) string {
	return s.keyPrefix + ":" + jobID
}

func (s *RedisStore) Load(ctx context.Context, jobID string) (domain.Checkpoint, bool, error) {
	if err := domain.ValidateJobID(jobID); err != nil {
		return domain.Checkpoint{}, false, err
	}

	raw, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("get checkpoint %s: %w", jobID, err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", jobID, err)
	}
	if cp.JobID != jobID {
		return domain.Checkpoint{}, false, fmt.Errorf("checkpoint key for %s records job %s", jobID, cp.JobID)
	}
	return cp, true, nil
}

func (s *RedisStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.JobID, err)
	}
	if err := s.client.Set(ctx, s.key(cp.JobID), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", cp.JobID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, jobID string) error {
	if err := domain.ValidateJobID(jobID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(jobID)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	return nil
}
