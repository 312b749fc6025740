// Package ratelimit throttles operator requeues with token buckets kept in
// Redis, so every API replica spends from the same budgets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope names the bucket that refused a requeue.
type Scope string

const (
	ScopeNone   Scope = ""
	ScopeCaller Scope = "caller"
	ScopeJob    Scope = "job"
)

type Decision struct {
	Allowed bool
	// Remaining is the caller's budget left after this call, or -1 when
	// callers are not limited.
	Remaining  int64
	RetryAfter time.Duration
	// LimitedBy is set when Allowed is false.
	LimitedBy Scope
}

// Budget refills Capacity tokens evenly over Window.
type Budget struct {
	Capacity int
	Window   time.Duration
}

func (b Budget) enabled() bool { return b.Capacity > 0 }

func (b Budget) refillPerMS() float64 {
	return float64(b.Capacity) / float64(max(b.Window.Milliseconds(), 1))
}

type Config struct {
	// PerCaller bounds how often one operator may requeue anything.
	PerCaller Budget
	// PerJob bounds how often a single job may be requeued, whoever asks.
	PerJob    Budget
	KeyPrefix string
}

// RequeueBudget charges a requeue against the caller's bucket and the job's
// bucket at once. A call spends a token only when both buckets have one.
type RequeueBudget struct {
	client    redis.UniversalClient
	cfg       Config
	keyPrefix string
	now       func() time.Time
}

func NewRequeueBudget(client redis.UniversalClient, cfg Config) (*RequeueBudget, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if !cfg.PerCaller.enabled() && !cfg.PerJob.enabled() {
		return nil, errors.New("at least one of the caller or job budgets must be set")
	}
	for name, b := range map[string]Budget{"caller": cfg.PerCaller, "job": cfg.PerJob} {
		if b.enabled() && b.Window <= 0 {
			return nil, fmt.Errorf("%s budget window must be positive", name)
		}
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "pagemill:requeue"
	}
	return &RequeueBudget{client: client, cfg: cfg, keyPrefix: prefix, now: time.Now}, nil
}

// Each bucket is a hash {tokens, ts}. A disabled bucket has capacity 0 and is
// never read or written. Returns {allowed, caller_tokens, retry_ms, limiter}
// where limiter is 0 none, 1 caller, 2 job.
var spendScript = redis.NewScript(`
local now = tonumber(ARGV[1])

local function refill(key, capacity, rate)
  if capacity <= 0 then
    return -1
  end
  local state = redis.call("HMGET", key, "tokens", "ts")
  local tokens = tonumber(state[1]) or capacity
  local ts = tonumber(state[2]) or now
  return math.min(capacity, tokens + math.max(0, now - ts) * rate)
end

local function wait_ms(tokens, rate)
  if tokens < 0 or tokens >= 1 then
    return 0
  end
  return math.ceil((1 - tokens) / rate)
end

local caller_cap, caller_rate, caller_ttl = tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
local job_cap, job_rate, job_ttl = tonumber(ARGV[5]), tonumber(ARGV[6]), tonumber(ARGV[7])

local caller = refill(KEYS[1], caller_cap, caller_rate)
local job = refill(KEYS[2], job_cap, job_rate)

local caller_wait = wait_ms(caller, caller_rate)
local job_wait = wait_ms(job, job_rate)

local limiter = 0
if job_wait > 0 and job_wait >= caller_wait then
  limiter = 2
elseif caller_wait > 0 then
  limiter = 1
end

if limiter == 0 then
  if caller >= 0 then caller = caller - 1 end
  if job >= 0 then job = job - 1 end
end

if caller >= 0 then
  redis.call("HSET", KEYS[1], "tokens", caller, "ts", now)
  redis.call("PEXPIRE", KEYS[1], caller_ttl)
end
if job >= 0 then
  redis.call("HSET", KEYS[2], "tokens", job, "ts", now)
  redis.call("PEXPIRE", KEYS[2], job_ttl)
end

return {limiter == 0 and 1 or 0, math.floor(caller), math.max(caller_wait, job_wait), limiter}
`)

// AllowRequeue spends one token from caller's and jobID's buckets. An empty
// caller shares the anonymous bucket.
func (b *RequeueBudget) AllowRequeue(ctx context.Context, caller, jobID string) (Decision, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		caller = "anonymous"
	}
	if strings.TrimSpace(jobID) == "" {
		return Decision{}, errors.New("job id is required")
	}

	keys := []string{
		b.keyPrefix + ":caller:" + caller,
		b.keyPrefix + ":job:" + jobID,
	}
	args := []any{b.now().UTC().UnixMilli()}
	args = append(args, budgetArgs(b.cfg.PerCaller)...)
	args = append(args, budgetArgs(b.cfg.PerJob)...)

	reply, err := spendScript.Run(ctx, b.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("spend requeue budget caller=%s job_id=%s: %w", caller, jobID, err)
	}
	if len(reply) != 4 {
		return Decision{}, fmt.Errorf("unexpected requeue budget reply %v", reply)
	}

	d := Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}
	switch reply[3] {
	case 1:
		d.LimitedBy = ScopeCaller
	case 2:
		d.LimitedBy = ScopeJob
	}
	return d, nil
}

func budgetArgs(b Budget) []any {
	if !b.enabled() {
		return []any{0, 0, 0}
	}
	return []any{b.Capacity, b.refillPerMS(), (2 * b.Window).Milliseconds()}
}
