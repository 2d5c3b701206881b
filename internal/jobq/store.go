package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "roc:job:"
	queueKeyPrefix  = "roc:jobq:"
	cancelKeyPrefix = "roc:jobcancel:"
	depsKeyPrefix   = "roc:jobdeps:"
)

// Store persists job envelopes and the per-queue FIFO order.
type Store interface {
	// Create persists a new envelope. Queued envelopes are also appended
	// to their queue; deferred ones are indexed under their parent.
	Create(ctx context.Context, env *Envelope) error

	// Get loads an envelope, ErrUnknownJob when absent.
	Get(ctx context.Context, jobID string) (*Envelope, error)

	// Save overwrites an existing envelope. Terminal envelopes start the
	// retention clock.
	Save(ctx context.Context, env *Envelope) error

	// PopNext claims the oldest job across queues, blocking up to block.
	// Returns (nil, nil) when nothing arrived in time.
	PopNext(ctx context.Context, queues []string, block time.Duration) (*Envelope, error)

	// Requeue appends an existing job id back onto its queue.
	Requeue(ctx context.Context, env *Envelope) error

	// RequestCancel raises the cooperative cancel flag for a job.
	RequestCancel(ctx context.Context, jobID string) error

	// CancelRequested reads the cooperative cancel flag.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// Dependents returns ids of jobs deferred on parentID and clears the
	// index.
	Dependents(ctx context.Context, parentID string) ([]string, error)
}

// RedisStore keeps envelopes as JSON values and queues as Redis lists.
type RedisStore struct {
	rdb       *redis.Client
	resultTTL time.Duration
}

// NewRedisStore creates a store retaining terminal jobs for resultTTL.
func NewRedisStore(rdb *redis.Client, resultTTL time.Duration) *RedisStore {
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, resultTTL: resultTTL}
}

func (s *RedisStore) Create(ctx context.Context, env *Envelope) error {
	if err := s.write(ctx, env, 0); err != nil {
		return err
	}
	switch env.Status {
	case StatusQueued:
		if err := s.rdb.LPush(ctx, queueKeyPrefix+env.Queue, env.JobID).Err(); err != nil {
			return fmt.Errorf("push job %s: %w", env.JobID, err)
		}
	case StatusDeferred:
		if env.DependsOn == "" {
			return fmt.Errorf("deferred job %s has no parent", env.JobID)
		}
		if err := s.rdb.SAdd(ctx, depsKeyPrefix+env.DependsOn, env.JobID).Err(); err != nil {
			return fmt.Errorf("index deferred job %s: %w", env.JobID, err)
		}
	default:
		return fmt.Errorf("create job %s in status %s", env.JobID, env.Status)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Envelope, error) {
	raw, err := s.rdb.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &env, nil
}

func (s *RedisStore) Save(ctx context.Context, env *Envelope) error {
	ttl := time.Duration(0)
	if env.Status.Terminal() {
		ttl = s.resultTTL
	}
	return s.write(ctx, env, ttl)
}

func (s *RedisStore) PopNext(ctx context.Context, queues []string, block time.Duration) (*Envelope, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKeyPrefix + q
	}
	res, err := s.rdb.BRPop(ctx, block, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	// BRPOP returns (key, value).
	return s.Get(ctx, res[1])
}

func (s *RedisStore) Requeue(ctx context.Context, env *Envelope) error {
	if err := s.write(ctx, env, 0); err != nil {
		return err
	}
	if err := s.rdb.LPush(ctx, queueKeyPrefix+env.Queue, env.JobID).Err(); err != nil {
		return fmt.Errorf("requeue job %s: %w", env.JobID, err)
	}
	return nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	if err := s.rdb.Set(ctx, cancelKeyPrefix+jobID, "1", s.resultTTL).Err(); err != nil {
		return fmt.Errorf("request cancel of %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	_, err := s.rdb.Get(ctx, cancelKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag of %s: %w", jobID, err)
	}
	return true, nil
}

func (s *RedisStore) Dependents(ctx context.Context, parentID string) ([]string, error) {
	key := depsKeyPrefix + parentID
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load dependents of %s: %w", parentID, err)
	}
	if len(ids) > 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("clear dependents of %s: %w", parentID, err)
		}
	}
	return ids, nil
}

func (s *RedisStore) write(ctx context.Context, env *Envelope, ttl time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", env.JobID, err)
	}
	if err := s.rdb.Set(ctx, jobKeyPrefix+env.JobID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", env.JobID, err)
	}
	return nil
}
