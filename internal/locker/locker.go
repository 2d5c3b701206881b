// Package locker provides exclusive leases on (runid, name) keys across
// processes, backed by Redis. A lease carries a unique owner token and a
// monotone fencing token; expiry reclaims leases from dead owners without
// manual cleanup.
package locker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrContended means the lease was held by someone else for the whole
	// wait window.
	ErrContended = errors.New("lock contended")
	// ErrUnavailable means the lock store could not be reached. Callers must
	// surface this and never proceed uncoordinated.
	ErrUnavailable = errors.New("lock service unavailable")
	// ErrLostOwnership means the lease expired or was taken over before an
	// extend.
	ErrLostOwnership = errors.New("lock ownership lost")
)

const (
	lockKeyPrefix  = "roc:lock:"
	fenceKeyPrefix = "roc:fence:"

	retryBase   = 25 * time.Millisecond
	retryJitter = 50 * time.Millisecond
)

// Handle identifies a held lease.
type Handle struct {
	Runid     string
	Name      string
	Token     string
	Fence     int64
	TTL       time.Duration
	ExpiresAt time.Time
}

// store is the subset of the Redis client the service needs. Narrowed so
// tests can substitute a fake.
type store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Service issues and manages keyed leases.
type Service struct {
	rdb   store
	owner string
	now   func() time.Time
}

// New creates a lock service on the shared Redis client.
func New(rdb *redis.Client) *Service {
	return newWithStore(rdb)
}

func newWithStore(rdb store) *Service {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Service{
		rdb:   rdb,
		owner: fmt.Sprintf("%s:%d", host, os.Getpid()),
		now:   time.Now,
	}
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

// Acquire takes the lease for (runid, name), retrying with jitter until
// waitTimeout elapses. TTL is mandatory; there are no infinite leases.
func (s *Service) Acquire(ctx context.Context, runid, name string, ttl, waitTimeout time.Duration) (*Handle, error) {
	if runid == "" || name == "" {
		return nil, fmt.Errorf("runid and name are required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if waitTimeout < 0 {
		return nil, fmt.Errorf("waitTimeout must not be negative")
	}

	token := fmt.Sprintf("%s:%s", s.owner, uuid.NewString())
	key := lockKey(runid, name)
	deadline := s.now().Add(waitTimeout)

	for {
		ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			fence, err := s.rdb.Incr(ctx, fenceKey(runid, name)).Result()
			if err != nil {
				// The lease is held; fencing is best-effort when the counter
				// cannot be read.
				fence = 0
			}
			return &Handle{
				Runid:     runid,
				Name:      name,
				Token:     token,
				Fence:     fence,
				TTL:       ttl,
				ExpiresAt: s.now().Add(ttl),
			}, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrContended, runid, name)
		}

		sleep := retryBase + time.Duration(rand.Int63n(int64(retryJitter)))
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Release drops the lease iff it is still owned by h. A mismatch means
// ownership was already lost and is not an error.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	err := s.rdb.Eval(ctx, releaseScript, []string{lockKey(h.Runid, h.Name)}, h.Token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Extend resets the lease TTL iff it is still owned by h.
func (s *Service) Extend(ctx context.Context, h *Handle, ttl time.Duration) error {
	if h == nil {
		return fmt.Errorf("handle is nil")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	res, err := s.rdb.Eval(ctx, extendScript, []string{lockKey(h.Runid, h.Name)}, h.Token, ttl.Milliseconds()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.(int64)
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrLostOwnership, h.Runid, h.Name)
	}
	h.TTL = ttl
	h.ExpiresAt = s.now().Add(ttl)
	return nil
}

// Statuses returns a best-effort snapshot of the run's currently locked
// names without contending for any lease.
func (s *Service) Statuses(ctx context.Context, runid string) (map[string]bool, error) {
	if runid == "" {
		return nil, fmt.Errorf("runid is required")
	}
	prefix := lockKeyPrefix + runid + ":"
	out := make(map[string]bool)

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 64).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			out[strings.TrimPrefix(key, prefix)] = true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func lockKey(runid, name string) string {
	return lockKeyPrefix + runid + ":" + name
}

func fenceKey(runid, name string) string {
	return fenceKeyPrefix + runid + ":" + name
}
