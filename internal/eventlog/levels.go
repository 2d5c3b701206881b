package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const levelKeyPrefix = "loglevel:"

// kvStore is the slice of the Redis client the level store needs.
type kvStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// LevelStore holds the effective per-run log level at loglevel:<runid>.
// Changing a level applies to subsequent events only.
type LevelStore struct {
	rdb kvStore
}

// NewLevelStore creates a level store on the shared Redis client.
func NewLevelStore(rdb *redis.Client) *LevelStore {
	return &LevelStore{rdb: rdb}
}

func newLevelStoreWith(rdb kvStore) *LevelStore {
	return &LevelStore{rdb: rdb}
}

// Set validates and stores the effective level for runid.
func (s *LevelStore) Set(ctx context.Context, runid, level string) error {
	if runid == "" {
		return fmt.Errorf("runid is required")
	}
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, levelKeyPrefix+runid, parsed.String(), 0).Err(); err != nil {
		return fmt.Errorf("store log level: %w", err)
	}
	return nil
}

// Get returns the effective level for runid, defaulting to INFO when unset
// or when the store cannot be reached.
func (s *LevelStore) Get(ctx context.Context, runid string) Level {
	raw, err := s.rdb.Get(ctx, levelKeyPrefix+runid).Result()
	if err != nil {
		// Unset or unreachable: store trouble must not silence the log.
		return LevelInfo
	}
	parsed, err := ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return LevelInfo
	}
	return parsed
}
