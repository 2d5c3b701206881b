package nodb

import (
	"container/list"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/weppcloud/roc/internal/locker"
	"github.com/weppcloud/roc/internal/log"
	"github.com/weppcloud/roc/internal/runfs"
)

// LockService is the subset of the keyed lock service the store uses.
type LockService interface {
	Acquire(ctx context.Context, runid, name string, ttl, waitTimeout time.Duration) (*locker.Handle, error)
	Release(ctx context.Context, h *locker.Handle) error
}

// Options tunes a controller store.
type Options struct {
	// LockTTL bounds how long a crashed writer can block others.
	LockTTL time.Duration
	// LockWait bounds how long Locked waits for a contended lease.
	LockWait time.Duration
	// CacheSize caps the per-process instance cache (entries, LRU).
	CacheSize int
	// OnCritical, if set, receives unrecoverable load failures so they can
	// be surfaced on the run's event log.
	OnCritical func(ctx context.Context, runid, source, message string)
}

type cacheEntry struct {
	runid string
	inst  *Instance
	mtime time.Time
}

// Store loads and persists one controller type across runs.
type Store struct {
	spec   Spec
	runs   *runfs.Manager
	locks  LockService
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // front = most recent
}

// envelope is the on-disk document shape.
type envelope struct {
	Schema     int             `json:"schema"`
	Controller string          `json:"controller"`
	WrittenAt  float64         `json:"written_at"`
	Checksum   string          `json:"checksum"`
	Payload    json.RawMessage `json:"payload"`
}

// NewStore creates a controller store.
func NewStore(spec Spec, runs *runfs.Manager, locks LockService, opts Options) (*Store, error) {
	if err := spec.check(); err != nil {
		return nil, err
	}
	if runs == nil {
		return nil, fmt.Errorf("run manager is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock service is required")
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.LockWait < 0 {
		opts.LockWait = 0
	} else if opts.LockWait == 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	return &Store{
		spec:   spec,
		runs:   runs,
		locks:  locks,
		opts:   opts,
		logger: log.WithComponent("nodb").With("controller", spec.Name),
		cache:  make(map[string]*list.Element),
		order:  list.New(),
	}, nil
}

// Name returns the controller name this store manages.
func (s *Store) Name() string { return s.spec.Name }

// Get returns a read snapshot for runid. The process-local cached instance is
// reused while the file mtime is unchanged; otherwise the file is reloaded.
// The returned instance is a copy; mutate state through Locked or Update.
func (s *Store) Get(ctx context.Context, runid string) (*Instance, error) {
	path, err := s.runs.ControllerPath(runid, s.spec.Name)
	if err != nil {
		return nil, err
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("stat controller file: %w", statErr)
		}
		// Never persisted: defaults, not cached (no mtime to validate).
		return s.fresh(runid), nil
	}

	s.mu.Lock()
	if el, ok := s.cache[runid]; ok {
		entry := el.Value.(*cacheEntry)
		if entry.mtime.Equal(info.ModTime()) {
			s.order.MoveToFront(el)
			inst := entry.inst.clone()
			s.mu.Unlock()
			return inst, nil
		}
		// Stale: drop before reload.
		s.order.Remove(el)
		delete(s.cache, runid)
	}
	s.mu.Unlock()

	inst, err := s.load(ctx, runid, path)
	if err != nil {
		return nil, err
	}
	s.cachePut(runid, inst, info.ModTime())
	return inst.clone(), nil
}

// Locked acquires the controller's keyed lock, loads the latest snapshot,
// applies fn, and persists atomically iff fn modified the instance. On error
// the lock is released without writing and the cache entry is invalidated.
func (s *Store) Locked(ctx context.Context, runid string, fn func(*Instance) error) error {
	if _, err := s.runs.EnsureLayout(runid); err != nil {
		return err
	}
	path, err := s.runs.ControllerPath(runid, s.spec.Name)
	if err != nil {
		return err
	}

	h, err := s.locks.Acquire(ctx, runid, s.spec.Name, s.opts.LockTTL, s.opts.LockWait)
	if err != nil {
		return err
	}
	defer func() { _ = s.locks.Release(ctx, h) }()

	var inst *Instance
	if _, statErr := os.Stat(path); statErr != nil {
		if !os.IsNotExist(statErr) {
			s.invalidate(runid)
			return fmt.Errorf("stat controller file: %w", statErr)
		}
		inst = s.fresh(runid)
	} else {
		inst, err = s.load(ctx, runid, path)
		if err != nil {
			s.invalidate(runid)
			return err
		}
	}

	if err := fn(inst); err != nil {
		s.invalidate(runid)
		return err
	}
	if !inst.modified {
		return nil
	}

	if err := s.writeAtomic(path, inst); err != nil {
		s.invalidate(runid)
		return err
	}

	info, statErr := os.Stat(path)
	if statErr == nil {
		inst.modified = false
		s.cachePut(runid, inst, info.ModTime())
	} else {
		s.invalidate(runid)
	}
	return nil
}

// Update applies fields inside Locked and persists.
func (s *Store) Update(ctx context.Context, runid string, fields map[string]any) error {
	return s.Locked(ctx, runid, func(in *Instance) error {
		in.SetAll(fields)
		return nil
	})
}

// Reset restores the controller to its default payload.
func (s *Store) Reset(ctx context.Context, runid string) error {
	return s.Locked(ctx, runid, func(in *Instance) error {
		in.payload = s.spec.Defaults()
		in.Schema = s.spec.SchemaVersion
		in.modified = true
		return nil
	})
}

// Invalidate drops the cached instance for runid, forcing the next Get to
// reload from disk.
func (s *Store) Invalidate(runid string) { s.invalidate(runid) }

func (s *Store) fresh(runid string) *Instance {
	return &Instance{
		Runid:      runid,
		Controller: s.spec.Name,
		Schema:     s.spec.SchemaVersion,
		payload:    s.spec.Defaults(),
		loadedAt:   time.Now(),
	}
}

func (s *Store) load(ctx context.Context, runid, path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read controller file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.critical(ctx, runid, fmt.Sprintf("controller %s failed to decode: %v", s.spec.Name, err))
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	if env.Schema > s.spec.SchemaVersion {
		s.critical(ctx, runid, fmt.Sprintf("controller %s written at schema %d, binary understands %d", s.spec.Name, env.Schema, s.spec.SchemaVersion))
		return nil, fmt.Errorf("%w: %s schema %d > %d", ErrSchemaTooNew, s.spec.Name, env.Schema, s.spec.SchemaVersion)
	}
	if env.Checksum != "" && env.Checksum != payloadChecksum(env.Payload) {
		s.critical(ctx, runid, fmt.Sprintf("controller %s checksum mismatch", s.spec.Name))
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupted, path)
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.critical(ctx, runid, fmt.Sprintf("controller %s payload invalid: %v", s.spec.Name, err))
		return nil, fmt.Errorf("%w: %s payload: %v", ErrCorrupted, path, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	if env.Schema < s.spec.SchemaVersion && s.spec.Migrate != nil {
		payload, err = s.spec.Migrate(env.Schema, payload)
		if err != nil {
			return nil, fmt.Errorf("migrate controller %s from schema %d: %w", s.spec.Name, env.Schema, err)
		}
	}

	if s.spec.Validate != nil {
		if err := s.spec.Validate(payload); err != nil {
			return nil, fmt.Errorf("validate controller %s: %w", s.spec.Name, err)
		}
	}

	return &Instance{
		Runid:      runid,
		Controller: s.spec.Name,
		Schema:     s.spec.SchemaVersion,
		payload:    payload,
		loadedAt:   time.Now(),
	}, nil
}

// writeAtomic persists the document with the write-temp, fsync, rename
// sequence so readers never observe a partial file.
func (s *Store) writeAtomic(path string, inst *Instance) error {
	raw, err := json.Marshal(inst.payload)
	if err != nil {
		return fmt.Errorf("marshal controller payload: %w", err)
	}
	env := envelope{
		Schema:     s.spec.SchemaVersion,
		Controller: s.spec.Name,
		WrittenAt:  float64(time.Now().UnixNano()) / 1e9,
		Checksum:   payloadChecksum(raw),
		Payload:    raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal controller document: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+s.spec.Name+".nodb.tmp*")
	if err != nil {
		return fmt.Errorf("create temp controller file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp controller file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp controller file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp controller file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp controller file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename controller file: %w", err)
	}
	return nil
}

func (s *Store) cachePut(runid string, inst *Instance, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.cache[runid]; ok {
		entry := el.Value.(*cacheEntry)
		entry.inst = inst.clone()
		entry.mtime = mtime
		s.order.MoveToFront(el)
		return
	}
	el := s.order.PushFront(&cacheEntry{runid: runid, inst: inst.clone(), mtime: mtime})
	s.cache[runid] = el

	for len(s.cache) > s.opts.CacheSize {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		s.order.Remove(oldest)
		delete(s.cache, entry.runid)
	}
}

func (s *Store) invalidate(runid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.cache[runid]; ok {
		s.order.Remove(el)
		delete(s.cache, runid)
	}
}

func (s *Store) critical(ctx context.Context, runid, message string) {
	s.logger.Error(message, "runid", runid)
	if s.opts.OnCritical != nil {
		s.opts.OnCritical(ctx, runid, s.spec.Name, message)
	}
}

func payloadChecksum(raw []byte) string {
	sum := blake3.Sum256(raw)
	return "blake3:" + hex.EncodeToString(sum[:])
}
