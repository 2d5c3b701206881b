package nodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/weppcloud/roc/internal/locker"
	"github.com/weppcloud/roc/internal/runfs"
)

// fakeLocks serializes Locked callers in-process the way the Redis lock
// service does across processes.
type fakeLocks struct {
	mu    sync.Mutex
	held  map[string]bool
	fence int64

	contended bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (f *fakeLocks) Acquire(ctx context.Context, runid, name string, ttl, wait time.Duration) (*locker.Handle, error) {
	key := runid + "/" + name
	deadline := time.Now().Add(wait)
	for {
		f.mu.Lock()
		if f.contended {
			f.mu.Unlock()
			return nil, locker.ErrContended
		}
		if !f.held[key] {
			f.held[key] = true
			f.fence++
			fence := f.fence
			f.mu.Unlock()
			return &locker.Handle{Runid: runid, Name: name, Token: "t", Fence: fence}, nil
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, locker.ErrContended
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeLocks) Release(ctx context.Context, h *locker.Handle) error {
	f.mu.Lock()
	delete(f.held, h.Runid+"/"+h.Name)
	f.mu.Unlock()
	return nil
}

func testSpec() Spec {
	return Spec{
		Name:          "soils",
		SchemaVersion: 2,
		Defaults: func() map[string]any {
			return map[string]any{"built": false, "db": "ssurgo"}
		},
	}
}

func newTestStore(t *testing.T, spec Spec) (*Store, *runfs.Manager) {
	t.Helper()
	runs, err := runfs.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s, err := NewStore(spec, runs, newFakeLocks(), Options{LockWait: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, runs
}

func TestGetReturnsDefaultsBeforeFirstWrite(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, testSpec())
	inst, err := s.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, _ := inst.Get("db"); v != "ssurgo" {
		t.Fatalf("expected default payload, got %v", inst.Payload())
	}
	if inst.Modified() {
		t.Fatalf("fresh instance must not be dirty")
	}
}

func TestLockedPersistsAndStampsSchema(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	ctx := context.Background()

	err := s.Locked(ctx, "abc", func(in *Instance) error {
		in.Set("built", true)
		return nil
	})
	if err != nil {
		t.Fatalf("Locked: %v", err)
	}

	path, _ := runs.ControllerPath("abc", "soils")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read controller file: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Schema != 2 || env.Controller != "soils" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Checksum != payloadChecksum(env.Payload) {
		t.Fatalf("checksum not stamped correctly")
	}

	inst, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, _ := inst.Get("built"); v != true {
		t.Fatalf("expected built=true, got %v", v)
	}
}

func TestLockedWithoutModificationWritesNothing(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	err := s.Locked(context.Background(), "abc", func(in *Instance) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Locked: %v", err)
	}
	path, _ := runs.ControllerPath("abc", "soils")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("no file should exist after a read-only Locked")
	}
}

func TestGetReloadsWhenFileChangesOnDisk(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	ctx := context.Background()

	if err := s.Update(ctx, "abc", map[string]any{"db": "esdac"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := s.Get(ctx, "abc"); err != nil {
		t.Fatalf("Get (cache fill): %v", err)
	}

	// Another process rewrites the file.
	other, err := NewStore(testSpec(), runs, newFakeLocks(), Options{})
	if err != nil {
		t.Fatalf("NewStore (other): %v", err)
	}
	if err := other.Update(ctx, "abc", map[string]any{"db": "statsgo"}); err != nil {
		t.Fatalf("Update (other): %v", err)
	}
	// Make sure the mtime differs even on coarse filesystems.
	path, _ := runs.ControllerPath("abc", "soils")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	inst, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get (reload): %v", err)
	}
	if v, _ := inst.Get("db"); v != "statsgo" {
		t.Fatalf("expected reloaded value, got %v", v)
	}
}

func TestCorruptedFileRefusedAndPreserved(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	ctx := context.Background()

	if err := s.Update(ctx, "abc", map[string]any{"db": "esdac"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	path, _ := runs.ControllerPath("abc", "soils")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	_, err := s.Get(ctx, "abc")
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "{not json" {
		t.Fatalf("corrupted file must be preserved, got %q, %v", data, err)
	}
}

func TestChecksumMismatchIsCorrupted(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	ctx := context.Background()

	if err := s.Update(ctx, "abc", map[string]any{"db": "esdac"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	path, _ := runs.ControllerPath("abc", "soils")
	data, _ := os.ReadFile(path)
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	env.Payload = json.RawMessage(`{"db":"tampered"}`)
	tampered, _ := json.Marshal(env)
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	if _, err := s.Get(ctx, "abc"); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted for checksum mismatch, got %v", err)
	}
}

func TestSchemaTooNewRefusedWithoutOverwrite(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	ctx := context.Background()

	payload := json.RawMessage(`{"db":"future"}`)
	env := envelope{Schema: 99, Controller: "soils", Checksum: payloadChecksum(payload), Payload: payload}
	data, _ := json.Marshal(env)
	path, _ := runs.ControllerPath("abc", "soils")
	if _, err := runs.EnsureLayout("abc"); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := s.Get(ctx, "abc"); !errors.Is(err, ErrSchemaTooNew) {
		t.Fatalf("expected ErrSchemaTooNew, got %v", err)
	}
	// A mutation attempt must also refuse rather than clobber.
	err := s.Locked(ctx, "abc", func(in *Instance) error {
		in.Set("db", "clobber")
		return nil
	})
	if !errors.Is(err, ErrSchemaTooNew) {
		t.Fatalf("expected ErrSchemaTooNew from Locked, got %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(after) != string(data) {
		t.Fatalf("newer-schema file must not be overwritten")
	}
}

func TestMigrationHookUpgradesOlderSchema(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	spec.Migrate = func(from int, payload map[string]any) (map[string]any, error) {
		if from != 1 {
			return nil, fmt.Errorf("unexpected source version %d", from)
		}
		payload["migrated"] = true
		return payload, nil
	}
	s, runs := newTestStore(t, spec)
	ctx := context.Background()

	payload := json.RawMessage(`{"db":"ssurgo"}`)
	env := envelope{Schema: 1, Controller: "soils", Checksum: payloadChecksum(payload), Payload: payload}
	data, _ := json.Marshal(env)
	if _, err := runs.EnsureLayout("abc"); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	path, _ := runs.ControllerPath("abc", "soils")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	inst, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, _ := inst.Get("migrated"); v != true {
		t.Fatalf("expected migration hook to run, payload %v", inst.Payload())
	}
}

func TestLockedErrorReleasesWithoutWriting(t *testing.T) {
	t.Parallel()

	s, runs := newTestStore(t, testSpec())
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Locked(ctx, "abc", func(in *Instance) error {
		in.Set("built", true)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	path, _ := runs.ControllerPath("abc", "soils")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("failed mutation must not persist")
	}

	// The lock was released: a second mutation succeeds.
	if err := s.Update(ctx, "abc", map[string]any{"built": true}); err != nil {
		t.Fatalf("Update after failed Locked: %v", err)
	}
}

func TestLockContentionSurfacesToCaller(t *testing.T) {
	t.Parallel()

	runs, err := runfs.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	locks := newFakeLocks()
	locks.contended = true
	s, err := NewStore(testSpec(), runs, locks, Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	err = s.Update(context.Background(), "abc", map[string]any{"built": true})
	if !errors.Is(err, locker.ErrContended) {
		t.Fatalf("expected ErrContended, got %v", err)
	}
}

func TestConcurrentUpdatesSerializeToUnion(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, testSpec())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.Update(ctx, "abc", map[string]any{"left": 1}); err != nil {
			t.Errorf("Update (left): %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.Update(ctx, "abc", map[string]any{"right": 2}); err != nil {
			t.Errorf("Update (right): %v", err)
		}
	}()
	wg.Wait()

	inst, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := inst.Get("left"); !ok {
		t.Fatalf("missing left update: %v", inst.Payload())
	}
	if _, ok := inst.Get("right"); !ok {
		t.Fatalf("missing right update: %v", inst.Payload())
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, testSpec())
	ctx := context.Background()

	if err := s.Update(ctx, "abc", map[string]any{"db": "esdac", "built": true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Reset(ctx, "abc"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	inst, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v, _ := inst.Get("db"); v != "ssurgo" {
		t.Fatalf("expected defaults after reset, got %v", inst.Payload())
	}
	if v, _ := inst.Get("built"); v != false {
		t.Fatalf("expected built=false after reset, got %v", v)
	}
}
