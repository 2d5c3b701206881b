package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weppcloud/roc/internal/runfs"
)

// fakeKV is an in-memory stand-in for the Redis strings the level store uses.
type fakeKV struct {
	values  map[string]string
	failing bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string)}
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if f.failing {
		cmd.SetErr(fmt.Errorf("connection refused"))
		return cmd
	}
	v, ok := f.values[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	if f.failing {
		cmd.SetErr(fmt.Errorf("connection refused"))
		return cmd
	}
	f.values[key] = fmt.Sprint(value)
	cmd.SetVal("OK")
	return cmd
}

// fakeBroadcast records published and stream-appended payloads.
type fakeBroadcast struct {
	published []string
	streamed  []string
	failing   bool
}

func (f *fakeBroadcast) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel)
	if f.failing {
		cmd.SetErr(fmt.Errorf("connection refused"))
		return cmd
	}
	f.published = append(f.published, fmt.Sprint(message))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeBroadcast) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "xadd", a.Stream)
	if f.failing {
		cmd.SetErr(fmt.Errorf("connection refused"))
		return cmd
	}
	raw, _ := a.Values.(map[string]interface{})
	f.streamed = append(f.streamed, fmt.Sprint(raw["event"]))
	cmd.SetVal(fmt.Sprintf("%d-0", len(f.streamed)))
	return cmd
}

func newTestWriter(t *testing.T) (*Writer, *fakeKV, *fakeBroadcast, *runfs.Manager) {
	t.Helper()
	runs := newTestRuns(t)
	kv := newFakeKV()
	bc := &fakeBroadcast{}
	return newWriterWith(runs, bc, newLevelStoreWith(kv)), kv, bc, runs
}

func newTestRuns(t *testing.T) *runfs.Manager {
	t.Helper()
	runs, err := runfs.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return runs
}

func readEvents(t *testing.T, runs *runfs.Manager, runid string) []Event {
	t.Helper()
	path, err := runs.EventsPath(runid)
	if err != nil {
		t.Fatalf("events path: %v", err)
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestWriterAppendsToBothSinks(t *testing.T) {
	t.Parallel()
	w, _, bc, runs := newTestWriter(t)
	ctx := context.Background()

	if err := w.Emit(ctx, "falcon-creek", LevelInfo, "wepp", "hillslope 12 done", map[string]any{"hillslope": 12}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	events := readEvents(t, runs, "falcon-creek")
	if len(events) != 1 {
		t.Fatalf("expected 1 file event, got %d", len(events))
	}
	ev := events[0]
	if ev.Level != "INFO" || ev.Source != "wepp" || ev.Message != "hillslope 12 done" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Ts == 0 || ev.Seq == 0 {
		t.Errorf("expected stamped ts and seq, got ts=%v seq=%d", ev.Ts, ev.Seq)
	}
	if len(bc.published) != 1 || len(bc.streamed) != 1 {
		t.Fatalf("expected 1 published and 1 streamed, got %d/%d", len(bc.published), len(bc.streamed))
	}

	var live Event
	if err := json.Unmarshal([]byte(bc.published[0]), &live); err != nil {
		t.Fatalf("published payload not JSON: %v", err)
	}
	if live.Message != ev.Message || live.Seq != ev.Seq {
		t.Errorf("broadcast payload diverges from file: %+v vs %+v", live, ev)
	}
}

func TestWriterFiltersBelowEffectiveLevel(t *testing.T) {
	t.Parallel()
	w, kv, bc, runs := newTestWriter(t)
	ctx := context.Background()
	levels := newLevelStoreWith(kv)

	if err := levels.Set(ctx, "falcon-creek", "WARNING"); err != nil {
		t.Fatalf("set level: %v", err)
	}

	for _, tc := range []struct {
		level Level
		msg   string
	}{
		{LevelDebug, "soil grid loaded"},
		{LevelInfo, "climate build started"},
		{LevelWarning, "channel slope clamped"},
		{LevelError, "watershed abstraction failed"},
	} {
		if err := w.Emit(ctx, "falcon-creek", tc.level, "wepp", tc.msg, nil); err != nil {
			t.Fatalf("emit %s: %v", tc.level, err)
		}
	}

	events := readEvents(t, runs, "falcon-creek")
	if len(events) != 2 {
		t.Fatalf("expected 2 recorded events, got %d: %+v", len(events), events)
	}
	if events[0].Level != "WARNING" || events[1].Level != "ERROR" {
		t.Errorf("wrong events survived the filter: %+v", events)
	}
	if len(bc.published) != 2 {
		t.Errorf("filtered events must not be broadcast, got %d", len(bc.published))
	}
}

func TestWriterLevelChangeAppliesToSubsequentEvents(t *testing.T) {
	t.Parallel()
	w, kv, _, runs := newTestWriter(t)
	ctx := context.Background()
	levels := newLevelStoreWith(kv)

	if err := w.Emit(ctx, "blue-ridge", LevelDebug, "wepp", "before", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := levels.Set(ctx, "blue-ridge", "DEBUG"); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if err := w.Emit(ctx, "blue-ridge", LevelDebug, "wepp", "after", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	events := readEvents(t, runs, "blue-ridge")
	if len(events) != 1 || events[0].Message != "after" {
		t.Fatalf("only the post-change DEBUG event should persist, got %+v", events)
	}
}

func TestWriterBroadcastFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	runs := newTestRuns(t)
	bc := &fakeBroadcast{failing: true}
	w := newWriterWith(runs, bc, newLevelStoreWith(newFakeKV()))

	if err := w.Emit(context.Background(), "falcon-creek", LevelInfo, "wepp", "still recorded", nil); err != nil {
		t.Fatalf("append must survive broadcast failure: %v", err)
	}
	events := readEvents(t, runs, "falcon-creek")
	if len(events) != 1 {
		t.Fatalf("file sink must not depend on broadcast, got %d events", len(events))
	}
}

func TestWriterRejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	w, _, _, _ := newTestWriter(t)

	err := w.Append(context.Background(), Event{Runid: "falcon-creek", Level: "VERBOSE", Source: "wepp", Message: "x"})
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestWriterFileSinkFailureBroadcastsCritical(t *testing.T) {
	t.Parallel()
	runs := newTestRuns(t)
	bc := &fakeBroadcast{}
	w := newWriterWith(runs, bc, newLevelStoreWith(newFakeKV()))
	ctx := context.Background()

	// Make the log path unwritable by putting a directory where the file goes.
	if _, err := runs.EnsureLayout("falcon-creek"); err != nil {
		t.Fatalf("layout: %v", err)
	}
	path, err := runs.EventsPath("falcon-creek")
	if err != nil {
		t.Fatalf("events path: %v", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := w.Emit(ctx, "falcon-creek", LevelInfo, "wepp", "doomed", nil); err == nil {
		t.Fatal("expected file sink error")
	}
	if len(bc.published) != 1 {
		t.Fatalf("expected one CRITICAL broadcast, got %d", len(bc.published))
	}
	var ev Event
	if err := json.Unmarshal([]byte(bc.published[0]), &ev); err != nil {
		t.Fatalf("broadcast payload: %v", err)
	}
	if ev.Level != "CRITICAL" || ev.Source != "eventlog" {
		t.Errorf("expected CRITICAL from eventlog, got %+v", ev)
	}
}

func TestLevelStoreDefaultsToInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	unset := newLevelStoreWith(newFakeKV())
	if got := unset.Get(ctx, "falcon-creek"); got != LevelInfo {
		t.Errorf("unset level should default to INFO, got %s", got)
	}

	down := newLevelStoreWith(&fakeKV{failing: true})
	if got := down.Get(ctx, "falcon-creek"); got != LevelInfo {
		t.Errorf("unreachable store should default to INFO, got %s", got)
	}

	kv := newFakeKV()
	kv.values["loglevel:falcon-creek"] = "not-a-level"
	garbage := newLevelStoreWith(kv)
	if got := garbage.Get(ctx, "falcon-creek"); got != LevelInfo {
		t.Errorf("unparseable level should default to INFO, got %s", got)
	}
}

func TestLevelStoreRejectsUnknownLevel(t *testing.T) {
	t.Parallel()
	s := newLevelStoreWith(newFakeKV())
	if err := s.Set(context.Background(), "falcon-creek", "TRACE"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseLevelAliases(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{
		"debug":    LevelDebug,
		"Info":     LevelInfo,
		"WARN":     LevelWarning,
		"warning ": LevelWarning,
		"ERROR":    LevelError,
		"critical": LevelCritical,
	} {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
