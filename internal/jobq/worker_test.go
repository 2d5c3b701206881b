package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weppcloud/roc/internal/trace"
)

func waitTerminal(t *testing.T, svc *Service, jobID string) Info {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := svc.Info(context.Background(), jobID)
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if info.Status.Terminal() {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return Info{}
}

func startPool(t *testing.T, pool *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 2, nil)
	pool.Register("sum", func(ctx context.Context, job *Envelope) (any, error) {
		total := 0.0
		for _, a := range job.Args {
			total += a.(float64)
		}
		return total, nil
	})
	startPool(t, pool)

	id, err := svc.Enqueue(context.Background(), "sum", []any{1.0, 2.0, 3.0}, nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	info := waitTerminal(t, svc, id)
	if info.Status != StatusFinished {
		t.Fatalf("status = %s, want finished (error: %+v)", info.Status, info.Error)
	}
	var got float64
	if err := json.Unmarshal(info.Result, &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got != 6.0 {
		t.Errorf("result = %v, want 6", got)
	}
	if info.StartedAt == nil || info.EndedAt == nil {
		t.Error("expected started_at and ended_at stamps")
	}
}

func TestPoolHandlerErrorFailsJob(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)
	pool.Register("boom", func(ctx context.Context, job *Envelope) (any, error) {
		return nil, errors.New("climate file missing")
	})
	startPool(t, pool)

	id, _ := svc.Enqueue(context.Background(), "boom", nil, nil, EnqueueOptions{})

	info := waitTerminal(t, svc, id)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", info.Status)
	}
	if info.Error == nil || info.Error.Kind != FailureKindError || info.Error.Message != "climate file missing" {
		t.Errorf("error = %+v", info.Error)
	}
}

func TestPoolTimeoutFailsWithTimeoutKind(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)
	pool.Register("slow", func(ctx context.Context, job *Envelope) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return "done", nil
		}
	})
	startPool(t, pool)

	id, _ := svc.Enqueue(context.Background(), "slow", nil, nil, EnqueueOptions{Timeout: 50 * time.Millisecond})

	info := waitTerminal(t, svc, id)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", info.Status)
	}
	if info.Error == nil || info.Error.Kind != FailureKindTimeout {
		t.Errorf("error = %+v, want kind Timeout", info.Error)
	}
}

func TestPoolPanicIsContained(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)
	pool.Register("panic", func(ctx context.Context, job *Envelope) (any, error) {
		panic("index out of range")
	})
	pool.Register("ok", func(ctx context.Context, job *Envelope) (any, error) {
		return "fine", nil
	})
	startPool(t, pool)

	bad, _ := svc.Enqueue(context.Background(), "panic", nil, nil, EnqueueOptions{})
	info := waitTerminal(t, svc, bad)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", info.Status)
	}
	if info.Error == nil || info.Error.Traceback == "" {
		t.Error("expected a retained traceback")
	}

	// The worker survives the panic.
	good, _ := svc.Enqueue(context.Background(), "ok", nil, nil, EnqueueOptions{})
	if info := waitTerminal(t, svc, good); info.Status != StatusFinished {
		t.Errorf("follow-up job status = %s, want finished", info.Status)
	}
}

func TestPoolUnregisteredFnRefFails(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)
	startPool(t, pool)

	id, _ := svc.Enqueue(context.Background(), "nonexistent.fn", nil, nil, EnqueueOptions{})

	info := waitTerminal(t, svc, id)
	if info.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", info.Status)
	}
}

func TestPoolSkipsCanceledJob(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	ctx := context.Background()

	var ran atomic.Bool
	pool := NewPool(store, nil, 1, nil)
	pool.Register("work", func(ctx context.Context, job *Envelope) (any, error) {
		ran.Store(true)
		return nil, nil
	})

	id, _ := svc.Enqueue(ctx, "work", nil, nil, EnqueueOptions{})
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	startPool(t, pool)

	info := waitTerminal(t, svc, id)
	if info.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", info.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Error("canceled job must not execute")
	}
}

func TestPoolSurrendersStartedJobOnCancel(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)

	entered := make(chan struct{})
	pool.Register("block", func(ctx context.Context, job *Envelope) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startPool(t, pool)

	ctx := context.Background()
	id, err := svc.Enqueue(ctx, "block", nil, nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	info := waitTerminal(t, svc, id)
	if info.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled (error: %+v)", info.Status, info.Error)
	}
	if info.Error != nil {
		t.Errorf("surrendered job must not carry a failure, got %+v", info.Error)
	}
}

func TestPoolPromotesDependentAfterParentFinishes(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)

	order := make(chan string, 2)
	pool.Register("step", func(ctx context.Context, job *Envelope) (any, error) {
		order <- job.JobID
		return nil, nil
	})
	startPool(t, pool)

	ctx := context.Background()
	parent, _ := svc.Enqueue(ctx, "step", nil, nil, EnqueueOptions{})
	child, err := svc.Enqueue(ctx, "step", nil, nil, EnqueueOptions{DependsOn: parent})
	if err != nil {
		t.Fatalf("enqueue child: %v", err)
	}

	info := waitTerminal(t, svc, child)
	if info.Status != StatusFinished {
		t.Fatalf("child status = %s, want finished", info.Status)
	}
	if first := <-order; first != parent {
		t.Errorf("parent must run before child, got %s first", first)
	}
	if second := <-order; second != child {
		t.Errorf("expected child second, got %s", second)
	}
}

func TestPoolFailsDependentOfFailedParent(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)
	pool.Register("fail", func(ctx context.Context, job *Envelope) (any, error) {
		return nil, fmt.Errorf("no dem raster")
	})
	pool.Register("after", func(ctx context.Context, job *Envelope) (any, error) {
		return nil, nil
	})
	startPool(t, pool)

	ctx := context.Background()
	parent, _ := svc.Enqueue(ctx, "fail", nil, nil, EnqueueOptions{})
	child, _ := svc.Enqueue(ctx, "after", nil, nil, EnqueueOptions{DependsOn: parent})

	info := waitTerminal(t, svc, child)
	if info.Status != StatusFailed {
		t.Fatalf("child status = %s, want failed", info.Status)
	}
}

func TestPoolReconstructsTraceContext(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	svc := NewService(store, "")
	pool := NewPool(store, nil, 1, nil)

	seen := make(chan [2]string, 1)
	pool.Register("observe", func(ctx context.Context, job *Envelope) (any, error) {
		seen <- [2]string{trace.Slug(ctx), trace.Run(ctx)}
		return nil, nil
	})
	startPool(t, pool)

	ctx := trace.WithRun(trace.WithSlug(context.Background(), "req-9"), "falcon-creek")
	id, _ := svc.Enqueue(ctx, "observe", nil, nil, EnqueueOptions{})
	waitTerminal(t, svc, id)

	got := <-seen
	if got[0] != "req-9" || got[1] != "falcon-creek" {
		t.Errorf("worker context = %v, want [req-9 falcon-creek]", got)
	}
}
