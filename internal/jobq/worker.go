package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weppcloud/roc/internal/eventlog"
	"github.com/weppcloud/roc/internal/log"
	"github.com/weppcloud/roc/internal/trace"
)

// Handler executes one job. The returned value is retained as the job
// result; a returned error fails the job. Handlers should honor ctx
// cancellation at safe points.
type Handler func(ctx context.Context, job *Envelope) (any, error)

const (
	popBlock = time.Second

	// cancelPoll is how often a running job's cancel flag is re-checked.
	cancelPoll = 100 * time.Millisecond
)

// Pool runs parallel workers over a shared set of queues. Each worker
// executes one job at a time.
type Pool struct {
	store   Store
	queues  []string
	workers int
	events  *eventlog.Writer
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	registry map[string]Handler
}

// NewPool creates a worker pool consuming queues in priority order.
func NewPool(store Store, queues []string, workers int, events *eventlog.Writer) *Pool {
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		store:    store,
		queues:   queues,
		workers:  workers,
		events:   events,
		logger:   log.WithComponent("jobq"),
		now:      time.Now,
		registry: make(map[string]Handler),
	}
}

// Register binds a function reference to its handler.
func (p *Pool) Register(fnRef string, h Handler) {
	p.mu.Lock()
	p.registry[fnRef] = h
	p.mu.Unlock()
}

func (p *Pool) handler(fnRef string) (Handler, bool) {
	p.mu.RLock()
	h, ok := p.registry[fnRef]
	p.mu.RUnlock()
	return h, ok
}

// Start runs the pool until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.workers, "queues", p.queues)
	defer p.logger.Info("worker pool stopped")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.run(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) run(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.PopNext(ctx, p.queues, popBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("pop failed", "worker", worker, "error", err)
			time.Sleep(popBlock)
			continue
		}
		if job == nil {
			continue
		}
		p.execute(ctx, job)
	}
}

// execute advances one claimed job to a terminal status.
func (p *Pool) execute(ctx context.Context, job *Envelope) {
	jobLogger := log.WithJob(job.JobID).With("fn_ref", job.FnRef)

	canceled, err := p.store.CancelRequested(ctx, job.JobID)
	if err != nil {
		jobLogger.Error("cancel flag check failed", "error", err)
	}
	if canceled || job.Status == StatusCanceled {
		now := p.now().UTC()
		job.Status = StatusCanceled
		job.EndedAt = &now
		p.save(ctx, job, jobLogger)
		return
	}

	started := p.now().UTC()
	job.Status = StatusStarted
	job.StartedAt = &started
	p.save(ctx, job, jobLogger)
	jobLogger.Info("job started", "queue", job.Queue)

	result, failure, surrendered := p.invoke(ctx, job)

	ended := p.now().UTC()
	job.EndedAt = &ended
	switch {
	case surrendered:
		job.Status = StatusCanceled
		jobLogger.Info("job canceled", "duration", ended.Sub(started))
	case failure != nil:
		job.Status = StatusFailed
		job.Error = failure
		jobLogger.Warn("job failed", "kind", failure.Kind, "error", failure.Message)
	default:
		job.Status = StatusFinished
		if result != nil {
			if raw, err := json.Marshal(result); err == nil {
				job.Result = raw
			} else {
				jobLogger.Error("result not serializable", "error", err)
			}
		}
		jobLogger.Info("job finished", "duration", ended.Sub(started))
	}
	p.save(ctx, job, jobLogger)
	p.surface(ctx, job)
	p.promoteDependents(ctx, job, jobLogger)
}

// invoke runs the handler under the job's wall-clock timeout, polling the
// cancel flag so a started job can surrender. The bool reports surrender.
func (p *Pool) invoke(ctx context.Context, job *Envelope) (any, *Failure, bool) {
	h, ok := p.handler(job.FnRef)
	if !ok {
		return nil, &Failure{Kind: FailureKindError, Message: fmt.Sprintf("no handler registered for %q", job.FnRef)}, false
	}

	runCtx := ctx
	if job.Meta.TraceSlug != "" {
		runCtx = trace.WithSlug(runCtx, job.Meta.TraceSlug)
	}
	if job.Meta.Runid != "" {
		runCtx = trace.WithRun(runCtx, job.Meta.Runid)
	}
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, job.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	var surrendered atomic.Bool
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		t := time.NewTicker(cancelPoll)
		defer t.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-runCtx.Done():
				return
			case <-t.C:
				flagged, err := p.store.CancelRequested(ctx, job.JobID)
				if err == nil && flagged {
					surrendered.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	type outcome struct {
		result any
		err    error
		stack  string
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r), stack: truncate(string(debug.Stack()))}
			}
		}()
		result, err := h(runCtx, job)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-runCtx.Done():
		if surrendered.Load() {
			return nil, nil, true
		}
		if job.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			return nil, &Failure{
				Kind:    FailureKindTimeout,
				Message: fmt.Sprintf("job exceeded wall-clock timeout %v", job.Timeout),
			}, false
		}
		return nil, &Failure{Kind: FailureKindError, Message: runCtx.Err().Error()}, false
	case out := <-done:
		// A handler that completes cleanly despite a late cancel keeps its
		// result; an error after surrender reads as cancellation.
		if out.err != nil {
			if surrendered.Load() {
				return nil, nil, true
			}
			return nil, &Failure{Kind: FailureKindError, Message: out.err.Error(), Traceback: out.stack}, false
		}
		return out.result, nil, false
	}
}

// surface mirrors the job outcome into the run's event log.
func (p *Pool) surface(ctx context.Context, job *Envelope) {
	if p.events == nil || job.Meta.Runid == "" {
		return
	}
	evCtx := map[string]any{"job_id": job.JobID, "fn_ref": job.FnRef}
	if job.Meta.TraceSlug != "" {
		evCtx["trace_slug"] = job.Meta.TraceSlug
	}
	switch job.Status {
	case StatusFinished:
		_ = p.events.Emit(ctx, job.Meta.Runid, eventlog.LevelInfo, "jobq",
			fmt.Sprintf("job %s finished", job.FnRef), evCtx)
	case StatusFailed:
		evCtx["kind"] = job.Error.Kind
		_ = p.events.Emit(ctx, job.Meta.Runid, eventlog.LevelError, "jobq",
			fmt.Sprintf("job %s failed: %s", job.FnRef, job.Error.Message), evCtx)
	}
}

// promoteDependents moves jobs deferred on this one back to queued once it
// finishes. A failed or canceled parent fails its dependents.
func (p *Pool) promoteDependents(ctx context.Context, job *Envelope, jobLogger *slog.Logger) {
	ids, err := p.store.Dependents(ctx, job.JobID)
	if err != nil {
		jobLogger.Error("dependent lookup failed", "error", err)
		return
	}
	for _, id := range ids {
		child, err := p.store.Get(ctx, id)
		if err != nil {
			jobLogger.Error("dependent load failed", "job_id", id, "error", err)
			continue
		}
		if child.Status != StatusDeferred {
			continue
		}
		if job.Status == StatusFinished {
			child.Status = StatusQueued
			if err := p.store.Requeue(ctx, child); err != nil {
				jobLogger.Error("dependent requeue failed", "job_id", id, "error", err)
			}
			continue
		}
		now := p.now().UTC()
		child.Status = StatusFailed
		child.EndedAt = &now
		child.Error = &Failure{
			Kind:    FailureKindError,
			Message: fmt.Sprintf("parent job %s ended %s", job.JobID, job.Status),
		}
		p.save(ctx, child, jobLogger)
		p.surface(ctx, child)
	}
}

func (p *Pool) save(ctx context.Context, job *Envelope, jobLogger *slog.Logger) {
	if err := p.store.Save(ctx, job); err != nil {
		jobLogger.Error("job save failed", "status", job.Status, "error", err)
	}
}

func truncate(s string) string {
	if len(s) > maxTracebackBytes {
		return s[:maxTracebackBytes]
	}
	return s
}
