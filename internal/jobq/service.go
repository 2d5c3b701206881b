package jobq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weppcloud/roc/internal/trace"
)

// DefaultQueue is used when an enqueue names no queue.
const DefaultQueue = "default"

// EnqueueOptions shape a single enqueue.
type EnqueueOptions struct {
	Queue     string
	DependsOn string
	Timeout   time.Duration
	Meta      Meta
}

// Service is the enqueue/observe surface of the queue.
type Service struct {
	store        Store
	defaultQueue string
	now          func() time.Time
}

// NewService creates a queue service over store.
func NewService(store Store, defaultQueue string) *Service {
	if defaultQueue == "" {
		defaultQueue = DefaultQueue
	}
	return &Service{store: store, defaultQueue: defaultQueue, now: time.Now}
}

// Enqueue records a new job and returns its id. Trace context on ctx is
// merged into the envelope meta so workers can reconstruct it. A job with
// an unfinished parent is deferred until the parent finishes.
func (s *Service) Enqueue(ctx context.Context, fnRef string, args []any, kwargs map[string]any, opts EnqueueOptions) (string, error) {
	if fnRef == "" {
		return "", fmt.Errorf("fn_ref is empty")
	}

	queue := opts.Queue
	if queue == "" {
		queue = s.defaultQueue
	}

	meta := opts.Meta
	if meta.TraceSlug == "" {
		meta.TraceSlug = trace.Slug(ctx)
	}
	if meta.Runid == "" {
		meta.Runid = trace.Run(ctx)
	}
	if meta.ParentJob == "" {
		meta.ParentJob = opts.DependsOn
	}

	env := &Envelope{
		JobID:      uuid.NewString(),
		FnRef:      fnRef,
		Args:       args,
		Kwargs:     kwargs,
		Queue:      queue,
		EnqueuedAt: s.now().UTC(),
		Status:     StatusQueued,
		Timeout:    opts.Timeout,
		DependsOn:  opts.DependsOn,
		Meta:       meta,
	}

	if opts.DependsOn != "" {
		parent, err := s.store.Get(ctx, opts.DependsOn)
		switch {
		case errors.Is(err, ErrUnknownJob):
			return "", fmt.Errorf("depends on %s: %w", opts.DependsOn, err)
		case err != nil:
			return "", err
		case !parent.Status.Terminal():
			env.Status = StatusDeferred
		}
	}

	if err := s.store.Create(ctx, env); err != nil {
		return "", err
	}
	return env.JobID, nil
}

// Status returns the job's current status, ErrUnknownJob when absent.
func (s *Service) Status(ctx context.Context, jobID string) (Status, error) {
	env, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return env.Status, nil
}

// Info returns the observer projection of a job.
func (s *Service) Info(ctx context.Context, jobID string) (Info, error) {
	env, err := s.store.Get(ctx, jobID)
	if err != nil {
		return Info{}, err
	}
	return env.info(), nil
}

// InfosBatch resolves a batch id input (see NormalizeIDs) to the jobs the
// store knows. IDsFound preserves normalized input order; unknown ids are
// omitted without error.
func (s *Service) InfosBatch(ctx context.Context, input any) (BatchInfo, error) {
	out := BatchInfo{Jobs: make(map[string]Info), IDsFound: []string{}}
	for _, id := range NormalizeIDs(input) {
		env, err := s.store.Get(ctx, id)
		if errors.Is(err, ErrUnknownJob) {
			continue
		}
		if err != nil {
			return BatchInfo{}, err
		}
		out.Jobs[id] = env.info()
		out.IDsFound = append(out.IDsFound, id)
	}
	return out, nil
}

// Cancel raises the cooperative cancel flag. A queued job is marked
// canceled outright; a started job is surrendered by its worker at the
// next cancel-flag poll.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	env, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if env.Status.Terminal() {
		return nil
	}
	if err := s.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	if env.Status == StatusQueued || env.Status == StatusDeferred {
		now := s.now().UTC()
		env.Status = StatusCanceled
		env.EndedAt = &now
		return s.store.Save(ctx, env)
	}
	return nil
}
