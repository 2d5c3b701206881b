// Package jobq is the asynchronous job queue: parallel workers consume
// named FIFO queues of function-reference jobs, retaining results for a
// bounded window and surfacing outcomes to the run event log.
package jobq

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
	StatusDeferred Status = "deferred"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// ErrUnknownJob is returned when a job id is not present in the store,
// either never enqueued or already past its retention window.
var ErrUnknownJob = errors.New("unknown job")

// Failure kinds carried in a failed job's error.
const (
	FailureKindError   = "Error"
	FailureKindTimeout = "Timeout"
)

const maxTracebackBytes = 16 * 1024

// Failure is the structured error retained on a failed job.
type Failure struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Meta carries the caller's context into the worker process.
type Meta struct {
	TraceSlug string `json:"trace_slug,omitempty"`
	Runid     string `json:"runid,omitempty"`
	ParentJob string `json:"parent_job,omitempty"`
}

// Envelope is the shared job record: written by the enqueuer, advanced by
// a worker, observed by anyone holding the id.
type Envelope struct {
	JobID      string          `json:"job_id"`
	FnRef      string          `json:"fn_ref"`
	Args       []any           `json:"args,omitempty"`
	Kwargs     map[string]any  `json:"kwargs,omitempty"`
	Queue      string          `json:"queue"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
	DependsOn  string          `json:"depends_on,omitempty"`
	Meta       Meta            `json:"meta"`
}

// Info is the projection returned to observers.
type Info struct {
	Status     Status          `json:"status"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Failure        `json:"error,omitempty"`
	Meta       Meta            `json:"meta"`
}

func (e *Envelope) info() Info {
	return Info{
		Status:     e.Status,
		EnqueuedAt: e.EnqueuedAt,
		StartedAt:  e.StartedAt,
		EndedAt:    e.EndedAt,
		Result:     e.Result,
		Error:      e.Error,
		Meta:       e.Meta,
	}
}

// BatchInfo is the response shape of a batch lookup. IDsFound preserves the
// normalized input order; unknown ids are omitted.
type BatchInfo struct {
	Jobs     map[string]Info `json:"jobs"`
	IDsFound []string        `json:"ids_found"`
}
