package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/weppcloud/roc/internal/log"
	"github.com/weppcloud/roc/internal/runfs"
)

const (
	channelPrefix = "rocev:"
	streamPrefix  = "rocev:stream:"

	// DefaultStreamCap bounds the live history kept for late subscribers.
	DefaultStreamCap = 512
)

// ChannelFor returns the pub/sub channel name for a run.
func ChannelFor(runid string) string { return channelPrefix + runid }

// StreamFor returns the capped stream key for a run.
func StreamFor(runid string) string { return streamPrefix + runid }

// broadcaster is the slice of the Redis client the broadcast sink needs.
type broadcaster interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Writer appends events to the two sinks. The file sink is authoritative;
// the broadcast sink is best-effort and never blocks an append.
type Writer struct {
	runs      *runfs.Manager
	rdb       broadcaster
	levels    *LevelStore
	streamCap int64
	seq       atomic.Int64
	logger    *slog.Logger
}

// NewWriter creates an event writer. A nil client disables the broadcast
// sink.
func NewWriter(runs *runfs.Manager, rdb *redis.Client, levels *LevelStore) *Writer {
	var b broadcaster
	if rdb != nil {
		b = rdb
	}
	return newWriterWith(runs, b, levels)
}

func newWriterWith(runs *runfs.Manager, rdb broadcaster, levels *LevelStore) *Writer {
	return &Writer{
		runs:      runs,
		rdb:       rdb,
		levels:    levels,
		streamCap: DefaultStreamCap,
		logger:    log.WithComponent("eventlog"),
	}
}

// Append filters ev by the run's effective level and writes it to both
// sinks. Failure of the broadcast sink is swallowed; failure of the file
// sink is returned after a CRITICAL line is pushed to broadcast.
func (w *Writer) Append(ctx context.Context, ev Event) error {
	if ev.Runid == "" {
		return fmt.Errorf("event runid is required")
	}
	level, err := ParseLevel(ev.Level)
	if err != nil {
		return err
	}
	if w.levels != nil && level < w.levels.Get(ctx, ev.Runid) {
		return nil
	}

	if ev.Ts == 0 {
		ev.Ts = now()
	}
	if ev.Seq == 0 {
		ev.Seq = w.seq.Add(1)
	}

	line, err := ev.Line()
	if err != nil {
		return err
	}

	if err := w.appendFile(ev.Runid, line); err != nil {
		w.logger.Error("file sink failed", "runid", ev.Runid, "error", err)
		w.broadcast(ctx, Event{
			Ts:      now(),
			Seq:     w.seq.Add(1),
			Runid:   ev.Runid,
			Level:   LevelCritical.String(),
			Source:  "eventlog",
			Message: fmt.Sprintf("file sink failed, event dropped: %v", err),
		})
		return err
	}

	w.broadcast(ctx, ev)
	return nil
}

// Emit is the convenience path used by workers and handlers.
func (w *Writer) Emit(ctx context.Context, runid string, level Level, source, message string, fields map[string]any) error {
	return w.Append(ctx, Event{
		Runid:   runid,
		Level:   level.String(),
		Source:  source,
		Message: message,
		Context: fields,
	})
}

func (w *Writer) appendFile(runid string, line []byte) error {
	if _, err := w.runs.EnsureLayout(runid); err != nil {
		return err
	}
	path, err := w.runs.EventsPath(runid)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (w *Writer) broadcast(ctx context.Context, ev Event) {
	if w.rdb == nil {
		return
	}
	data, err := ev.Line()
	if err != nil {
		return
	}
	payload := string(data[:len(data)-1])

	if err := w.rdb.Publish(ctx, ChannelFor(ev.Runid), payload).Err(); err != nil {
		w.logger.Warn("broadcast publish failed", "runid", ev.Runid, "error", err)
	}
	err = w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamFor(ev.Runid),
		MaxLen: w.streamCap,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Err()
	if err != nil {
		w.logger.Warn("broadcast stream append failed", "runid", ev.Runid, "error", err)
	}
}
