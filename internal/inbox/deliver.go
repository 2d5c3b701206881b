package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/weppcloud/roc/internal/eventlog"
	"github.com/weppcloud/roc/internal/log"
)

// Sender pushes one message to its receiver.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Deliverer is the sole mutator of message status. Two triggers feed it:
// Poke on message arrival, and the session-log watcher in Watch.
type Deliverer struct {
	store    *Store
	registry *Registry
	sessions SessionSource
	sender   Sender
	events   *eventlog.Writer
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	mtimes map[string]time.Time
}

// NewDeliverer wires the delivery reducer. interval is the session-log
// poll cadence for the pull trigger.
func NewDeliverer(store *Store, registry *Registry, sessions SessionSource, sender Sender, events *eventlog.Writer, interval time.Duration) *Deliverer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Deliverer{
		store:    store,
		registry: registry,
		sessions: sessions,
		sender:   sender,
		events:   events,
		interval: interval,
		logger:   log.WithComponent("inbox"),
		mtimes:   make(map[string]time.Time),
	}
}

// Push stores a new message and immediately attempts delivery for its
// receiver.
func (d *Deliverer) Push(ctx context.Context, runid, sender, receiver, body string) (int64, error) {
	id, err := d.store.Put(ctx, runid, sender, receiver, body)
	if err != nil {
		return 0, err
	}
	d.Poke(ctx, receiver)
	return id, nil
}

// Poke attempts to drain the receiver's pending messages in FIFO order.
// Delivery stops at the first message the idle gate refuses; a failed send
// marks the message failed and moves on to the next.
func (d *Deliverer) Poke(ctx context.Context, receiver string) {
	for {
		delivered, err := d.deliverNext(ctx, receiver)
		if err != nil {
			d.logger.Error("delivery attempt failed", "receiver", receiver, "error", err)
			return
		}
		if !delivered {
			return
		}
	}
}

// deliverNext advances at most one message. It reports whether the loop
// should attempt another.
func (d *Deliverer) deliverNext(ctx context.Context, receiver string) (bool, error) {
	msg, err := d.store.OldestPending(ctx, receiver)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	session, err := d.sessions.Session(ctx, receiver)
	if err != nil {
		return false, fmt.Errorf("resolve session of %q: %w", receiver, err)
	}
	provider, ok := d.registry.Get(session.Provider)
	if !ok {
		return false, fmt.Errorf("unknown provider %q for %q", session.Provider, receiver)
	}

	ready, err := provider.idle(session)
	if err != nil {
		return false, err
	}
	if !ready {
		// Retry later; the message stays pending.
		return false, nil
	}

	if err := d.sender.Send(ctx, *msg); err != nil {
		d.logger.Warn("send failed", "receiver", receiver, "message_id", msg.ID, "error", err)
		if markErr := d.store.markFailed(ctx, msg.ID, err); markErr != nil {
			return false, markErr
		}
		d.surfaceFailure(ctx, *msg, err)
		// The next pending message is attempted.
		return true, nil
	}

	if err := d.store.markDelivered(ctx, msg.ID); err != nil {
		return false, err
	}
	d.logger.Debug("message delivered", "receiver", receiver, "message_id", msg.ID)
	return true, nil
}

// Watch polls session logs and pokes receivers whose log tail moved. Runs
// until ctx is done.
func (d *Deliverer) Watch(ctx context.Context) error {
	d.logger.Info("inbox watcher started", "interval", d.interval)
	defer d.logger.Info("inbox watcher stopped")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep checks each receiver with pending mail for session-log movement.
func (d *Deliverer) sweep(ctx context.Context) {
	receivers, err := d.store.Receivers(ctx)
	if err != nil {
		d.logger.Error("pending receiver scan failed", "error", err)
		return
	}
	for _, receiver := range receivers {
		session, err := d.sessions.Session(ctx, receiver)
		if err != nil {
			d.logger.Warn("session lookup failed", "receiver", receiver, "error", err)
			continue
		}
		if d.logMoved(receiver, session.LogPath) {
			d.Poke(ctx, receiver)
		}
	}
}

// logMoved tracks per-receiver log mtimes; the first observation counts as
// movement so fresh pending mail gets an attempt.
func (d *Deliverer) logMoved(receiver, logPath string) bool {
	info, err := os.Stat(logPath)
	if err != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	prev, seen := d.mtimes[receiver]
	d.mtimes[receiver] = info.ModTime()
	return !seen || info.ModTime().After(prev)
}

func (d *Deliverer) surfaceFailure(ctx context.Context, msg Message, sendErr error) {
	if d.events == nil || msg.Runid == "" {
		return
	}
	_ = d.events.Emit(ctx, msg.Runid, eventlog.LevelError, "inbox",
		fmt.Sprintf("delivery to %s failed: %v", msg.Receiver, sendErr),
		map[string]any{"message_id": msg.ID, "sender": msg.Sender, "receiver": msg.Receiver})
}
