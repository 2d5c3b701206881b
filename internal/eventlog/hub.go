package eventlog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Hub is an in-process fan-out with a small ring buffer for late clients.
// It is fed either directly (tests) or by Listen from the run's pub/sub
// channel.
type Hub struct {
	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining up to capacity events for late clients.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish fans the event out to all subscribers and the ring buffer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a client channel; the returned cancel removes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with Seq > lastSeq, oldest-first.
// If lastSeq is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastSeq int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastSeq == 0 || ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// Listen subscribes to the run's broadcast channel and feeds the hub until
// ctx is done. Malformed payloads are skipped.
func Listen(ctx context.Context, rdb *redis.Client, runid string, hub *Hub) error {
	sub := rdb.Subscribe(ctx, ChannelFor(runid))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			hub.Publish(ev)
		}
	}
}

// History returns the most recent events retained in the run's capped
// stream, oldest-first, for late subscribers.
func History(ctx context.Context, rdb *redis.Client, runid string, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultStreamCap
	}
	msgs, err := rdb.XRevRangeN(ctx, StreamFor(runid), "+", "-", limit).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
