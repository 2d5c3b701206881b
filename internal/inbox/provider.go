package inbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
)

// Agent session statuses that admit delivery for interactive providers.
const (
	SessionIdle      = "IDLE"
	SessionCompleted = "COMPLETED"
)

// Provider classifies a downstream agent kind. Non-interactive exec
// providers receive messages immediately; interactive ones are gated on an
// idle prompt in the session log tail.
type Provider struct {
	Name        string
	Interactive bool
	IdlePattern *regexp.Regexp
}

// Session is the live state of one receiver as reported by the session
// tracker.
type Session struct {
	Receiver string
	Provider string
	Status   string
	LogPath  string
}

// SessionSource resolves the current session of a receiver.
type SessionSource interface {
	Session(ctx context.Context, receiver string) (Session, error)
}

// Registry holds the known provider adapters.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// tailBytes is how much of the session log is inspected for the idle
// prompt.
const tailBytes = 4 * 1024

// idle reports whether the session accepts a delivery under p's policy.
func (p Provider) idle(session Session) (bool, error) {
	if !p.Interactive {
		return true, nil
	}
	if session.Status != SessionIdle && session.Status != SessionCompleted {
		return false, nil
	}
	if p.IdlePattern == nil {
		return true, nil
	}
	tail, err := readTail(session.LogPath, tailBytes)
	if err != nil {
		return false, fmt.Errorf("read session log tail: %w", err)
	}
	return p.IdlePattern.Match(tail), nil
}

func readTail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(f)
}
