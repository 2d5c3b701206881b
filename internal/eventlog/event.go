// Package eventlog is the per-run structured log: every event is appended to
// the run's _logs/events.jsonl file and broadcast best-effort over Redis for
// live subscribers. Effective log level is runtime-configurable per run.
package eventlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is an event severity. Order matters: filtering keeps events at or
// above the effective level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = map[Level]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

// AllowedLevels lists the accepted level names in severity order.
func AllowedLevels() []string {
	return []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name to its Level. Names are case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown log level %q (allowed: %s)", s, strings.Join(AllowedLevels(), ", "))
}

// Event is one immutable record in a run's log. Total order per run is
// defined by (Ts, Seq).
type Event struct {
	Ts      float64        `json:"ts"`
	Seq     int64          `json:"seq"`
	Runid   string         `json:"runid"`
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Line renders the event as a single JSONL line including the trailing
// newline.
func (e Event) Line() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return append(data, '\n'), nil
}

// now returns float seconds since epoch, the on-disk timestamp format.
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
