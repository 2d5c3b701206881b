// Package inbox queues sender-to-receiver messages for interactive agents
// and delivers them only when the receiving agent is idle, preserving
// per-receiver FIFO order.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ErrUnknownMessage is returned when a message id is not in the store.
var ErrUnknownMessage = errors.New("unknown message")

// Message is one queued sender-to-receiver payload.
type Message struct {
	ID          int64
	Runid       string
	Sender      string
	Receiver    string
	Body        string
	Status      Status
	CreatedAt   time.Time
	DeliveredAt *time.Time
	LastError   *string
}

// Open opens (and creates if needed) the inbox database at path and
// ensures required tables exist.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("inbox db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create inbox directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open inbox db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS inbox_messages (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  runid        TEXT NOT NULL,
  sender       TEXT NOT NULL,
  receiver     TEXT NOT NULL,
  body         TEXT NOT NULL,
  status       TEXT NOT NULL DEFAULT 'pending',
  created_at   TEXT NOT NULL,
  delivered_at TEXT,
  last_error   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS inbox_receiver_status_idx ON inbox_messages(receiver, status, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap inbox db: %w", err)
		}
	}
	return nil
}

// Store persists inbox messages. Status transitions go through the
// deliverer; the store only records them.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts a pending message and returns its id.
func (s *Store) Put(ctx context.Context, runid, sender, receiver, body string) (int64, error) {
	if receiver == "" {
		return 0, fmt.Errorf("receiver is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO inbox_messages(runid, sender, receiver, body, status, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, runid, sender, receiver, body, StatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	return id, nil
}

// OldestPending returns the receiver's oldest pending message, (nil, nil)
// when the inbox is drained.
func (s *Store) OldestPending(ctx context.Context, receiver string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, runid, sender, receiver, body, status, created_at, delivered_at, last_error
FROM inbox_messages
WHERE receiver = ? AND status = ?
ORDER BY id ASC
LIMIT 1;
`, receiver, StatusPending)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load oldest pending for %q: %w", receiver, err)
	}
	return msg, nil
}

// Get loads one message by id.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, runid, sender, receiver, body, status, created_at, delivered_at, last_error
FROM inbox_messages
WHERE id = ?;
`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load message %d: %w", id, err)
	}
	return msg, nil
}

// List returns the receiver's messages, oldest first.
func (s *Store) List(ctx context.Context, receiver string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, runid, sender, receiver, body, status, created_at, delivered_at, last_error
FROM inbox_messages
WHERE receiver = ?
ORDER BY id ASC;
`, receiver)
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", receiver, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// Receivers lists receivers that still have pending messages.
func (s *Store) Receivers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT receiver FROM inbox_messages WHERE status = ?;
`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending receivers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan receiver: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) markDelivered(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
UPDATE inbox_messages SET status = ?, delivered_at = ? WHERE id = ? AND status = ?;
`, StatusDelivered, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark message %d delivered: %w", id, err)
	}
	return nil
}

func (s *Store) markFailed(ctx context.Context, id int64, sendErr error) error {
	msg := sendErr.Error()
	_, err := s.db.ExecContext(ctx, `
UPDATE inbox_messages SET status = ?, last_error = ? WHERE id = ? AND status = ?;
`, StatusFailed, msg, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark message %d failed: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m           Message
		statusS     string
		createdAtS  string
		deliveredAt sql.NullString
		lastError   sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Runid, &m.Sender, &m.Receiver, &m.Body, &statusS, &createdAtS, &deliveredAt, &lastError); err != nil {
		return nil, err
	}
	m.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		m.CreatedAt = t
	}
	if deliveredAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deliveredAt.String); err == nil {
			m.DeliveredAt = &t
		}
	}
	if lastError.Valid {
		m.LastError = &lastError.String
	}
	return &m, nil
}
