package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sessionRecord is the on-disk session descriptor the agent bridge
// maintains for each receiver.
type sessionRecord struct {
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	LogPath   string `json:"log_path,omitempty"`
	InputPath string `json:"input_path"`
}

// FileSessionSource reads receiver sessions from <dir>/<receiver>.json.
type FileSessionSource struct {
	dir string
}

func NewFileSessionSource(dir string) *FileSessionSource {
	return &FileSessionSource{dir: dir}
}

func (s *FileSessionSource) Session(ctx context.Context, receiver string) (Session, error) {
	rec, err := s.record(receiver)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Receiver: receiver,
		Provider: rec.Provider,
		Status:   rec.Status,
		LogPath:  rec.LogPath,
	}, nil
}

func (s *FileSessionSource) record(receiver string) (sessionRecord, error) {
	if err := validateReceiver(receiver); err != nil {
		return sessionRecord{}, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, receiver+".json"))
	if err != nil {
		return sessionRecord{}, fmt.Errorf("read session of %q: %w", receiver, err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return sessionRecord{}, fmt.Errorf("decode session of %q: %w", receiver, err)
	}
	return rec, nil
}

// FileSender appends message bodies to the receiver's input pipe as
// recorded in its session file.
type FileSender struct {
	sessions *FileSessionSource
}

func NewFileSender(sessions *FileSessionSource) *FileSender {
	return &FileSender{sessions: sessions}
}

func (f *FileSender) Send(ctx context.Context, msg Message) error {
	rec, err := f.sessions.record(msg.Receiver)
	if err != nil {
		return err
	}
	if rec.InputPath == "" {
		return fmt.Errorf("session of %q has no input path", msg.Receiver)
	}
	fh, err := os.OpenFile(rec.InputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open input of %q: %w", msg.Receiver, err)
	}
	defer fh.Close()
	if _, err := fh.WriteString(msg.Body + "\n"); err != nil {
		return fmt.Errorf("write to %q: %w", msg.Receiver, err)
	}
	return nil
}

func validateReceiver(receiver string) error {
	if strings.TrimSpace(receiver) == "" {
		return fmt.Errorf("receiver is empty")
	}
	if strings.ContainsAny(receiver, `/\`) || receiver == "." || receiver == ".." {
		return fmt.Errorf("receiver %q is invalid", receiver)
	}
	return nil
}
