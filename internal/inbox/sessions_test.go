package inbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSessionSourceRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := filepath.Join(dir, "term-1.in")
	record := `{"provider":"claude","status":"IDLE","log_path":"/tmp/term-1.log","input_path":"` + input + `"}`
	if err := os.WriteFile(filepath.Join(dir, "term-1.json"), []byte(record), 0o644); err != nil {
		t.Fatalf("write session: %v", err)
	}

	source := NewFileSessionSource(dir)
	session, err := source.Session(context.Background(), "term-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Provider != "claude" || session.Status != "IDLE" {
		t.Errorf("session = %+v", session)
	}

	sender := NewFileSender(source)
	msg := Message{Receiver: "term-1", Body: "rerun hillslopes"}
	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sender.Send(context.Background(), Message{Receiver: "term-1", Body: "status?"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(input)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if string(got) != "rerun hillslopes\nstatus?\n" {
		t.Errorf("input pipe = %q", got)
	}
}

func TestFileSessionSourceRejectsPathEscapes(t *testing.T) {
	t.Parallel()
	source := NewFileSessionSource(t.TempDir())

	for _, receiver := range []string{"", "..", "a/b", `a\b`} {
		if _, err := source.Session(context.Background(), receiver); err == nil {
			t.Errorf("receiver %q accepted", receiver)
		}
	}
}
