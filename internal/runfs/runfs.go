// Package runfs manages the on-disk layout of run working directories.
//
// A run directory holds controller files, the append-only event log under
// _logs/, and a _lock/ area for filesystem lock sentinels. Collaborators own
// everything else under the run root (reports/, climate/, wepp/, ...).
package runfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	logsDirName = "_logs"
	lockDirName = "_lock"

	// EventsFileName is the append-only event log inside _logs/.
	EventsFileName = "events.jsonl"
)

// Manager resolves and initializes run directories under a fixed root.
type Manager struct {
	root string
}

// NewManager creates a run directory manager rooted at root.
func NewManager(root string) (*Manager, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("run root is empty")
	}
	return &Manager{root: filepath.Clean(trimmed)}, nil
}

// Root returns the run root directory.
func (m *Manager) Root() string { return m.root }

// Dir returns the working directory for runid without touching disk.
func (m *Manager) Dir(runid string) (string, error) {
	if err := ValidateRunID(runid); err != nil {
		return "", err
	}
	return filepath.Join(m.root, runid), nil
}

// Exists reports whether the run directory is present.
func (m *Manager) Exists(runid string) bool {
	dir, err := m.Dir(runid)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// EnsureLayout creates the run directory skeleton (_logs/, _lock/) if missing
// and returns the run directory.
func (m *Manager) EnsureLayout(runid string) (string, error) {
	dir, err := m.Dir(runid)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{logsDirName, lockDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create run layout for %q: %w", runid, err)
		}
	}
	return dir, nil
}

// EventsPath returns the path of the run's event log file.
func (m *Manager) EventsPath(runid string) (string, error) {
	dir, err := m.Dir(runid)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logsDirName, EventsFileName), nil
}

// ControllerPath returns the on-disk path of a controller file.
func (m *Manager) ControllerPath(runid, controller string) (string, error) {
	dir, err := m.Dir(runid)
	if err != nil {
		return "", err
	}
	if controller == "" {
		return "", fmt.Errorf("controller name is empty")
	}
	return filepath.Join(dir, controller+".nodb"), nil
}

// LockDir returns the run's filesystem lock sentinel directory.
func (m *Manager) LockDir(runid string) (string, error) {
	dir, err := m.Dir(runid)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, lockDirName), nil
}

// ValidateRunID rejects run ids that could escape the run root.
func ValidateRunID(runid string) error {
	trimmed := strings.TrimSpace(runid)
	if trimmed == "" {
		return fmt.Errorf("runid is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("runid %q is invalid", runid)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("runid %q must not contain path separators", runid)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("runid %q is invalid", runid)
	}
	return nil
}
