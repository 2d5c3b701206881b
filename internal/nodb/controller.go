// Package nodb persists per-run controller state as one schema-versioned
// JSON document per controller, guarded by the keyed lock service. Writes are
// atomic (temp file, fsync, rename); readers always see either the prior
// snapshot or the new one.
package nodb

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSchemaTooNew means the file was written by a newer binary. The file
	// is left untouched.
	ErrSchemaTooNew = errors.New("controller schema too new")
	// ErrCorrupted means the document failed to decode or its checksum does
	// not match. The file is preserved for inspection.
	ErrCorrupted = errors.New("controller file corrupted")
)

// Spec declares a controller: its file name, schema version, defaults, and
// optional validation/migration hooks.
type Spec struct {
	// Name is the controller file name without the .nodb suffix.
	Name string

	// SchemaVersion is stamped on every write.
	SchemaVersion int

	// Defaults builds the initial payload for runs that have never persisted
	// this controller.
	Defaults func() map[string]any

	// Validate, if set, runs after every load.
	Validate func(payload map[string]any) error

	// Migrate, if set, upgrades a payload written at an older schema
	// version. It is called once per load with the on-disk version.
	Migrate func(fromVersion int, payload map[string]any) (map[string]any, error)
}

func (s Spec) check() error {
	if s.Name == "" {
		return fmt.Errorf("controller name is empty")
	}
	if s.SchemaVersion <= 0 {
		return fmt.Errorf("controller %q: schema version must be positive", s.Name)
	}
	if s.Defaults == nil {
		return fmt.Errorf("controller %q: defaults are required", s.Name)
	}
	return nil
}

// Instance is a loaded controller document. Mutate it only inside
// Store.Locked; mutations elsewhere are not persisted and race with other
// processes.
type Instance struct {
	Runid      string
	Controller string
	Schema     int
	payload    map[string]any
	modified   bool
	loadedAt   time.Time
}

// Get returns the payload value for key.
func (in *Instance) Get(key string) (any, bool) {
	v, ok := in.payload[key]
	return v, ok
}

// Set stores a payload value and marks the instance dirty.
func (in *Instance) Set(key string, value any) {
	in.payload[key] = value
	in.modified = true
}

// SetAll applies every field; known keys overwrite, unknown keys are added.
func (in *Instance) SetAll(fields map[string]any) {
	for k, v := range fields {
		in.payload[k] = v
	}
	if len(fields) > 0 {
		in.modified = true
	}
}

// Payload returns a shallow copy of the payload map.
func (in *Instance) Payload() map[string]any {
	out := make(map[string]any, len(in.payload))
	for k, v := range in.payload {
		out[k] = v
	}
	return out
}

// Modified reports whether the instance carries unpersisted changes.
func (in *Instance) Modified() bool { return in.modified }

func (in *Instance) clone() *Instance {
	return &Instance{
		Runid:      in.Runid,
		Controller: in.Controller,
		Schema:     in.Schema,
		payload:    in.Payload(),
		loadedAt:   in.loadedAt,
	}
}
