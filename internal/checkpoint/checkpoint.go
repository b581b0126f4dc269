// Package checkpoint persists the desired process set as a single JSON file.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/psy/internal/process"
)

// Record is the persisted form of one registered process.
type Record struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Command     []string          `json:"command"`
	Cwd         string            `json:"cwd"`
	Env         map[string]string `json:"env"`
	MaxRestarts int               `json:"maxRestarts"`
	SleepMs     int               `json:"sleepMs"`
	Logfile     string            `json:"logfile,omitempty"`
}

// FromSpec builds a record for spec in the given status.
func FromSpec(spec process.Spec, status string) Record {
	spec = spec.Clone()
	return Record{
		ID:          spec.ID,
		Status:      status,
		Command:     spec.Command,
		Cwd:         spec.Cwd,
		Env:         spec.Env,
		MaxRestarts: spec.MaxRestarts,
		SleepMs:     spec.SleepMs,
		Logfile:     spec.Logfile,
	}
}

// Spec converts the record back into a process spec.
func (r Record) Spec() process.Spec {
	return process.Spec{
		ID:          r.ID,
		Command:     r.Command,
		Cwd:         r.Cwd,
		Env:         r.Env,
		MaxRestarts: r.MaxRestarts,
		SleepMs:     r.SleepMs,
		Logfile:     r.Logfile,
	}.Clone()
}

// IOError reports a failed read or write of the state file.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("state file %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// MalformedStateError reports a state file that exists but is not valid JSON.
type MalformedStateError struct {
	Path string
	Err  error
}

func (e *MalformedStateError) Error() string {
	return fmt.Sprintf("malformed state file %s: %v", e.Path, e.Err)
}
func (e *MalformedStateError) Unwrap() error { return e.Err }

// Store reads and writes the state file. Saves are serialized.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// Save overwrites the state file with records.
func (s *Store) Save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return &IOError{Path: s.path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return &IOError{Path: s.path, Err: err}
	}
	return nil
}

// Load returns the saved records. A missing or empty file yields none, as does
// a JSON document whose top level is not an array.
func (s *Store) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Path: s.path, Err: err}
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &MalformedStateError{Path: s.path, Err: err}
	}
	if _, ok := raw.([]any); !ok {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, &MalformedStateError{Path: s.path, Err: err}
	}
	out := records[:0]
	for _, r := range records {
		if r.ID == "" || len(r.Command) == 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Remove deletes the state file, ignoring a missing one.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Path: s.path, Err: err}
	}
	return nil
}
