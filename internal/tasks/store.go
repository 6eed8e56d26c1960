package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store owns the on-disk TaskSet: the sole source of truth for each task's
// Completed flag (spec.md §3 Ownership). Only the Integrator mutates
// Completed, and only after a successful merge. Guarded by mu since the Run
// Coordinator (C7) reads tasks from several concurrently-dispatched
// Supervisor goroutines while the Integrator concurrently mutates it.
type Store struct {
	mu   sync.RWMutex
	path string
	set  TaskSet
}

// Load reads and validates the tasks file at path. Returns the full list of
// validation errors (never just the first) so a caller can print them all
// before exiting (spec.md §6.1).
func Load(path string) (*Store, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{fmt.Errorf("reading tasks file %s: %w", path, err)}
	}

	var set TaskSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, []error{fmt.Errorf("parsing tasks file %s: %w", path, err)}
	}
	if set.Version == 0 {
		set.Version = 1
	}

	if errs := Validate(&set); len(errs) > 0 {
		return nil, errs
	}

	return &Store{path: path, set: set}, nil
}

// TaskSet returns a copy of the loaded task set.
func (s *Store) TaskSet() TaskSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.set
	cp.Tasks = append([]Task(nil), s.set.Tasks...)
	return cp
}

// BranchName returns the integration branch name for this run.
func (s *Store) BranchName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.BranchName
}

// Task returns a copy of the task with the given id.
func (s *Store) Task(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set.ByID(id)
}

// MarkCompleted flips a task's Completed flag to true and atomically
// persists the whole document (write to a temp file, then rename). This is
// the only mutation the Store exposes, and the Integrator is the only
// caller (spec.md §3, §4.8): on disk, completed=true must imply the task's
// commits are already in the integration branch.
func (s *Store) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.set.Tasks {
		if s.set.Tasks[i].ID == id {
			s.set.Tasks[i].Completed = true
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("mark completed: unknown task %q", id)
	}
	return s.persist()
}

func (s *Store) persist() error {
	data, err := yaml.Marshal(s.set)
	if err != nil {
		return fmt.Errorf("marshaling tasks file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tasks-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp tasks file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp tasks file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp tasks file into place: %w", err)
	}

	return nil
}
