// Package artifacts implements the Artifact Writer (C9): per-task JSON
// reports and raw agent logs under a per-PRD run directory (spec.md §4.9).
// Writes are atomic (temp-file + rename), mirroring the Task Store's own
// write discipline (internal/tasks.Store.persist) and the teacher's
// config.Save pattern.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/orchestrator/internal/orcherr"
)

// TaskReport is written once per task attempt, success or failure.
type TaskReport struct {
	TaskID        string              `json:"taskId"`
	Title         string              `json:"title,omitempty"`
	Status        string              `json:"status"` // "done" or "failed"
	Branch        string              `json:"branch,omitempty"`
	FailureKind   orcherr.FailureKind `json:"failureKind,omitempty"`
	FailureReason string              `json:"failureReason,omitempty"`
	ProgressNotes string              `json:"progressNotes,omitempty"`
	CommitCount   int                 `json:"commitCount"`
	ChangedFiles  []string            `json:"changedFiles,omitempty"`
	StartedAt     time.Time           `json:"startedAt"`
	FinishedAt    time.Time           `json:"finishedAt"`
	Attempt       int                 `json:"attempt"`
}

// Writer owns <run-root>/<prd-id>/ and its reports/ subdirectory.
type Writer struct {
	root string // <run-root>/<prd-id>
}

// Open creates the run directory structure if absent and, on first
// initialization, writes a copy of the source requirements document
// (spec.md §4.9). Resume (the directory already existing) never truncates
// prior reports.
func Open(runRoot, prdID string, requirementsDoc []byte) (*Writer, error) {
	root := filepath.Join(runRoot, prdID)
	reportsDir := filepath.Join(root, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return nil, fmt.Errorf("artifacts: creating %s: %w", reportsDir, err)
	}

	reqPath := filepath.Join(root, "requirements.md")
	if _, err := os.Stat(reqPath); os.IsNotExist(err) && requirementsDoc != nil {
		if err := atomicWrite(reqPath, requirementsDoc); err != nil {
			return nil, fmt.Errorf("artifacts: writing requirements copy: %w", err)
		}
	}

	return &Writer{root: root}, nil
}

// WriteReport atomically writes <task-id>.json under reports/.
func (w *Writer) WriteReport(taskID string, report TaskReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: marshaling report for %q: %w", taskID, err)
	}
	path := filepath.Join(w.root, "reports", taskID+".json")
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("artifacts: writing report for %q: %w", taskID, err)
	}
	return nil
}

// CopyTasksFile writes a copy of the authoritative tasks file into the run
// directory as tasks.yaml (spec.md §6.6). The run-root copy, not whatever
// the agent may have mutated inside a worktree, is what this system
// treats as authoritative (spec.md §9 design note (b)). A no-op if the
// copy already exists, so resume never clobbers it.
func (w *Writer) CopyTasksFile(srcPath string) error {
	dst := filepath.Join(w.root, "tasks.yaml")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("artifacts: reading tasks file %s: %w", srcPath, err)
	}
	if err := atomicWrite(dst, data); err != nil {
		return fmt.Errorf("artifacts: writing tasks file copy: %w", err)
	}
	return nil
}

// AppendProgress appends one line to the run's accumulated progress.txt
// (spec.md §6.6). Append-only: resume never truncates it.
func (w *Writer) AppendProgress(line string) error {
	f, err := os.OpenFile(filepath.Join(w.root, "progress.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("artifacts: opening progress.txt: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("artifacts: appending to progress.txt: %w", err)
	}
	return nil
}

// LogPath returns the path of <task-id>.log, the raw agent stream.
func (w *Writer) LogPath(taskID string) string {
	return filepath.Join(w.root, "reports", taskID+".log")
}

// OpenLog opens (creating or appending to) the per-task log file for
// streaming writes as the agent process runs.
func (w *Writer) OpenLog(taskID string) (*os.File, error) {
	path := w.LogPath(taskID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("artifacts: opening log for %q: %w", taskID, err)
	}
	return f, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
