// Package integrator implements the Integrator (C8): serialized merge-back
// of a finished task branch into the run's base/integration branch, with
// agent-assisted conflict resolution as a fallback (spec.md §4.8). Grounded
// on the teacher's WorktreeManager.Merge detect-then-merge technique, but
// split into its own package and serialized with its own mutex since the
// spec requires exactly one merge at a time regardless of how many
// Supervisors run concurrently.
package integrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aristath/orchestrator/internal/engine"
	"github.com/aristath/orchestrator/internal/events"
	"github.com/aristath/orchestrator/internal/orcherr"
	"github.com/aristath/orchestrator/internal/scheduler"
	"github.com/aristath/orchestrator/internal/supervisor"
	"github.com/aristath/orchestrator/internal/tasks"
	"github.com/aristath/orchestrator/internal/worktree"
)

// EngineFactory builds (or reuses) an Engine for the named engine type. Same
// shape as supervisor.EngineFactory so a caller can pass the same value to
// both.
type EngineFactory func(engineType string) (engine.Engine, error)

// Integrator merges finished task branches into the base branch one at a
// time. A single Integrator value is shared by every Supervisor in a run.
type Integrator struct {
	mu sync.Mutex

	repoPath   string
	baseBranch string
	engineType string

	git       worktree.GitOps
	engines   EngineFactory
	store     *tasks.Store
	scheduler *scheduler.Scheduler
	bus       *events.EventBus
}

// New constructs an Integrator. bus may be nil.
func New(repoPath, baseBranch, engineType string, git worktree.GitOps, engines EngineFactory, store *tasks.Store, sched *scheduler.Scheduler, bus *events.EventBus) *Integrator {
	return &Integrator{
		repoPath:   repoPath,
		baseBranch: baseBranch,
		engineType: engineType,
		git:        git,
		engines:    engines,
		store:      store,
		scheduler:  sched,
		bus:        bus,
	}
}

func (in *Integrator) publish(e events.Event) {
	if in.bus != nil {
		in.bus.Publish(events.TopicTask, e)
	}
}

// Integrate runs the four steps of spec.md §4.8 for one finished task
// attempt, serialized against every other call on this Integrator. It
// returns true only when the task's commits are now present on the base
// branch, the task is marked completed in the Task Store, and the
// Scheduler has been told the task is Done — in that order, so that on
// disk, completed=true always implies the commits are already merged.
func (in *Integrator) Integrate(ctx context.Context, res supervisor.Result, t tasks.Task) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !res.Success {
		return false, fmt.Errorf("integrator: task %s attempt did not succeed, nothing to merge", t.ID)
	}

	// Step 1: check out the base/integration branch.
	if err := in.git.Checkout(ctx, in.baseBranch); err != nil {
		return in.fail(t.ID, nil, fmt.Sprintf("checking out %s: %v", in.baseBranch, err))
	}

	// Best-effort prediction of which files will conflict, used only to
	// build a useful resolution prompt if step 2 fails.
	predicted, _ := in.git.MergeTree(ctx, in.baseBranch, res.Branch)

	// Step 2: attempt a non-fast-forward-preserving merge of the task branch.
	mergeErr := in.git.Merge(ctx, res.Branch)
	if mergeErr == nil {
		return in.finalize(ctx, t, res)
	}

	conflictFiles := predicted
	if len(conflictFiles) == 0 {
		if changed, err := in.git.ChangedFiles(ctx, in.baseBranch, res.Branch); err == nil {
			conflictFiles = changed
		}
	}

	// Step 3: agent-assisted conflict resolution.
	resolved, resolveErr := in.resolveConflicts(ctx, t, conflictFiles)
	if resolveErr != nil {
		log.Printf("WARNING: integrator: task %s: conflict resolution invocation failed: %v", t.ID, resolveErr)
	}
	if !resolved {
		_ = in.git.AbortMerge(ctx)
		return in.fail(t.ID, conflictFiles, fmt.Sprintf("merge conflict in %s not resolved by agent", strings.Join(conflictFiles, ", ")))
	}

	if err := in.git.CommitAll(ctx, in.repoPath, fmt.Sprintf("%s: merge %s", t.ID, res.Branch)); err != nil {
		_ = in.git.AbortMerge(ctx)
		return in.fail(t.ID, conflictFiles, fmt.Sprintf("finalizing resolved merge: %v", err))
	}

	return in.finalize(ctx, t, res)
}

// finalize performs step 4: delete the task branch, mark the task completed
// in the Task Store, and only then tell the Scheduler the task is Done.
func (in *Integrator) finalize(ctx context.Context, t tasks.Task, res supervisor.Result) (bool, error) {
	if err := in.git.DeleteBranch(ctx, res.Branch, false); err != nil {
		log.Printf("WARNING: integrator: task %s: deleting merged branch %s: %v", t.ID, res.Branch, err)
	}

	if err := in.store.MarkCompleted(t.ID); err != nil {
		return false, fmt.Errorf("integrator: task %s: marking completed: %w", t.ID, err)
	}
	if err := in.scheduler.Complete(t.ID); err != nil {
		return false, fmt.Errorf("integrator: task %s: completing in scheduler: %w", t.ID, err)
	}

	in.publish(events.TaskMergedEvent{ID: t.ID, Merged: true, Timestamp: time.Now()})
	return true, nil
}

// fail marks a task Failed in the Scheduler after an unresolved merge
// (spec.md §7: a MergeConflict that survives agent resolution is classified
// as a TaskInternalError).
func (in *Integrator) fail(taskID string, conflictFiles []string, reason string) (bool, error) {
	if err := in.scheduler.Fail(taskID); err != nil {
		log.Printf("WARNING: integrator: task %s: %v", taskID, err)
	}
	in.publish(events.TaskMergedEvent{ID: taskID, Merged: false, ConflictFiles: conflictFiles, Timestamp: time.Now()})
	return false, &orcherr.TaskFailure{TaskID: taskID, Kind: orcherr.FailureInternal, Message: reason}
}

// resolveConflicts invokes the agent in the (currently mid-merge) base
// branch checkout with a prompt listing the conflicted files and the
// task's mergeNotes, then reports whether every conflict marker is gone
// afterward (spec.md §4.8 step 3).
func (in *Integrator) resolveConflicts(ctx context.Context, t tasks.Task, conflictFiles []string) (bool, error) {
	eng, err := in.engines(in.engineType)
	if err != nil {
		return false, fmt.Errorf("acquiring engine: %w", err)
	}
	defer eng.Close()

	prompt := buildConflictPrompt(t, conflictFiles)
	handle, err := eng.Invoke(ctx, engine.InvokeParams{Prompt: prompt, WorkDir: in.repoPath})
	if err != nil {
		return false, fmt.Errorf("invoking engine: %w", err)
	}
	for range handle.Records {
		// Drained but not inspected: the arbiter of success is whether
		// conflict markers remain on disk afterward, not the transcript.
	}
	if _, err := handle.Wait(); err != nil {
		return false, fmt.Errorf("waiting for engine: %w", err)
	}

	return !hasConflictMarkers(in.repoPath, conflictFiles), nil
}

// buildConflictPrompt describes the merge conflict and asks the agent to
// resolve it in place, the same way buildPrompt in internal/supervisor
// describes a task.
func buildConflictPrompt(t tasks.Task, conflictFiles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the merge conflict left by integrating task %s: %s\n\n", t.ID, t.Title)
	if len(conflictFiles) > 0 {
		fmt.Fprintf(&b, "Conflicted files:\n")
		for _, f := range conflictFiles {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	if t.MergeNotes != "" {
		fmt.Fprintf(&b, "\nNotes from the task author: %s\n", t.MergeNotes)
	}
	b.WriteString("\nEdit the conflicted files to remove every conflict marker (\"<<<<<<<\", \"=======\", \">>>>>>>\") ")
	b.WriteString("and produce a correct merged result. Do not run git commands yourself; leave the result staged in the working tree.\n")
	return b.String()
}

// hasConflictMarkers reports whether any of the given files (or, if none
// were identified, every file under dir outside .git) still contains a conflict
// marker.
func hasConflictMarkers(dir string, files []string) bool {
	if len(files) == 0 {
		return scanTreeForMarkers(dir)
	}
	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, f)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue // file may have been deleted as part of the resolution
		}
		if strings.Contains(string(data), "<<<<<<<") {
			return true
		}
	}
	return false
}

func scanTreeForMarkers(dir string) bool {
	found := false
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || found {
			return nil
		}
		if fi.IsDir() {
			if filepath.Base(path) == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		if strings.Contains(string(data), "<<<<<<<") {
			found = true
		}
		return nil
	})
	return found
}
