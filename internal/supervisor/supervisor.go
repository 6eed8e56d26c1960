// Package supervisor implements the Task Supervisor (C6): drives exactly
// one task attempt end to end — worktree, prompt, agent invocation with
// retry, auto-commit, and report writing (spec.md §4.6). Grounded on the
// teacher's internal/orchestrator/runner.go executeTask, split out of the
// run loop so the Run Coordinator (C7) can dispatch many Supervisors
// concurrently; merging is no longer inline here but the Integrator's job
// (C8), since the spec requires merges to be serialized across the whole
// run rather than done per task.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/orchestrator/internal/artifacts"
	"github.com/aristath/orchestrator/internal/engine"
	"github.com/aristath/orchestrator/internal/events"
	"github.com/aristath/orchestrator/internal/orcherr"
	"github.com/aristath/orchestrator/internal/resilience"
	"github.com/aristath/orchestrator/internal/session"
	"github.com/aristath/orchestrator/internal/tasks"
	"github.com/aristath/orchestrator/internal/worktree"
)

// Config configures every Supervisor attempt in a run.
type Config struct {
	BaseBranch     string
	MaxRetries     int
	RetryDelay     time.Duration
	StalledTimeout time.Duration
	EngineType     string
	EngineOptions  engine.InvokeParams // Model/Provider/SystemPrompt template; Prompt/WorkDir/SessionID are overwritten per attempt
	TaskSetPath    string              // tasks file copied into each worktree for the agent's context
	SpawnRetry     resilience.RetryConfig // backoff applied to engine spawn failures; zero value uses resilience.DefaultRetryConfig
}

func (c Config) spawnRetry() resilience.RetryConfig {
	if c.SpawnRetry == (resilience.RetryConfig{}) {
		return resilience.DefaultRetryConfig()
	}
	return c.SpawnRetry
}

// EngineFactory builds (or reuses) an Engine for the named engine type.
type EngineFactory func(engineType string) (engine.Engine, error)

// Result is what a Supervisor reports back to the Run Coordinator after
// driving one task to completion or terminal failure (spec.md §4.6 step 9).
type Result struct {
	TaskID        string
	Success       bool
	Branch        string
	WorktreePath  string
	FailureKind   orcherr.FailureKind
	FailureReason string
	Attempts      int
}

// Supervisor drives one task attempt at a time. A single Supervisor value
// is reused across dispatches; it holds no per-task state between calls.
type Supervisor struct {
	cfg       Config
	worktrees *worktree.Manager
	engines   EngineFactory
	breakers  *resilience.BreakerRegistry
	sessions  *session.Store   // optional, nil disables resume
	artifacts *artifacts.Writer
	bus       *events.EventBus // optional
}

// New constructs a Supervisor. sessions and bus may be nil.
func New(cfg Config, worktrees *worktree.Manager, engines EngineFactory, breakers *resilience.BreakerRegistry, sessions *session.Store, aw *artifacts.Writer, bus *events.EventBus) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		worktrees: worktrees,
		engines:   engines,
		breakers:  breakers,
		sessions:  sessions,
		artifacts: aw,
		bus:       bus,
	}
}

func (s *Supervisor) publish(topic string, e events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, e)
	}
}

// Run drives task t through steps 1-9 of spec.md §4.6 on worktree slot
// agentSlot, blocking until the task succeeds or exhausts its retries.
func (s *Supervisor) Run(ctx context.Context, t tasks.Task, agentSlot int) Result {
	start := time.Now()
	s.publish(events.TopicTask, events.TaskStartedEvent{
		ID: t.ID, Name: t.Title, Engine: s.cfg.EngineType, Attempt: 1, Timestamp: start,
	})

	// Step 1: fresh worktree.
	info, err := s.worktrees.Create(ctx, agentSlot, t.ID, t.Title)
	if err != nil {
		return s.failResult(t.ID, "", "", orcherr.FailureInternal, fmt.Sprintf("creating worktree: %v", err), 0, start)
	}

	// Step 2: seed the worktree with the tasks file and a progress-notes file.
	if err := s.seedWorktree(info.Path); err != nil {
		_ = s.worktrees.Teardown(ctx, info)
		return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, fmt.Sprintf("seeding worktree: %v", err), 0, start)
	}

	logFile, err := s.artifacts.OpenLog(t.ID)
	if err != nil {
		_ = s.worktrees.Teardown(ctx, info)
		return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, fmt.Sprintf("opening log: %v", err), 0, start)
	}
	defer logFile.Close()

	eng, err := s.engines(s.cfg.EngineType)
	if err != nil {
		_ = s.worktrees.Teardown(ctx, info)
		return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, fmt.Sprintf("acquiring engine: %v", err), 0, start)
	}
	defer eng.Close()

	sessionID := s.priorSessionID(ctx, t.ID)

	// Step 3: build the one-task prompt.
	prompt := buildPrompt(t)

	kind, message, progressTail, attempts := s.invokeWithRetry(ctx, eng, t, prompt, info.Path, logFile, &sessionID)

	if kind != "" {
		_ = s.worktrees.Teardown(ctx, info)
		s.writeReport(t.ID, artifacts.TaskReport{
			TaskID: t.ID, Title: t.Title, Status: "failed", Branch: info.Branch,
			FailureKind: kind, FailureReason: message,
			ProgressNotes: progressTail, StartedAt: start, FinishedAt: time.Now(), Attempt: attempts,
		})
		return s.failResult(t.ID, info.Branch, info.Path, kind, message, attempts, start)
	}

	// Step 6: auto-commit a dirty worktree, stripping reserved filesystem names first.
	g := s.worktrees.Git()
	if err := removeReservedPaths(info.Path); err != nil {
		log.Printf("WARNING: supervisor: task %s: removing reserved filesystem names: %v", t.ID, err)
	}
	// The seeded tasks-file copy is never committed, and a progress-notes
	// file still holding only its seed content does not count as a change.
	_ = os.Remove(filepath.Join(info.Path, filepath.Base(s.cfg.TaskSetPath)))
	notesPath := filepath.Join(info.Path, "PROGRESS_NOTES.md")
	if data, err := os.ReadFile(notesPath); err == nil && string(data) == "# Progress notes\n" {
		_ = os.Remove(notesPath)
	}
	clean, err := g.IsClean(ctx, info.Path)
	if err != nil {
		_ = s.worktrees.Teardown(ctx, info)
		return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, fmt.Sprintf("checking worktree cleanliness: %v", err), attempts, start)
	}
	if !clean {
		if err := g.CommitAll(ctx, info.Path, fmt.Sprintf("%s: auto-commit remaining changes", t.ID)); err != nil {
			_ = s.worktrees.Teardown(ctx, info)
			return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, fmt.Sprintf("auto-committing: %v", err), attempts, start)
		}
	}

	// Step 7: at least one commit must exist on the task branch.
	commits, err := g.CommitsBetween(ctx, s.cfg.BaseBranch, info.Branch)
	if err != nil {
		_ = s.worktrees.Teardown(ctx, info)
		return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, fmt.Sprintf("counting commits: %v", err), attempts, start)
	}
	if commits == 0 {
		_ = s.worktrees.Teardown(ctx, info)
		s.writeReport(t.ID, artifacts.TaskReport{
			TaskID: t.ID, Title: t.Title, Status: "failed", Branch: info.Branch,
			FailureKind: orcherr.FailureInternal, FailureReason: "no commits produced",
			ProgressNotes: progressTail, StartedAt: start, FinishedAt: time.Now(), Attempt: attempts,
		})
		return s.failResult(t.ID, info.Branch, info.Path, orcherr.FailureInternal, "no commits produced", attempts, start)
	}

	changedFiles, err := g.ChangedFiles(ctx, s.cfg.BaseBranch, info.Branch)
	if err != nil {
		log.Printf("WARNING: supervisor: task %s: listing changed files: %v", t.ID, err)
	}

	// Step 8: write the success report. The Integrator, not this Supervisor,
	// deletes the branch and marks the task completed (spec.md §4.8).
	s.writeReport(t.ID, artifacts.TaskReport{
		TaskID: t.ID, Title: t.Title, Status: "done", Branch: info.Branch,
		ProgressNotes: progressTail, CommitCount: commits, ChangedFiles: changedFiles,
		StartedAt: start, FinishedAt: time.Now(), Attempt: attempts,
	})

	if err := s.worktrees.ReleaseSuccessful(ctx, info); err != nil {
		log.Printf("WARNING: supervisor: task %s: releasing worktree: %v", t.ID, err)
	}

	s.publish(events.TopicTask, events.TaskCompletedEvent{
		ID: t.ID, Result: info.Branch, Duration: time.Since(start), Timestamp: time.Now(),
	})

	return Result{TaskID: t.ID, Success: true, Branch: info.Branch, WorktreePath: info.Path, Attempts: attempts}
}

func (s *Supervisor) priorSessionID(ctx context.Context, taskID string) string {
	if s.sessions == nil {
		return ""
	}
	sid, engineType, ok, err := s.sessions.GetSession(ctx, taskID)
	if err != nil || !ok || engineType != s.cfg.EngineType {
		return ""
	}
	return sid
}

// invokeWithRetry drives step 4-5: invoke, classify, retry up to
// cfg.MaxRetries with a fixed delay, then give up. Returns a non-empty
// FailureKind only on terminal failure.
func (s *Supervisor) invokeWithRetry(ctx context.Context, eng engine.Engine, t tasks.Task, prompt, workDir string, logFile *os.File, sessionID *string) (orcherr.FailureKind, string, string, int) {
	var lastKind orcherr.FailureKind
	var lastMessage string
	var progressTail string
	attempts := 0

	for attempts = 1; attempts <= s.cfg.MaxRetries+1; attempts++ {
		params := s.cfg.EngineOptions
		params.Prompt = prompt
		params.WorkDir = workDir
		params.SessionID = *sessionID
		params.StalledTimeout = s.cfg.StalledTimeout

		cb := s.breakers.Get(s.cfg.EngineType)
		handle, err := resilience.InvokeWithBreaker(ctx, eng, params, cb, s.cfg.spawnRetry())
		if err != nil {
			lastKind = orcherr.FailureInternal
			lastMessage = err.Error()
			log.Printf("WARNING: supervisor: task %s attempt %d: engine spawn failed: %v", t.ID, attempts, err)
			if attempts <= s.cfg.MaxRetries {
				time.Sleep(s.cfg.RetryDelay)
				continue
			}
			return lastKind, lastMessage, progressTail, attempts
		}

		var lastLine string
		for rec := range handle.Records {
			switch rec.Kind {
			case engine.RecordSessionStarted:
				if rec.SessionID != "" {
					*sessionID = rec.SessionID
				}
			case engine.RecordText:
				lastLine = rec.Text
				progressTail = appendTail(progressTail, rec.Text, 50)
				fmt.Fprintln(logFile, rec.Text)
			case engine.RecordToolUse:
				fmt.Fprintf(logFile, "[tool: %s]\n", rec.ToolName)
			case engine.RecordError:
				lastLine = rec.Text
				fmt.Fprintln(logFile, rec.Text)
			}
		}

		exit, waitErr := handle.Wait()
		if *sessionID == "" {
			*sessionID = eng.SessionID()
		}
		if s.sessions != nil && *sessionID != "" {
			if err := s.sessions.SaveSession(ctx, t.ID, *sessionID, s.cfg.EngineType); err != nil {
				log.Printf("WARNING: supervisor: task %s: saving session: %v", t.ID, err)
			}
		}

		if waitErr == nil && exit.ExitCode == 0 && !exit.SawErrorRecord {
			return "", "", progressTail, attempts
		}

		msg := lastLine
		if waitErr != nil {
			msg = waitErr.Error()
		} else if exit.Stalled {
			msg = "agent process stalled: no output observed within the inactivity timeout"
		}
		lastKind = orcherr.Classify(msg)
		lastMessage = msg
		log.Printf("WARNING: supervisor: task %s attempt %d failed (%s): %s", t.ID, attempts, lastKind, lastMessage)

		if attempts <= s.cfg.MaxRetries {
			time.Sleep(s.cfg.RetryDelay)
			continue
		}
	}

	return lastKind, lastMessage, progressTail, attempts
}

func (s *Supervisor) writeReport(taskID string, report artifacts.TaskReport) {
	if err := s.artifacts.WriteReport(taskID, report); err != nil {
		log.Printf("WARNING: supervisor: task %s: writing report: %v", taskID, err)
	}
	line := fmt.Sprintf("[%s] %s: %s (attempt %d)", report.FinishedAt.Format(time.RFC3339), taskID, report.Status, report.Attempt)
	if report.FailureReason != "" {
		line += ": " + report.FailureReason
	}
	if err := s.artifacts.AppendProgress(line); err != nil {
		log.Printf("WARNING: supervisor: task %s: appending progress note: %v", taskID, err)
	}
}

func (s *Supervisor) failResult(taskID, branch, worktreePath string, kind orcherr.FailureKind, message string, attempts int, start time.Time) Result {
	s.publish(events.TopicTask, events.TaskFailedEvent{
		ID: taskID, Err: fmt.Errorf("%s", message), Duration: time.Since(start), Timestamp: time.Now(),
	})
	return Result{
		TaskID: taskID, Success: false, Branch: branch, WorktreePath: worktreePath,
		FailureKind: kind, FailureReason: message, Attempts: attempts,
	}
}

func (s *Supervisor) seedWorktree(path string) error {
	if err := copyFile(s.cfg.TaskSetPath, filepath.Join(path, filepath.Base(s.cfg.TaskSetPath))); err != nil {
		return fmt.Errorf("copying tasks file: %w", err)
	}
	notesPath := filepath.Join(path, "PROGRESS_NOTES.md")
	if _, err := os.Stat(notesPath); os.IsNotExist(err) {
		if err := os.WriteFile(notesPath, []byte("# Progress notes\n"), 0644); err != nil {
			return fmt.Errorf("creating progress notes: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0444)
}

// buildPrompt instructs the agent to implement exactly one task, forbidding
// modification of the tasks file or marking it complete (spec.md §4.6 step 3).
func buildPrompt(t tasks.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement task %s: %s\n\n", t.ID, t.Title)
	if len(t.Touches) > 0 {
		fmt.Fprintf(&b, "Files likely involved: %s\n", strings.Join(t.Touches, ", "))
	}
	if t.MergeNotes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", t.MergeNotes)
	}
	b.WriteString("\nDo not modify the tasks file in this worktree and do not mark this task complete yourself — ")
	b.WriteString("completion is recorded by the orchestrator after your changes are merged. ")
	b.WriteString("Commit your work to the current branch when done.\n")
	return b.String()
}

func appendTail(tail, line string, maxLines int) string {
	lines := strings.Split(tail, "\n")
	lines = append(lines, line)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

// reservedNames are the Windows-reserved device names that would make a
// commit fail on checkout for a collaborator on a hostile platform
// (spec.md §4.6 step 6).
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
}

func init() {
	for i := 1; i <= 9; i++ {
		reservedNames[fmt.Sprintf("COM%d", i)] = true
		reservedNames[fmt.Sprintf("LPT%d", i)] = true
	}
}

// removeReservedPaths walks the worktree and deletes any path component
// that is a Windows-reserved device name (case-insensitive), purely `.`/`..`
// after normalization, or carries a trailing dot/space in a path segment —
// any of which would make the resulting commit uncheckoutable on Windows.
func removeReservedPaths(root string) error {
	var offenders []string
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if fi.IsDir() && filepath.Base(path) == ".git" {
			return filepath.SkipDir
		}
		name := filepath.Base(path)
		upper := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
		if reservedNames[upper] || strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
			offenders = append(offenders, path)
			if fi.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range offenders {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing reserved path %s: %w", p, err)
		}
	}
	return nil
}
