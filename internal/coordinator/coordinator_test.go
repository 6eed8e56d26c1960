package coordinator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/orchestrator/internal/artifacts"
	"github.com/aristath/orchestrator/internal/engine"
	"github.com/aristath/orchestrator/internal/integrator"
	"github.com/aristath/orchestrator/internal/resilience"
	"github.com/aristath/orchestrator/internal/scheduler"
	"github.com/aristath/orchestrator/internal/supervisor"
	"github.com/aristath/orchestrator/internal/tasks"
	"github.com/aristath/orchestrator/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v (output: %s)", args, err, string(out))
	}
}

func setupRepo(t *testing.T) string {
	t.Helper()
	repoPath := t.TempDir()
	runGit(t, repoPath, "init")
	runGit(t, repoPath, "config", "user.name", "Test User")
	runGit(t, repoPath, "config", "user.email", "test@example.com")
	runGit(t, repoPath, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# repo\n"), 0644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "initial commit")
	return repoPath
}

func writeMultiTaskFile(t *testing.T, repoPath string) string {
	t.Helper()
	path := filepath.Join(repoPath, "tasks.yaml")
	content := "" +
		"version: 1\n" +
		"branchName: main\n" +
		"tasks:\n" +
		"  - id: TASK-001\n" +
		"    title: First independent task\n" +
		"  - id: TASK-002\n" +
		"    title: Second independent task\n" +
		"  - id: TASK-003\n" +
		"    title: Depends on the first two\n" +
		"    dependsOn: [TASK-001, TASK-002]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write tasks file: %v", err)
	}
	return path
}

// dynamicEngine is a test double that writes a file named after the task id
// it was invoked for (parsed out of the prompt, which buildPrompt always
// starts with "Implement task <id>: "), so each concurrent Supervisor
// invocation produces a distinct, conflict-free commit.
type dynamicEngine struct{}

func (e *dynamicEngine) Invoke(ctx context.Context, p engine.InvokeParams) (*engine.StreamHandle, error) {
	fields := strings.Fields(p.Prompt)
	taskID := "unknown"
	if len(fields) >= 3 {
		taskID = strings.TrimSuffix(fields[2], ":")
	}
	if err := os.WriteFile(filepath.Join(p.WorkDir, taskID+".txt"), []byte("done\n"), 0644); err != nil {
		return nil, err
	}
	records := make(chan engine.Record)
	close(records)
	return engine.NewStreamHandle(records, func() (engine.ExitInfo, error) {
		return engine.ExitInfo{ExitCode: 0}, nil
	}), nil
}

func (e *dynamicEngine) SessionID() string { return "" }
func (e *dynamicEngine) Close() error      { return nil }

// alwaysExternalEngine simulates an agent invocation that spawns fine but
// exits with a message matching orcherr's external-failure patterns, so the
// Supervisor classifies the failure as external rather than as a spawn
// error (which the Supervisor always treats as internal).
type alwaysExternalEngine struct{}

func (e *alwaysExternalEngine) Invoke(ctx context.Context, p engine.InvokeParams) (*engine.StreamHandle, error) {
	records := make(chan engine.Record)
	close(records)
	return engine.NewStreamHandle(records, func() (engine.ExitInfo, error) {
		return engine.ExitInfo{ExitCode: 1, SawErrorRecord: true}, errors.New("dial tcp: connection refused")
	}), nil
}
func (e *alwaysExternalEngine) SessionID() string { return "" }
func (e *alwaysExternalEngine) Close() error      { return nil }

func fastSpawnRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      20 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

func buildCoordinator(t *testing.T, repoPath, tasksPath string, eng engine.Engine, parallelism int) (*Coordinator, *scheduler.Scheduler, *tasks.Store) {
	t.Helper()

	store, errs := tasks.Load(tasksPath)
	if len(errs) > 0 {
		t.Fatalf("loading tasks file: %v", errs)
	}

	sched := scheduler.New()
	if err := sched.Init(store.TaskSet()); err != nil {
		t.Fatalf("scheduler.Init: %v", err)
	}

	wt := worktree.New(worktree.Config{RepoPath: repoPath, BaseBranch: "main", Prefix: "run-1"}, nil)
	aw, err := artifacts.Open(t.TempDir(), "prd-1", []byte("# reqs\n"))
	if err != nil {
		t.Fatalf("artifacts.Open: %v", err)
	}

	factory := func(string) (engine.Engine, error) { return eng, nil }

	supCfg := supervisor.Config{
		BaseBranch:  "main",
		MaxRetries:  0,
		RetryDelay:  time.Millisecond,
		EngineType:  "claude",
		TaskSetPath: tasksPath,
		SpawnRetry:  fastSpawnRetry(),
	}
	sup := supervisor.New(supCfg, wt, factory, resilience.NewBreakerRegistry(), nil, aw, nil)

	git := worktree.NewGitOps(repoPath)
	integ := integrator.New(repoPath, "main", "claude", git, factory, store, sched, nil)

	coord := New(Config{Parallelism: parallelism, MaxIterations: 10, ExternalFailTimeout: 50 * time.Millisecond}, sched, store, sup, integ, nil)
	return coord, sched, store
}

func TestCoordinatorRunCompletesDAG(t *testing.T) {
	repoPath := setupRepo(t)
	tasksPath := writeMultiTaskFile(t, repoPath)

	coord, sched, store := buildCoordinator(t, repoPath, tasksPath, &dynamicEngine{}, 2)

	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("coordinator.Run: %v", err)
	}

	for _, id := range []string{"TASK-001", "TASK-002", "TASK-003"} {
		state, ok := sched.State(id)
		if !ok || state != scheduler.Done {
			t.Errorf("task %s state = %v, want Done", id, state)
		}
		task, ok := store.Task(id)
		if !ok || !task.Completed {
			t.Errorf("task %s not marked completed in the store", id)
		}
	}

	for _, id := range []string{"TASK-001", "TASK-002", "TASK-003"} {
		if _, err := os.Stat(filepath.Join(repoPath, id+".txt")); err != nil {
			t.Errorf("expected %s.txt to be merged onto main: %v", id, err)
		}
	}
}

func TestCoordinatorStopsOnExternalFailure(t *testing.T) {
	repoPath := setupRepo(t)
	tasksPath := writeMultiTaskFile(t, repoPath)

	coord, sched, _ := buildCoordinator(t, repoPath, tasksPath, &alwaysExternalEngine{}, 2)

	err := coord.Run(context.Background())
	if !errors.Is(err, ErrExternalFailure) {
		t.Fatalf("coordinator.Run error = %v, want ErrExternalFailure", err)
	}

	for _, id := range []string{"TASK-001", "TASK-002"} {
		state, ok := sched.State(id)
		if !ok || state != scheduler.Failed {
			t.Errorf("task %s state = %v, want Failed", id, state)
		}
	}

	if state, _ := sched.State("TASK-003"); state != scheduler.Pending {
		t.Errorf("TASK-003 state = %v, want still Pending (never dispatched)", state)
	}
}
