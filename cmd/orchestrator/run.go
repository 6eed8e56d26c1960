package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/orchestrator/internal/artifacts"
	"github.com/aristath/orchestrator/internal/config"
	"github.com/aristath/orchestrator/internal/coordinator"
	"github.com/aristath/orchestrator/internal/engine"
	"github.com/aristath/orchestrator/internal/events"
	"github.com/aristath/orchestrator/internal/integrator"
	"github.com/aristath/orchestrator/internal/prd"
	"github.com/aristath/orchestrator/internal/resilience"
	"github.com/aristath/orchestrator/internal/scheduler"
	"github.com/aristath/orchestrator/internal/session"
	"github.com/aristath/orchestrator/internal/supervisor"
	"github.com/aristath/orchestrator/internal/tasks"
	"github.com/aristath/orchestrator/internal/tui"
	"github.com/aristath/orchestrator/internal/worktree"
)

func registerRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("engine", "", "engine to use (claude, codex, goose)")
	cmd.Flags().Int("parallel", 0, "number of tasks to run concurrently")
	cmd.Flags().Int("maxRetries", 0, "max retries per task before it is failed")
	cmd.Flags().Duration("stalledTimeout", 0, "inactivity timeout for one agent invocation")
	cmd.Flags().Duration("externalFailTimeout", 0, "grace period given to in-flight tasks after an external failure")
	cmd.Flags().Int("maxIterations", 0, "max coordinator iterations before giving up (0 = unbounded)")
	cmd.Flags().Bool("dryRun", false, "print the task plan without invoking any agent")
	cmd.Flags().Bool("watch", false, "show the live TUI dashboard while the run executes")
	cmd.Flags().BoolP("verbose", "v", false, "verbose logging")
}

func newRunCmd() *cobra.Command {
	var prdIDFlag string
	cmd := &cobra.Command{
		Use:   "run <requirements-file|tasks-file>",
		Short: "Translate (if needed) a requirements document into tasks, then run the graph to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeRun(cmd, args[0], prdIDFlag)
		},
	}
	cmd.Flags().StringVar(&prdIDFlag, "prd-id", "", "run directory name to use when the input is already a tasks file")
	registerRunFlags(cmd)
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <prd-id>",
		Short: "Resume a previously started run from its persisted tasks file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeResume(cmd, args[0])
		},
	}
	registerRunFlags(cmd)
	return cmd
}

// executeRun handles `orchestrator run <input>`. If input is a tasks file
// (.yaml/.yml) it is used directly; otherwise it is treated as a
// requirements document and translated via internal/prd first (spec.md §1,
// §6.2).
func executeRun(cmd *cobra.Command, input, prdIDFlag string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return newUsageError("loading configuration: %w", err)
	}

	repoPath, err := os.Getwd()
	if err != nil {
		return newUsageError("determining working directory: %w", err)
	}

	var (
		tasksPath       string
		prdID           string
		requirementsDoc []byte
	)

	if isTasksFile(input) {
		tasksPath = input
		prdID = prdIDFlag
		if prdID == "" {
			prdID = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		}
	} else {
		doc, err := os.ReadFile(input)
		if err != nil {
			return newUsageError("reading requirements document %s: %w", input, err)
		}
		requirementsDoc = doc

		id, err := prd.ExtractPRDID(doc)
		if err != nil {
			return newUsageError("%w", err)
		}
		prdID = id

		procMgr := engine.NewProcessManager()
		translator, err := engine.New(cfg.Engine, procMgr)
		if err != nil {
			return newUsageError("constructing translation engine: %w", err)
		}
		defer translator.Close()

		ctx, cancel := signalContext()
		defer cancel()
		set, err := prd.Translate(ctx, translator, input)
		if err != nil {
			return newUsageError("translating requirements into tasks: %w", err)
		}

		tasksPath = filepath.Join(cfg.RunRoot, prdID, "tasks.yaml")
		if err := writeTaskSet(tasksPath, set); err != nil {
			return newUsageError("writing translated tasks file: %w", err)
		}
	}

	return setupAndRun(cmd, cfg, repoPath, prdID, tasksPath, requirementsDoc)
}

// executeResume handles `orchestrator resume <prd-id>`: the tasks file at
// <run-root>/<prd-id>/tasks.yaml, not any copy left inside a worktree, is
// authoritative (spec.md §9).
func executeResume(cmd *cobra.Command, prdID string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return newUsageError("loading configuration: %w", err)
	}

	repoPath, err := os.Getwd()
	if err != nil {
		return newUsageError("determining working directory: %w", err)
	}

	tasksPath := filepath.Join(cfg.RunRoot, prdID, "tasks.yaml")
	if _, err := os.Stat(tasksPath); err != nil {
		return newUsageError("no persisted tasks file for run %q at %s: %w", prdID, tasksPath, err)
	}

	return setupAndRun(cmd, cfg, repoPath, prdID, tasksPath, nil)
}

func isTasksFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func writeTaskSet(path string, set *tasks.TaskSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(set)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// setupAndRun wires every component (spec.md §4) and drives the run.
func setupAndRun(cmd *cobra.Command, cfg *config.Config, repoPath, prdID, tasksPath string, requirementsDoc []byte) error {
	store, errs := tasks.Load(tasksPath)
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return newUsageError("invalid tasks file %s:\n%s", tasksPath, strings.Join(msgs, "\n"))
	}

	if cfg.Engine == "" {
		return newUsageError("no engine configured")
	}
	engineCfg, ok := cfg.Engines[cfg.Engine]
	if !ok || engineCfg.Command == "" {
		return newUsageError("engine %q has no configured command", cfg.Engine)
	}
	if _, err := exec.LookPath(engineCfg.Command); err != nil {
		return newUsageError("engine binary %q not found on PATH: %w", engineCfg.Command, err)
	}

	aw, err := artifacts.Open(cfg.RunRoot, prdID, requirementsDoc)
	if err != nil {
		return newUsageError("opening run directory: %w", err)
	}
	if err := aw.CopyTasksFile(tasksPath); err != nil {
		return newUsageError("%w", err)
	}
	// From here on the run-root copy is the tasks file in use: completion
	// marks are persisted there, and resume reads it back.
	if runTasksPath := filepath.Join(cfg.RunRoot, prdID, "tasks.yaml"); tasksPath != runTasksPath {
		if store, errs = tasks.Load(runTasksPath); len(errs) > 0 {
			return newUsageError("invalid tasks file %s: %v", runTasksPath, errs[0])
		}
		tasksPath = runTasksPath
	}

	if cfg.DryRun {
		printPlan(store)
		return nil
	}

	sched := scheduler.New()
	if err := sched.Init(store.TaskSet()); err != nil {
		return newUsageError("initializing scheduler: %w", err)
	}

	wt := worktree.New(worktree.Config{
		RepoPath:    repoPath,
		BaseBranch:  store.BranchName(),
		WorktreeDir: ".worktrees",
		Prefix:      cfg.WorktreePrefix + "-" + prdID,
	}, nil)

	ctx, cancel := signalContext()
	defer cancel()

	if err := wt.GC(ctx); err != nil {
		log.Printf("WARNING: worktree gc at startup: %v", err)
	}

	procMgr := engine.NewProcessManager()
	factory := func(engineType string) (engine.Engine, error) {
		return engine.New(engineType, procMgr)
	}

	sessions, err := session.Open(ctx, filepath.Join(cfg.RunRoot, prdID, "sessions.db"))
	if err != nil {
		log.Printf("WARNING: session index unavailable, continuing without resume support: %v", err)
		sessions = nil
	}

	bus := events.NewEventBus()
	defer bus.Close()

	supCfg := supervisor.Config{
		BaseBranch:     store.BranchName(),
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     time.Second,
		StalledTimeout: cfg.StalledTimeout,
		EngineType:     cfg.Engine,
		EngineOptions: engine.InvokeParams{
			Model:        engineCfg.Model,
			Provider:     engineCfg.Provider,
			SystemPrompt: engineCfg.SystemPrompt,
		},
		TaskSetPath: tasksPath,
		SpawnRetry:  resilience.DefaultRetryConfig(),
	}
	sup := supervisor.New(supCfg, wt, factory, resilience.NewBreakerRegistry(), sessions, aw, bus)

	git := worktree.NewGitOps(repoPath)
	integ := integrator.New(repoPath, store.BranchName(), cfg.Engine, git, factory, store, sched, bus)

	coord := coordinator.New(coordinator.Config{
		Parallelism:         cfg.Parallelism,
		MaxIterations:       cfg.MaxIterations,
		ExternalFailTimeout: cfg.ExternalFailTimeout,
	}, sched, store, sup, integ, bus)

	if cfg.Watch {
		return runWithWatch(ctx, cfg, bus, coord)
	}

	if err := coord.Run(ctx); err != nil {
		return newRunError(err)
	}
	return nil
}

// runWithWatch drives the Coordinator in the background while a bubbletea
// TUI subscribed to the same event bus renders progress, mirroring the
// teacher's main.go split between a background process and a foreground
// Bubble Tea program.
func runWithWatch(ctx context.Context, cfg *config.Config, bus *events.EventBus, coord *coordinator.Coordinator) error {
	homeDir, _ := os.UserHomeDir()
	globalPath := filepath.Join(homeDir, ".orchestrator", "config.json")
	projectPath := filepath.Join(".orchestrator", "config.json")

	model := tui.New(bus, cfg, globalPath, projectPath)
	program := tea.NewProgram(model, tea.WithAltScreen())

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- coord.Run(ctx)
	}()

	tuiErrCh := make(chan error, 1)
	go func() {
		_, err := program.Run()
		tuiErrCh <- err
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
		program.Quit()
		<-tuiErrCh
	case tuiErr := <-tuiErrCh:
		if tuiErr != nil {
			log.Printf("WARNING: tui exited with error: %v", tuiErr)
		}
		runErr = <-runErrCh
	}

	if runErr != nil {
		return newRunError(runErr)
	}
	return nil
}

func printPlan(store *tasks.Store) {
	set := store.TaskSet()
	fmt.Printf("branch: %s\n", set.BranchName)
	fmt.Printf("%d task(s):\n", len(set.Tasks))
	for _, t := range set.Tasks {
		deps := "-"
		if len(t.DependsOn) > 0 {
			deps = strings.Join(t.DependsOn, ", ")
		}
		fmt.Printf("  %-12s %-40s depends on: %s\n", t.ID, t.Title, deps)
	}
}
