// Command orchestrator drives a DAG of tasks through coding-agent
// Supervisors to completion (spec.md §6.5). Grounded on the teacher's
// cmd/orchestrator/main.go signal-aware shutdown plumbing, rebuilt around
// spf13/cobra subcommands instead of the teacher's single TUI-only entry
// point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes (spec.md §6.5).
const (
	exitOK           = 0
	exitFailure      = 1
	exitInvalidUsage = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Run a dependency graph of tasks through coding-agent supervisors",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newInitSkillsCmd())
	root.AddCommand(newUpdateCmd())

	return root
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, mirroring
// the teacher's main.go shutdown handling.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitCode is implemented by errors that know which process exit code they
// should map to (spec.md §6.5's 0/1/2 split), so cobra's generic error
// path doesn't have to special-case every command.
type exitCode interface {
	ExitCode() int
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if ec, ok := err.(exitCode); ok {
		return ec.ExitCode()
	}
	fmt.Fprintln(os.Stderr, err)
	return exitFailure
}

// usageError wraps an error that should map to exit code 2: invalid
// arguments or a precondition failure discovered before any task runs.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }
func (e *usageError) ExitCode() int { return exitInvalidUsage }

func newUsageError(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// runError wraps an error that should map to exit code 1: a run that began
// but ended in failure, deadlock, or an external-failure stop.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }
func (e *runError) ExitCode() int { return exitFailure }

func newRunError(err error) error {
	if err == nil {
		return nil
	}
	return &runError{err: err}
}
