package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// newCommand creates an exec.Cmd in its own process group, so a cancelled
// invocation can be torn down along with every child it spawned (grounded
// on the teacher's backend.newCommand).
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("engine: process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("engine: sending SIGTERM to process group: %w", err)
	}
	return nil
}

func forceKillProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("engine: process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("engine: sending SIGKILL to process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses for bulk termination on
// shutdown (grounded on the teacher's backend.ProcessManager).
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

func (pm *ProcessManager) track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

func (pm *ProcessManager) untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked subprocess's process group.
func (pm *ProcessManager) KillAll() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, cmd := range pm.procs {
		_ = forceKillProcessGroup(cmd)
	}
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// runStreaming runs cmd, forwarding every stdout/stderr line through parse
// into records, and enforces the inactivity watchdog (spec.md §4.5, §5):
// if no line is observed for stalledTimeout, the process group is killed
// and ExitInfo.Stalled is set. Stdout and stderr are drained concurrently
// to prevent deadlock when either pipe's buffer fills (grounded on the
// teacher's backend.executeCommand concurrent-drain pattern, extended from
// buffer-then-parse to line-at-a-time streaming).
func runStreaming(ctx context.Context, cmd *exec.Cmd, procMgr *ProcessManager, stalledTimeout time.Duration, parse func(line string, records chan<- Record)) *StreamHandle {
	records := make(chan Record, 16)

	done := make(chan ExitInfo, 1)

	go func() {
		defer close(records)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			done <- ExitInfo{Err: fmt.Errorf("engine: stdout pipe: %w", err)}
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			done <- ExitInfo{Err: fmt.Errorf("engine: stderr pipe: %w", err)}
			return
		}
		if err := cmd.Start(); err != nil {
			done <- ExitInfo{Err: fmt.Errorf("engine: start: %w", err)}
			return
		}
		if procMgr != nil {
			procMgr.track(cmd)
			defer procMgr.untrack(cmd)
		}

		activity := make(chan struct{}, 1)
		var wg sync.WaitGroup
		wg.Add(2)
		drain := func(r io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				select {
				case activity <- struct{}{}:
				default:
				}
				parse(scanner.Text(), records)
			}
		}
		go drain(stdout)
		go drain(stderr)

		drained := make(chan struct{})
		go func() {
			wg.Wait()
			close(drained)
		}()

		stalled := false
		var timer *time.Timer
		var timerC <-chan time.Time
		if stalledTimeout > 0 {
			timer = time.NewTimer(stalledTimeout)
			defer timer.Stop()
			timerC = timer.C
		}
	watch:
		for {
			select {
			case <-drained:
				break watch
			case <-activity:
				if timer != nil {
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(stalledTimeout)
				}
			case <-timerC:
				stalled = true
				_ = killProcessGroup(cmd)
				waitForDrainOrForceKill(cmd, drained)
				break watch
			case <-ctx.Done():
				_ = killProcessGroup(cmd)
				waitForDrainOrForceKill(cmd, drained)
				break watch
			}
		}

		waitErr := cmd.Wait()
		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		done <- ExitInfo{ExitCode: exitCode, Stalled: stalled, Err: waitErrIfMeaningful(waitErr, stalled)}
	}()

	return &StreamHandle{
		Records: records,
		wait: func() (ExitInfo, error) {
			info := <-done
			return info, info.Err
		},
	}
}

// killGracePeriod bounds how long runStreaming waits for a process group to
// exit after SIGTERM (spec.md §4.5, §5: "cancel -> terminate -> wait bounded
// -> kill") before escalating to SIGKILL. Var, not const, so tests can
// shorten it rather than waiting out the real grace period.
var killGracePeriod = 5 * time.Second

// waitForDrainOrForceKill waits for the drain goroutines to finish after a
// termination signal, escalating to forceKillProcessGroup if the process
// group is still running once killGracePeriod elapses.
func waitForDrainOrForceKill(cmd *exec.Cmd, drained <-chan struct{}) {
	select {
	case <-drained:
	case <-time.After(killGracePeriod):
		_ = forceKillProcessGroup(cmd)
		<-drained
	}
}

func waitErrIfMeaningful(err error, stalled bool) error {
	if stalled {
		return fmt.Errorf("engine: process stalled (no output within timeout)")
	}
	return err
}
