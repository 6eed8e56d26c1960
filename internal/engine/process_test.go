package engine

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func collect(h *StreamHandle) []Record {
	var out []Record
	for r := range h.Records {
		out = append(out, r)
	}
	return out
}

func TestRunStreamingBasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "sh", "-c", "echo hello; echo world")

	handle := runStreaming(ctx, cmd, nil, 0, func(line string, out chan<- Record) {
		out <- Record{Kind: RecordText, Text: line}
	})

	records := collect(handle)
	info, err := handle.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", info.ExitCode)
	}
	if len(records) != 2 || records[0].Text != "hello" || records[1].Text != "world" {
		t.Fatalf("unexpected records: %v", records)
	}
}

func TestRunStreamingNonZeroExit(t *testing.T) {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "sh", "-c", "echo boom; exit 3")

	handle := runStreaming(ctx, cmd, nil, 0, func(line string, out chan<- Record) {
		out <- Record{Kind: RecordText, Text: line}
	})
	for range handle.Records {
	}
	info, err := handle.Wait()
	if err == nil {
		t.Fatal("expected a non-nil error for non-zero exit")
	}
	if info.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", info.ExitCode)
	}
}

func TestRunStreamingLargeOutputDoesNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Produce well beyond a single pipe buffer's worth of output on both streams.
	script := "for i in $(seq 1 20000); do echo \"line-$i\"; echo \"err-$i\" >&2; done"
	cmd := exec.CommandContext(ctx, "sh", "-c", script)

	var n int
	handle := runStreaming(ctx, cmd, nil, 0, func(line string, out chan<- Record) {
		n++
	})
	for range handle.Records {
	}
	if _, err := handle.Wait(); err != nil {
		t.Fatalf("unexpected error (possible deadlock symptom): %v", err)
	}
	if n < 40000 {
		t.Fatalf("expected 40000 combined lines, got %d", n)
	}
}

func TestRunStreamingStalledTimeoutKillsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", "echo start; sleep 5")

	handle := runStreaming(ctx, cmd, nil, 200*time.Millisecond, func(line string, out chan<- Record) {
		out <- Record{Kind: RecordText, Text: line}
	})
	for range handle.Records {
	}
	info, err := handle.Wait()
	if !info.Stalled {
		t.Fatal("expected Stalled to be true after inactivity timeout")
	}
	if err == nil {
		t.Fatal("expected a non-nil error for a stalled invocation")
	}
}

func TestRunStreamingContextCancellationKillsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "sh", "-c", "echo start; sleep 5")

	handle := runStreaming(ctx, cmd, nil, 0, func(line string, out chan<- Record) {
		out <- Record{Kind: RecordText, Text: line}
	})

	// Let the process start and emit its first line before cancelling.
	<-handle.Records
	cancel()
	for range handle.Records {
	}

	start := time.Now()
	if _, err := handle.Wait(); err == nil {
		t.Fatal("expected a non-nil error after context cancellation")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("expected cancellation to terminate promptly, took %v", elapsed)
	}
}

func TestRunStreamingEscalatesToSIGKILLWhenSIGTERMIgnored(t *testing.T) {
	orig := killGracePeriod
	killGracePeriod = 200 * time.Millisecond
	defer func() { killGracePeriod = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", "trap '' TERM; echo start; sleep 5")

	handle := runStreaming(ctx, cmd, nil, 0, func(line string, out chan<- Record) {
		out <- Record{Kind: RecordText, Text: line}
	})

	<-handle.Records
	cancel()
	for range handle.Records {
	}

	done := make(chan struct{})
	go func() {
		handle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected SIGKILL escalation to terminate the process promptly")
	}
}

func TestProcessManagerTracksAndKills(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 5")

	handle := runStreaming(ctx, cmd, pm, 0, func(line string, out chan<- Record) {})

	// Give the goroutine a moment to Start() and register with pm.
	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("expected ProcessManager to track 1 process, got %d", pm.Count())
	}

	pm.KillAll()
	for range handle.Records {
	}
	handle.Wait()

	if pm.Count() != 0 {
		t.Fatalf("expected ProcessManager to untrack after completion, got %d", pm.Count())
	}
}

func TestNewEngineUnknownType(t *testing.T) {
	_, err := New("unknown-engine", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown engine type")
	}
	if !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected error to mention 'unknown', got %v", err)
	}
}
