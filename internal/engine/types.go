// Package engine implements the Agent Invoker (C5): a stateless component
// that spawns a coding-agent CLI process, tees its output stream, and
// reports exit status without ever interpreting success or failure
// (spec.md §4.5). Grounded on the teacher's internal/backend package, split
// one small finite-state transducer per engine (claude.go, codex.go,
// goose.go) since each CLI streams a different wire format, instead of the
// teacher's single-shot request/response Backend.Send model.
package engine

import (
	"context"
	"time"
)

// InvokeParams describes one agent invocation.
type InvokeParams struct {
	Prompt         string
	WorkDir        string
	SessionID      string // non-empty to resume a prior session, if the engine supports it
	Model          string
	Provider       string        // goose-only: "ollama", "lmstudio", "llama.cpp"
	SystemPrompt   string
	StalledTimeout time.Duration // 0 disables the inactivity watchdog
}

// RecordKind classifies one observed stream record.
type RecordKind int

const (
	RecordText RecordKind = iota
	RecordToolUse
	RecordError
	RecordSessionStarted
)

// Record is one unit observed on the agent's stream, used both to tee the
// raw log and to derive the coarse stage label (spec.md §4.5).
type Record struct {
	Kind      RecordKind
	Text      string
	ToolName  string // set when Kind == RecordToolUse
	SessionID string // set when Kind == RecordSessionStarted
}

// ExitInfo is the Invoker's own verdict-free summary of how the process
// ended: exit code, and whether a well-formed error record appeared in the
// stream. It never says "success" or "failure" — that judgment belongs to
// the Task Supervisor (C6).
type ExitInfo struct {
	ExitCode     int
	SawErrorRecord bool
	Stalled      bool // inactivity watchdog fired
	Err          error
}

// StreamHandle is returned by Invoke. Records arrives as the process
// produces them; Wait blocks until the process exits (or ctx is done) and
// is safe to call exactly once.
type StreamHandle struct {
	Records <-chan Record
	wait    func() (ExitInfo, error)
}

// Wait blocks for the invocation to finish.
func (h *StreamHandle) Wait() (ExitInfo, error) {
	return h.wait()
}

// NewStreamHandle constructs a StreamHandle around a caller-supplied wait
// function, for test doubles outside this package (e.g. a fake Engine in
// internal/supervisor's tests) that need to return a StreamHandle without
// spawning a real process.
func NewStreamHandle(records <-chan Record, wait func() (ExitInfo, error)) *StreamHandle {
	return &StreamHandle{Records: records, wait: wait}
}

// Engine is the polymorphic seam over coding-agent CLI backends (spec.md
// §6.4). SessionID() returns the identifier to pass to a future Invoke for
// conversation resume, valid only after the returned StreamHandle's Wait
// has completed.
type Engine interface {
	Invoke(ctx context.Context, p InvokeParams) (*StreamHandle, error)
	SessionID() string
	Close() error
}

// New constructs the Engine adapter for the named engine type.
func New(engineType string, procMgr *ProcessManager) (Engine, error) {
	switch engineType {
	case "claude":
		return newClaudeEngine(procMgr), nil
	case "codex":
		return newCodexEngine(procMgr), nil
	case "goose":
		return newGooseEngine(procMgr), nil
	default:
		return nil, &UnknownEngineError{Type: engineType}
	}
}

// UnknownEngineError reports a requested engine type this package does not
// know how to drive.
type UnknownEngineError struct {
	Type string
}

func (e *UnknownEngineError) Error() string {
	return "engine: unknown engine type " + e.Type
}
