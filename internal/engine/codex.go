package engine

import (
	"context"
	"encoding/json"
)

// codexEngine drives the `codex` CLI, which streams newline-delimited JSON
// events (thread.started, turn.completed, ...) rather than claude's single
// terminal blob (spec §9 design note).
type codexEngine struct {
	threadID string
	started  bool
	procMgr  *ProcessManager
}

func newCodexEngine(procMgr *ProcessManager) *codexEngine {
	return &codexEngine{procMgr: procMgr}
}

type codexEvent struct {
	Type string `json:"type"`
}

type codexThreadStarted struct {
	ThreadID string `json:"thread_id"`
}

type codexTurnCompleted struct {
	Content string `json:"content"`
}

type codexError struct {
	Message string `json:"message"`
}

// parseCodexLine turns one line of codex CLI output into zero or more
// records, pulled out as a pure function for unit testing.
func parseCodexLine(line string) (records []Record, sawError bool, threadID string) {
	var evt codexEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return []Record{{Kind: RecordText, Text: line}}, false, ""
	}
	switch evt.Type {
	case "thread.started":
		var started codexThreadStarted
		if json.Unmarshal([]byte(line), &started) == nil && started.ThreadID != "" {
			return []Record{{Kind: RecordSessionStarted, SessionID: started.ThreadID}}, false, started.ThreadID
		}
		return nil, false, ""
	case "turn.completed":
		var completed codexTurnCompleted
		if json.Unmarshal([]byte(line), &completed) == nil {
			return []Record{{Kind: RecordText, Text: completed.Content}}, false, ""
		}
		return nil, false, ""
	case "error":
		var e codexError
		_ = json.Unmarshal([]byte(line), &e)
		return []Record{{Kind: RecordError, Text: e.Message}}, true, ""
	default:
		return []Record{{Kind: RecordToolUse, ToolName: evt.Type}}, false, ""
	}
}

func (c *codexEngine) Invoke(ctx context.Context, p InvokeParams) (*StreamHandle, error) {
	threadID := p.SessionID
	if threadID == "" {
		threadID = c.threadID
	}

	var args []string
	if !c.started && threadID == "" {
		args = []string{"exec", p.Prompt, "--json"}
	} else {
		args = []string{"resume", threadID, p.Prompt, "--json"}
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}

	cmd := newCommand(ctx, "codex", args...)
	cmd.Dir = p.WorkDir

	sawError := false

	handle := runStreaming(ctx, cmd, c.procMgr, p.StalledTimeout, func(line string, out chan<- Record) {
		recs, errored, tid := parseCodexLine(line)
		if tid != "" {
			c.threadID = tid
		}
		if errored {
			sawError = true
		}
		for _, r := range recs {
			out <- r
		}
	})

	c.started = true

	originalWait := handle.wait
	handle.wait = func() (ExitInfo, error) {
		info, err := originalWait()
		info.SawErrorRecord = sawError
		return info, err
	}

	return handle, nil
}

func (c *codexEngine) SessionID() string { return c.threadID }
func (c *codexEngine) Close() error      { return nil }
