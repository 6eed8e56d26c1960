package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// claudeEngine drives the `claude` CLI. It emits a single terminal JSON
// blob per invocation rather than an event stream, so the transducer here
// is degenerate: one record is synthesized once the blob is fully parsed
// (spec §9 design note: codex and claude need different transducers
// because their wire shapes differ).
type claudeEngine struct {
	sessionID string
	started   bool
	procMgr   *ProcessManager
}

func newClaudeEngine(procMgr *ProcessManager) *claudeEngine {
	return &claudeEngine{procMgr: procMgr}
}

type claudeResultBlob struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// parseClaudeLine turns one line of claude CLI output into zero or more
// records. It is a pure function so the transducer can be unit tested
// without spawning a real claude process.
func parseClaudeLine(line string) (records []Record, sawError bool, sessionID string) {
	var blob claudeResultBlob
	if err := json.Unmarshal([]byte(line), &blob); err != nil || (blob.SessionID == "" && len(blob.Result.Content) == 0 && !blob.IsError) {
		return []Record{{Kind: RecordText, Text: line}}, false, ""
	}

	if blob.SessionID != "" {
		sessionID = blob.SessionID
		records = append(records, Record{Kind: RecordSessionStarted, SessionID: blob.SessionID})
	}
	if blob.IsError {
		return append(records, Record{Kind: RecordError, Text: line}), true, sessionID
	}
	for _, item := range blob.Result.Content {
		if item.Type == "text" {
			records = append(records, Record{Kind: RecordText, Text: item.Text})
		}
	}
	return records, false, sessionID
}

func (c *claudeEngine) Invoke(ctx context.Context, p InvokeParams) (*StreamHandle, error) {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.sessionID = sessionID

	args := []string{"-p", p.Prompt, "--output-format", "json"}
	if c.started || p.SessionID != "" {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.SystemPrompt != "" {
		args = append(args, "--system-prompt", p.SystemPrompt)
	}

	cmd := newCommand(ctx, "claude", args...)
	cmd.Dir = p.WorkDir

	sawError := false

	handle := runStreaming(ctx, cmd, c.procMgr, p.StalledTimeout, func(line string, out chan<- Record) {
		recs, errored, sid := parseClaudeLine(line)
		if sid != "" {
			c.sessionID = sid
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

func (c *claudeEngine) SessionID() string { return c.sessionID }
func (c *claudeEngine) Close() error      { return nil }
