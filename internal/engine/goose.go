package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
)

// gooseEngine drives the `goose` CLI, whose JSON output format is less
// strictly specified than claude's or codex's: it tries one JSON object
// per line and falls back to treating a line as plain text when parsing
// fails, mirroring the teacher's GooseAdapter fallback.
type gooseEngine struct {
	sessionName string
	started     bool
	procMgr     *ProcessManager
}

func newGooseEngine(procMgr *ProcessManager) *gooseEngine {
	return &gooseEngine{procMgr: procMgr}
}

type gooseLine struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

// parseGooseLine turns one line of goose CLI output into zero or one
// records, pulled out as a pure function for unit testing.
func parseGooseLine(line string) (records []Record, sawError bool) {
	var gl gooseLine
	if err := json.Unmarshal([]byte(line), &gl); err != nil {
		return []Record{{Kind: RecordText, Text: line}}, false
	}
	if gl.Error != "" {
		return []Record{{Kind: RecordError, Text: gl.Error}}, true
	}
	if gl.Content != "" {
		return []Record{{Kind: RecordText, Text: gl.Content}}, false
	}
	return nil, false
}

func (g *gooseEngine) Invoke(ctx context.Context, p InvokeParams) (*StreamHandle, error) {
	if g.sessionName == "" {
		g.sessionName = p.SessionID
	}
	if g.sessionName == "" {
		buf := make([]byte, 4)
		_, _ = rand.Read(buf)
		g.sessionName = "orchestrator-" + hex.EncodeToString(buf)
	}

	args := []string{"run", "--text", p.Prompt, "--output-format", "json"}
	if !g.started {
		args = append(args, "--name", g.sessionName)
	} else {
		args = append(args, "--resume")
	}
	if p.Provider != "" {
		args = append(args, "--provider", p.Provider)
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if p.SystemPrompt != "" {
		args = append(args, "--system", p.SystemPrompt)
	}

	cmd := newCommand(ctx, "goose", args...)
	cmd.Dir = p.WorkDir

	sawError := false

	handle := runStreaming(ctx, cmd, g.procMgr, p.StalledTimeout, func(line string, out chan<- Record) {
		recs, errored := parseGooseLine(line)
		if errored {
			sawError = true
		}
		for _, r := range recs {
			out <- r
		}
	})

	g.started = true

	originalWait := handle.wait
	handle.wait = func() (ExitInfo, error) {
		info, err := originalWait()
		info.SawErrorRecord = sawError
		return info, err
	}

	return handle, nil
}

func (g *gooseEngine) SessionID() string { return g.sessionName }
func (g *gooseEngine) Close() error      { return nil }
