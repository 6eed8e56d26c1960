// Package prd implements the requirements-to-tasks translation seam
// (spec.md §1 "Requirements-to-tasks translation", §6.2): a pure function
// that extracts a run's prd-id from a requirements document, asks the
// configured engine once to emit a tasks file conforming to §6.1, and
// validates the result through the same gate any hand-written tasks file
// goes through. The agent's output is never trusted blindly — a
// malformed response fails closed rather than producing a partially
// usable TaskSet.
package prd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/orchestrator/internal/engine"
	"github.com/aristath/orchestrator/internal/tasks"
)

// prdIDPattern is the mandatory line spec.md §6.2 requires immediately
// after a requirements document's title.
var prdIDPattern = regexp.MustCompile(`^prd-id:\s*(\S+)\s*$`)

// ExtractPRDID returns the prd-id declared in a requirements document: the
// first line matching prdIDPattern found among the first two non-empty
// lines (the title, then the prd-id line). Its absence is a fatal
// precondition (spec.md §6.2).
func ExtractPRDID(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	nonEmpty := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonEmpty++
		if nonEmpty == 1 {
			// the title line itself is never the prd-id line
			continue
		}
		if m := prdIDPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
		// the line right after the title didn't match; no point scanning
		// further, since §6.2 requires it immediately after the title.
		break
	}
	return "", fmt.Errorf("prd: no line matching %q found immediately after the title", prdIDPattern.String())
}

// Translate reads the requirements document at reqPath, invokes eng once
// to produce a tasks document, and returns the parsed, validated TaskSet.
// Validation failures are returned as the same []error the Task Store
// itself would return from tasks.Validate, joined into a single error
// (spec.md §4.1, §6.1) — the caller should print every one, not just the
// first.
func Translate(ctx context.Context, eng engine.Engine, reqPath string) (*tasks.TaskSet, error) {
	data, err := os.ReadFile(reqPath)
	if err != nil {
		return nil, fmt.Errorf("prd: reading requirements document %s: %w", reqPath, err)
	}

	prdID, err := ExtractPRDID(data)
	if err != nil {
		return nil, fmt.Errorf("prd: %w", err)
	}

	handle, err := eng.Invoke(ctx, engine.InvokeParams{
		Prompt: buildPrompt(prdID, string(data)),
	})
	if err != nil {
		return nil, fmt.Errorf("prd: invoking translation engine: %w", err)
	}

	var out strings.Builder
	for rec := range handle.Records {
		if rec.Kind == engine.RecordText {
			out.WriteString(rec.Text)
		}
	}

	info, waitErr := handle.Wait()
	if waitErr != nil {
		return nil, fmt.Errorf("prd: translation engine exited with error: %w", waitErr)
	}
	if info.ExitCode != 0 {
		return nil, fmt.Errorf("prd: translation engine exited with status %d", info.ExitCode)
	}

	set, err := parseTaskSet(out.String())
	if err != nil {
		return nil, fmt.Errorf("prd: agent output is not a well-formed tasks document: %w", err)
	}

	if errs := tasks.Validate(set); len(errs) > 0 {
		return nil, joinErrors(errs)
	}

	return set, nil
}

// parseTaskSet extracts the YAML document from the agent's raw text
// output (which may wrap it in a fenced code block, as agents habitually
// do) and unmarshals it into a TaskSet.
func parseTaskSet(raw string) (*tasks.TaskSet, error) {
	body := stripFence(raw)

	var set tasks.TaskSet
	if err := yaml.Unmarshal([]byte(body), &set); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if set.Version == 0 {
		set.Version = 1
	}
	return &set, nil
}

// stripFence removes a surrounding ```yaml ... ``` or ``` ... ``` fence if
// present, otherwise returns the input unchanged.
func stripFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return raw
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return raw
	}
	lines = lines[1:]
	if last := len(lines) - 1; last >= 0 && strings.HasPrefix(strings.TrimSpace(lines[last]), "```") {
		lines = lines[:last]
	}
	return strings.Join(lines, "\n")
}

func joinErrors(errs []error) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%d validation error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

func buildPrompt(prdID, requirementsDoc string) string {
	return fmt.Sprintf(
		"You are translating a requirements document into a tasks file for an automated "+
			"coding-agent orchestrator. Read the requirements document below and produce a "+
			"YAML document with exactly this shape:\n\n"+
			"version: 1\n"+
			"branchName: <a single git branch name to use as both base and integration branch>\n"+
			"tasks:\n"+
			"  - id: <short stable identifier, e.g. TASK-001>\n"+
			"    title: <one-line summary>\n"+
			"    dependsOn: [<ids of tasks that must complete first, omit if none>]\n"+
			"    mutex: [<shared-resource contract names this task needs exclusively, omit if none>]\n"+
			"    touches: [<file globs this task is expected to modify, omit if unknown>]\n\n"+
			"Break the requirements into an independent, parallelizable set of tasks wherever "+
			"possible; only add a dependsOn edge when one task's output is genuinely required "+
			"by another. Do not mark any task completed. Output nothing but the YAML document "+
			"(a fenced code block is fine).\n\n"+
			"prd-id: %s\n\n"+
			"Requirements document:\n%s\n",
		prdID, requirementsDoc,
	)
}
