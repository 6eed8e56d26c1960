package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExitCodeForUsageError(t *testing.T) {
	err := newUsageError("bad input: %s", "oops")
	if got := exitCodeFor(err); got != exitInvalidUsage {
		t.Errorf("exitCodeFor(usageError) = %d, want %d", got, exitInvalidUsage)
	}
}

func TestExitCodeForRunError(t *testing.T) {
	err := newRunError(errors.New("something failed"))
	if got := exitCodeFor(err); got != exitFailure {
		t.Errorf("exitCodeFor(runError) = %d, want %d", got, exitFailure)
	}
}

func TestExitCodeForNilIsOK(t *testing.T) {
	if got := exitCodeFor(nil); got != exitOK {
		t.Errorf("exitCodeFor(nil) = %d, want %d", got, exitOK)
	}
}

func TestNewRunErrorPassesThroughNil(t *testing.T) {
	if err := newRunError(nil); err != nil {
		t.Errorf("newRunError(nil) = %v, want nil", err)
	}
}

func TestIsTasksFile(t *testing.T) {
	cases := map[string]bool{
		"tasks.yaml":       true,
		"tasks.yml":        true,
		"requirements.md":  false,
		"requirements.txt": false,
		"TASKS.YAML":       true,
	}
	for name, want := range cases {
		if got := isTasksFile(name); got != want {
			t.Errorf("isTasksFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRootCommandRunRejectsMissingTasksFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "tasks.yaml")

	root := newRootCmd()
	root.SetArgs([]string{"run", missing})
	var stderr bytes.Buffer
	root.SetErr(&stderr)

	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error for a missing tasks file")
	}
	if got := exitCodeFor(err); got != exitInvalidUsage {
		t.Errorf("exit code = %d, want %d (invalid usage)", got, exitInvalidUsage)
	}
}

func TestInitSkillsCommandInstallsIntoCurrentDirectory(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	root := newRootCmd()
	root.SetArgs([]string{"init-skills"})
	if err := root.Execute(); err != nil {
		t.Fatalf("init-skills: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".orchestrator", "skills", "task-decomposition", "SKILL.md")); err != nil {
		t.Errorf("expected skill file to be installed: %v", err)
	}
}

func TestUpdateCommandSucceeds(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"update"})
	if err := root.Execute(); err != nil {
		t.Fatalf("update: %v", err)
	}
}
