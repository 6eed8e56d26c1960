package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func withHome(t *testing.T, dir string) {
	t.Helper()
	old := os.Getenv("HOME")
	os.Setenv("HOME", dir)
	t.Cleanup(func() { os.Setenv("HOME", old) })
}

func withWd(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoadDefaultsWithNoFilesOrFlags(t *testing.T) {
	tmp := t.TempDir()
	withHome(t, tmp)
	withWd(t, tmp)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine != "claude" {
		t.Errorf("Engine = %q, want claude", cfg.Engine)
	}
	if cfg.Parallelism != 3 {
		t.Errorf("Parallelism = %d, want 3", cfg.Parallelism)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.MaxRetries)
	}
	if cfg.StalledTimeout != 300*time.Second {
		t.Errorf("StalledTimeout = %v, want 300s", cfg.StalledTimeout)
	}
	if len(cfg.Engines) != 3 {
		t.Errorf("Engines count = %d, want 3", len(cfg.Engines))
	}
}

func TestLoadProjectConfigOverridesDefault(t *testing.T) {
	tmp := t.TempDir()
	withHome(t, tmp)
	withWd(t, tmp)

	if err := os.MkdirAll(filepath.Join(tmp, ".orchestrator"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, _ := json.Marshal(map[string]any{
		"engine":     "codex",
		"parallel":   5,
		"maxRetries": 4,
	})
	if err := os.WriteFile(filepath.Join(tmp, ".orchestrator", "config.json"), data, 0644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine != "codex" {
		t.Errorf("Engine = %q, want codex", cfg.Engine)
	}
	if cfg.Parallelism != 5 {
		t.Errorf("Parallelism = %d, want 5", cfg.Parallelism)
	}
	if cfg.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.MaxRetries)
	}
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, "home")
	proj := filepath.Join(tmp, "proj")
	if err := os.MkdirAll(filepath.Join(home, ".orchestrator"), 0755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(proj, ".orchestrator"), 0755); err != nil {
		t.Fatalf("mkdir proj: %v", err)
	}
	withHome(t, home)
	withWd(t, proj)

	globalData, _ := json.Marshal(map[string]any{"engine": "goose", "parallel": 2})
	if err := os.WriteFile(filepath.Join(home, ".orchestrator", "config.json"), globalData, 0644); err != nil {
		t.Fatalf("write global: %v", err)
	}
	projectData, _ := json.Marshal(map[string]any{"engine": "claude"})
	if err := os.WriteFile(filepath.Join(proj, ".orchestrator", "config.json"), projectData, 0644); err != nil {
		t.Fatalf("write project: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine != "claude" {
		t.Errorf("Engine = %q, want claude (project wins)", cfg.Engine)
	}
	if cfg.Parallelism != 2 {
		t.Errorf("Parallelism = %d, want 2 (inherited from global)", cfg.Parallelism)
	}
}

func TestLoadFlagsOverrideFileAndDefault(t *testing.T) {
	tmp := t.TempDir()
	withHome(t, tmp)
	withWd(t, tmp)

	data, _ := json.Marshal(map[string]any{"parallel": 5})
	if err := os.MkdirAll(filepath.Join(tmp, ".orchestrator"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ".orchestrator", "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("parallel", 3, "")
	if err := flags.Set("parallel", "9"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Parallelism != 9 {
		t.Errorf("Parallelism = %d, want 9 (flag wins)", cfg.Parallelism)
	}
}

func TestLoadEnvVarOverridesDefault(t *testing.T) {
	tmp := t.TempDir()
	withHome(t, tmp)
	withWd(t, tmp)

	os.Setenv("ORCH_ENGINE", "goose")
	t.Cleanup(func() { os.Unsetenv("ORCH_ENGINE") })

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine != "goose" {
		t.Errorf("Engine = %q, want goose", cfg.Engine)
	}
}

func TestLoadMalformedProjectConfigErrors(t *testing.T) {
	tmp := t.TempDir()
	withHome(t, tmp)
	withWd(t, tmp)

	if err := os.MkdirAll(filepath.Join(tmp, ".orchestrator"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ".orchestrator", "config.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for malformed project config, got nil")
	}
}

func TestLoadMissingFilesIsNotError(t *testing.T) {
	tmp := t.TempDir()
	withHome(t, tmp)
	withWd(t, tmp)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("expected no error for missing config files, got: %v", err)
	}
	if cfg.Engine != "claude" {
		t.Errorf("Engine = %q, want claude default", cfg.Engine)
	}
}
