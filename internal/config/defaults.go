package config

import "time"

// DefaultConfig returns the built-in defaults, applied before any file or
// flag overrides are merged in (spec.md §4.9 ambient stack, "parallelism
// configurable, default 3; sequential mode is P=1").
func DefaultConfig() *Config {
	return &Config{
		Engine: "claude",
		Engines: map[string]EngineConfig{
			"claude": {Command: "claude"},
			"codex":  {Command: "codex"},
			"goose":  {Command: "goose"},
		},
		Parallelism:         3,
		MaxRetries:          2,
		StalledTimeout:      300 * time.Second,
		ExternalFailTimeout: 120 * time.Second,
		MaxIterations:       0,
		RunRoot:             ".orchestrator/runs",
		WorktreePrefix:      "run",
	}
}
