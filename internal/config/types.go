// Package config loads run configuration: engine selection, parallelism,
// retry/timeout defaults, and per-engine CLI options. Grounded on the
// teacher's internal/config package, generalized from the teacher's three
// fixed agent roles (coder/reviewer/tester) to the spec's open engine
// selector, and moved from plain os.ReadFile JSON merging to
// spf13/viper bound to spf13/cobra flags and ORCH_* environment variables.
package config

import "time"

// EngineConfig configures one named engine (claude/codex/goose).
type EngineConfig struct {
	Command      string   `json:"command" mapstructure:"command"`
	Model        string   `json:"model,omitempty" mapstructure:"model"`
	Provider     string   `json:"provider,omitempty" mapstructure:"provider"`
	SystemPrompt string   `json:"systemPrompt,omitempty" mapstructure:"systemPrompt"`
	Args         []string `json:"args,omitempty" mapstructure:"args"`
}

// Config is the fully resolved, run-ready configuration (spec.md §6.6 plus
// RunContext's configured parallelism/retry/timeout fields, spec.md §3).
type Config struct {
	Engine              string                  `mapstructure:"engine"`
	Engines             map[string]EngineConfig `mapstructure:"engines"`
	Parallelism         int                     `json:"parallel" mapstructure:"parallel"`
	MaxRetries          int                     `mapstructure:"maxRetries"`
	StalledTimeout      time.Duration           `mapstructure:"stalledTimeout"`
	ExternalFailTimeout time.Duration           `mapstructure:"externalFailTimeout"`
	DryRun              bool                    `mapstructure:"dryRun"`
	Watch               bool                    `mapstructure:"watch"`
	Verbose             bool                    `mapstructure:"verbose"`
	MaxIterations       int                     `mapstructure:"maxIterations"`
	RunRoot             string                  `mapstructure:"runRoot"`
	WorktreePrefix      string                  `mapstructure:"worktreePrefix"`
}
