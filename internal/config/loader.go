package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Load builds the run configuration with the teacher's precedence order —
// flags highest, then ORCH_* environment variables, then project config
// file, then global config file, then DefaultConfig — using spf13/viper
// bound to the cobra command's flag set instead of the teacher's hand
// rolled JSON-merge (mergeConfigFile), since flags and env vars are new
// surface the teacher's TUI-only tool never had.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("engine", defaults.Engine)
	v.SetDefault("parallel", defaults.Parallelism)
	v.SetDefault("maxRetries", defaults.MaxRetries)
	v.SetDefault("stalledTimeout", defaults.StalledTimeout)
	v.SetDefault("externalFailTimeout", defaults.ExternalFailTimeout)
	v.SetDefault("maxIterations", defaults.MaxIterations)
	v.SetDefault("runRoot", defaults.RunRoot)
	v.SetDefault("worktreePrefix", defaults.WorktreePrefix)
	v.SetDefault("engines", defaults.Engines)

	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(home, ".orchestrator", "config.json")
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	projectPath := filepath.Join(".orchestrator", "config.json")
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// mergeConfigFile layers a JSON config file's contents into v. A missing
// file is silently skipped, matching the teacher's mergeConfigFile
// behavior; malformed JSON returns an error.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
