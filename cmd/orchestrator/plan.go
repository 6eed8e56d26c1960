package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/orchestrator/internal/config"
	"github.com/aristath/orchestrator/internal/engine"
	"github.com/aristath/orchestrator/internal/prd"
)

func newPlanCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "plan <requirements-file>",
		Short: "Translate a requirements document into a tasks file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executePlan(cmd, args[0], outPath)
		},
	}
	cmd.Flags().String("engine", "", "engine to use for translation (claude, codex, goose)")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the tasks file to (default: tasks.yaml next to the requirements file)")
	return cmd
}

func executePlan(cmd *cobra.Command, reqPath, outPath string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return newUsageError("loading configuration: %w", err)
	}

	procMgr := engine.NewProcessManager()
	eng, err := engine.New(cfg.Engine, procMgr)
	if err != nil {
		return newUsageError("constructing translation engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := signalContext()
	defer cancel()

	set, err := prd.Translate(ctx, eng, reqPath)
	if err != nil {
		return newUsageError("translating requirements into tasks: %w", err)
	}

	data, err := yaml.Marshal(set)
	if err != nil {
		return newUsageError("marshaling tasks file: %w", err)
	}

	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(reqPath), "tasks.yaml")
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return newUsageError("writing tasks file %s: %w", outPath, err)
	}

	fmt.Printf("wrote %d task(s) to %s\n", len(set.Tasks), outPath)
	return nil
}
