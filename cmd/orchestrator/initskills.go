package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/orchestrator/internal/skills"
)

func newInitSkillsCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init-skills",
		Short: "Copy the bundled prompt skills into .orchestrator/skills/",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoPath, err := os.Getwd()
			if err != nil {
				return newUsageError("determining working directory: %w", err)
			}
			installed, err := skills.Install(repoPath, overwrite)
			if err != nil {
				return newUsageError("%w", err)
			}
			for _, f := range installed {
				fmt.Println(f)
			}
			fmt.Printf("installed %d skill file(s) into %s\n", len(installed), skills.InstallDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace skill files that already exist locally")
	return cmd
}
