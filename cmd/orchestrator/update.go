package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newUpdateCmd exists to satisfy the CLI surface (spec.md §6.5 lists
// "update" as a required verb), but self-update machinery itself is an
// explicit non-goal (spec.md §1: "Installer, updater, ... self-update").
// It reports how to actually upgrade instead of fetching or replacing
// anything.
func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Report how to upgrade this tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("self-update is not built into this tool; reinstall the binary to upgrade")
			return nil
		},
	}
}
