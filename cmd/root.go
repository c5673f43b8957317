package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the cyclebuild root command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cyclebuild",
		Short: "An automated package-build cycle orchestrator",
	}
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewMonitorCmd())
	return root
}
