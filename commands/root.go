// Package commands wires the orchestration backbone into the foreman CLI,
// the way semspec's commands/*.go wire its processors into the semspec
// binary's subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

// globalFlags holds flags shared by every subcommand.
type globalFlags struct {
	configPath string
	serverURL  string
}

// NewRootCmd builds the foreman root command and attaches every subcommand.
func NewRootCmd(version string) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:     "foreman",
		Short:   "Task orchestration backbone for LLM-driven development pipelines",
		Version: version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (defaults to layered user/project discovery)")
	root.PersistentFlags().StringVar(&flags.serverURL, "server", "http://localhost:8080", "base URL of a running foreman httpapi server")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newProjectCmd(flags))
	root.AddCommand(newDLQCmd(flags))

	return root
}
