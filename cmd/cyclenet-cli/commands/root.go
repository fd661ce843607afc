package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skycoin/cyclenet/cmd/cyclenet-cli/commands/node"
)

var rootCmd = &cobra.Command{
	Use:   "cyclenet-cli",
	Short: "Command Line Interface for cyclenet",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&color.NoColor, "no-color", color.NoColor, "disable colored output")
	rootCmd.AddCommand(
		node.RootCmd,
	)
}

// Execute executes root CLI command.
func Execute() {
	rootCmd.Execute() //nolint:errcheck
}
