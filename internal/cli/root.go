// Package cli implements the xconfbus commands.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "xconfbus",
	Short: "Cross-window configuration bus host",
	Long: `xconfbus hosts a configuration bus shared by a set of windows.
Windows broadcast configuration changes, read the latest value per topic and
answer resync requests from windows that join late.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
