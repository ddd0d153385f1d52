// Package cli wires the agent's commands.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (set by build flags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "exstem-agent",
	Short: "Assessment session engine for the ExStem kiosk",
	Long: `exstem-agent runs one examinee's attempt on the exam machine.

It keeps the countdown, saves answers in the background, watches the kiosk
for integrity violations and submits the attempt, explicitly or when time
runs out. Answers and reports that cannot reach the assessment API are kept
in a durable local store and replayed on the next start.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd, migrateCmd, queueCmd, tokenCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "exstem-agent %s (commit: %s, built: %s, %s)\n", version, commit, date, runtime.Version())
	},
}

// clientID identifies this agent build in submission metadata.
func clientID(instance string) string {
	return fmt.Sprintf("exstem-agent/%s/%s", version, instance)
}
