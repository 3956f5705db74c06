// Command hivemind is the CLI entry point for the hive-mind coordinator:
// a single process that can spawn a swarm, host its queen and worker
// pool, and stay resident so the swarm keeps making progress between
// terminal sessions. It mirrors the shape of the teacher's cmd/cli
// cobra root command, but embeds the coordinator in-process instead of
// talking to a remote server over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "hivemind",
	Short:         "Persistent multi-agent swarm coordinator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(
		newInitCmd(),
		newSpawnCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newStopCmd(),
		newMetricsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
