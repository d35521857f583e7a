package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "stagegate",
	Short: "GitOps promotion controller",
	Long: `Stagegate promotes artifact versions through multi-environment pipelines.

For each stage it rewrites the environment's deployment manifest, asks the
delivery agent to sync, and waits for the application to converge. Stages
marked as gated require an explicit approval before they begin.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Register subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionCmd)
}
