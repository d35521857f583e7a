package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"stagegate/internal/agent"

	"github.com/spf13/cobra"
)

var rollbackAgentURL string

var rollbackCmd = &cobra.Command{
	Use:   "rollback APPLICATION VERSION",
	Short: "Ask the delivery agent to roll an application back",
	Long: `Ask the delivery agent to roll an application back to a previously
deployed version.

This is a manual escape hatch: promotion runs never roll back on their
own, and the rollback bypasses the manifest repository entirely.

Example:
  stagegate rollback hello-world 1.4.1`,
	Args: cobra.ExactArgs(2),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackAgentURL, "agent-url", getEnvOrDefault("STAGEGATE_AGENT_URL", ""), "Base URL of the delivery agent API")
}

func runRollback(cmd *cobra.Command, args []string) error {
	application := args[0]
	toVersion := args[1]

	if rollbackAgentURL == "" {
		return fmt.Errorf("delivery agent URL is required (--agent-url or STAGEGATE_AGENT_URL)")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := agent.NewClient(rollbackAgentURL, os.Getenv("STAGEGATE_AGENT_TOKEN"), logger)

	fmt.Printf("Rolling back application '%s' to version %s...\n", application, toVersion)
	if err := api.Rollback(cmd.Context(), application, toVersion); err != nil {
		if errors.Is(err, agent.ErrRollbackUnavailable) {
			return fmt.Errorf("the agent has no retained history for %s@%s", application, toVersion)
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	fmt.Printf("\nRollback accepted by the agent.\n")
	fmt.Printf("Note: the manifest repository still references the promoted version;\n")
	fmt.Printf("a later sync will redeploy it unless the manifest is changed.\n")

	return nil
}
