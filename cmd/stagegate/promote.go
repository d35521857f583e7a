package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"stagegate/internal/server"

	"github.com/spf13/cobra"
)

var promoteServer string

var promoteCmd = &cobra.Command{
	Use:   "promote PIPELINE VERSION",
	Short: "Submit an artifact version for promotion",
	Long: `Submit an artifact version to a running controller for promotion
through the named pipeline.

The request is signed with STAGEGATE_API_SECRET. The controller responds
with a run id that can be inspected via the run endpoints.

Example:
  stagegate promote hello-world 1.4.2`,
	Args: cobra.ExactArgs(2),
	RunE: runPromote,
}

func init() {
	promoteCmd.Flags().StringVarP(&promoteServer, "server", "s", getEnvOrDefault("STAGEGATE_SERVER", "http://127.0.0.1:5000"), "Controller base URL")
}

func runPromote(cmd *cobra.Command, args []string) error {
	pipelineName := args[0]
	artifactVersion := args[1]

	secret := os.Getenv("STAGEGATE_API_SECRET")
	if secret == "" {
		return fmt.Errorf("STAGEGATE_API_SECRET is required to sign the request")
	}

	payload, err := json.Marshal(server.StartRunRequest{Version: artifactVersion})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/runs/%s", promoteServer, pipelineName)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.SignatureHeader, server.SignPayload(payload, secret))

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var response map[string]string
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, body)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("Run accepted\n")
		fmt.Printf("  Pipeline: %s\n", pipelineName)
		fmt.Printf("  Version:  %s\n", artifactVersion)
		fmt.Printf("  Run id:   %s\n", response["run_id"])
		return nil
	case http.StatusConflict:
		return fmt.Errorf("promotion rejected: %s (rejection recorded as run %s)", response["error"], response["run_id"])
	default:
		return fmt.Errorf("promotion failed (%d): %s", resp.StatusCode, response["error"])
	}
}
