package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"stagegate/internal/agent"
	"stagegate/internal/engine"
	"stagegate/internal/manifest"
	"stagegate/internal/pipeline"
	"stagegate/internal/run"
	"stagegate/internal/security"
	"stagegate/internal/server"
	"stagegate/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	agentURL   string
	cloneDir   string
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the promotion controller",
	Long: `Start the HTTP control surface and run execution engine.

The server accepts run submissions, approval decisions and cancellations,
and drives promotions against the configured delivery agent.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("STAGEGATE_CONFIG_FILE", ""), "Path to pipelines.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("STAGEGATE_LOG_FILE", "./promotions.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("STAGEGATE_DB_PATH", "./runs.db"), "Path to SQLite database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("STAGEGATE_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("STAGEGATE_PORT", 5000), "Port to listen on")
	serveCmd.Flags().StringVar(&agentURL, "agent-url", getEnvOrDefault("STAGEGATE_AGENT_URL", ""), "Base URL of the delivery agent API")
	serveCmd.Flags().StringVar(&cloneDir, "clone-dir", getEnvOrDefault("STAGEGATE_CLONE_DIR", ""), "Local manifest clone directory (uses git CLI instead of the GitHub API)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("STAGEGATE_SKIP_VALIDATION") == "1", "Enable test mode (skip validation)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path
	if configFile == "" {
		// Search in default locations using pkg/fileutil
		searchPaths := fileutil.DefaultConfigPaths("pipelines.yaml")
		configFile = fileutil.SearchPathsOptional(searchPaths)
		if configFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, path := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	if agentURL == "" {
		return fmt.Errorf("delivery agent URL is required (--agent-url or STAGEGATE_AGENT_URL)")
	}

	apiSecret := os.Getenv("STAGEGATE_API_SECRET")
	if !testMode {
		if err := security.ValidateSecret(apiSecret); err != nil {
			return fmt.Errorf("invalid STAGEGATE_API_SECRET: %w", err)
		}
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting stagegate")

	// Load configuration
	logger.Info("Loading configuration", "config", configFile)
	_, pipelines, err := pipeline.LoadConfig(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("Configuration validated successfully", "count", len(pipelines))

	// Warn if no pipelines are configured
	if len(pipelines) == 0 {
		logger.Warn("No pipelines configured in config file", "config", configFile)
		logger.Warn("The server will start but won't accept any runs until pipelines are added")
	}

	// Create pipeline registry
	registry := pipeline.NewRegistry(pipelines)

	// Initialize run database
	logger.Info("Initializing run database", "db", dbPath)
	store, err := run.NewStore(dbPath)
	if err != nil {
		logger.Error("Failed to initialize run database", "error", err)
		return fmt.Errorf("failed to initialize run database: %w", err)
	}
	defer store.Close()

	// Delivery agent client
	api := agent.NewClient(agentURL, os.Getenv("STAGEGATE_AGENT_TOKEN"), logger)

	// Manifest mutator: local git clone when configured, GitHub API otherwise
	var mut manifest.Mutator
	if cloneDir != "" {
		logger.Info("Using git CLI mutator", "clone_dir", cloneDir)
		mut = manifest.NewGitCLIMutator(cloneDir, logger)
	} else {
		logger.Info("Using GitHub API mutator")
		mut = manifest.NewGitHubMutator(os.Getenv("STAGEGATE_GITHUB_TOKEN"), logger)
	}

	eng := engine.New(store, api, mut, logger)

	// Create and start server
	srv := server.NewServer(registry, store, eng, apiSecret, logger, testMode)

	logger.Info("Starting HTTP server", "host", host, "port", port)
	if err := srv.Start(host, port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)

	return logger, file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
