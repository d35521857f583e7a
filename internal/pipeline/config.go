package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stagegate/internal/manifest"
	"stagegate/internal/security"
)

const (
	DefaultPollIntervalSeconds       = 10
	DefaultConvergenceTimeoutSeconds = 300
	DefaultApprovalTimeoutSeconds    = 300
	DefaultFailureThreshold          = 3
)

// LoadConfig loads and validates the pipeline configuration from a YAML
// file.
func LoadConfig(configPath string) (*Config, map[string]*Pipeline, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Initialize Pipelines map if it's nil (happens with empty YAML files)
	if config.Pipelines == nil {
		config.Pipelines = make(map[string]PipelineConfig)
	}

	pipelines := make(map[string]*Pipeline)
	for name, pipelineConfig := range config.Pipelines {
		errors := ValidatePipelineConfig(name, pipelineConfig)
		if len(errors) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for pipeline '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}

		pipelines[name] = buildPipeline(name, pipelineConfig)
	}

	return &config, pipelines, nil
}

// buildPipeline applies defaults to a validated configuration.
func buildPipeline(name string, cfg PipelineConfig) *Pipeline {
	branch := cfg.ManifestBranch
	if branch == "" {
		branch = "main"
	}

	stages := make([]Stage, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		pollInterval := sc.PollInterval
		if pollInterval == 0 {
			pollInterval = DefaultPollIntervalSeconds
		}

		convergenceTimeout := sc.ConvergenceTimeout
		if convergenceTimeout == 0 {
			convergenceTimeout = DefaultConvergenceTimeoutSeconds
		}

		approvalTimeout := sc.ApprovalTimeout
		if approvalTimeout == 0 {
			approvalTimeout = DefaultApprovalTimeoutSeconds
		}

		failureThreshold := sc.FailureThreshold
		if failureThreshold == 0 {
			failureThreshold = DefaultFailureThreshold
		}

		stages[i] = Stage{
			Name:               sc.Name,
			RequiresApproval:   sc.RequiresApproval,
			ApprovalTimeout:    time.Duration(approvalTimeout) * time.Second,
			ConvergenceTimeout: time.Duration(convergenceTimeout) * time.Second,
			PollInterval:       time.Duration(pollInterval) * time.Second,
			FailureThreshold:   failureThreshold,
			Manifest: manifest.Locator{
				Repo:   cfg.ManifestRepo,
				Branch: branch,
				Path:   sc.ManifestPath,
				Field:  sc.ManifestField,
			},
		}
	}

	return &Pipeline{
		Name:        name,
		Application: cfg.Application,
		Stages:      stages,
	}
}

// ValidatePipelineConfig validates a single pipeline configuration.
func ValidatePipelineConfig(name string, config PipelineConfig) []string {
	var errors []string

	if err := security.ValidatePipelineName(name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Pipeline '%s': %v", name, err))
	}

	if config.Application == "" {
		errors = append(errors, fmt.Sprintf("  - Pipeline '%s': missing required 'application' field", name))
	} else if err := security.ValidateApplicationName(config.Application); err != nil {
		errors = append(errors, fmt.Sprintf("  - Pipeline '%s': %v", name, err))
	}

	if config.ManifestRepo == "" {
		errors = append(errors, fmt.Sprintf("  - Pipeline '%s': missing required 'manifest_repo' field", name))
	} else if err := security.ValidateRepoSlug(config.ManifestRepo); err != nil {
		errors = append(errors, fmt.Sprintf("  - Pipeline '%s': %v", name, err))
	}

	if config.ManifestBranch != "" {
		if err := security.ValidateBranchName(config.ManifestBranch); err != nil {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': %v", name, err))
		}
	}

	if len(config.Stages) == 0 {
		errors = append(errors, fmt.Sprintf("  - Pipeline '%s': at least one stage is required", name))
	}

	seen := make(map[string]bool)
	for i, sc := range config.Stages {
		if sc.Name == "" {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stages[%d] missing required 'name' field", name, i))
			continue
		}
		if err := security.ValidateStageName(sc.Name); err != nil {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stages[%d]: %v", name, i, err))
		}
		if seen[sc.Name] {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': duplicate stage name '%s'", name, sc.Name))
		}
		seen[sc.Name] = true

		if sc.ManifestPath == "" {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stage '%s' missing required 'manifest_path' field", name, sc.Name))
		}
		if sc.ManifestField == "" {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stage '%s' missing required 'manifest_field' field", name, sc.Name))
		}

		if sc.PollInterval < 0 {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stage '%s': poll_interval must be a positive integer, got %d", name, sc.Name, sc.PollInterval))
		}
		if sc.ConvergenceTimeout < 0 {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stage '%s': convergence_timeout must be a positive integer, got %d", name, sc.Name, sc.ConvergenceTimeout))
		}
		if sc.ApprovalTimeout < 0 {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stage '%s': approval_timeout must be a positive integer, got %d", name, sc.Name, sc.ApprovalTimeout))
		}
		if sc.FailureThreshold < 0 {
			errors = append(errors, fmt.Sprintf("  - Pipeline '%s': stage '%s': failure_threshold must be a positive integer, got %d", name, sc.Name, sc.FailureThreshold))
		}
	}

	return errors
}
