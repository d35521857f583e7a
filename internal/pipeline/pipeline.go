package pipeline

import (
	"time"

	"stagegate/internal/manifest"
)

// Stage is one ordered step of a promotion pipeline. Immutable after
// pipeline construction.
type Stage struct {
	Name               string
	RequiresApproval   bool
	ApprovalTimeout    time.Duration
	ConvergenceTimeout time.Duration
	PollInterval       time.Duration
	FailureThreshold   int

	// Manifest locates the stage's mutable image tag field.
	Manifest manifest.Locator
}

// Pipeline is a validated promotion pipeline: an application plus an
// ordered list of environment stages.
type Pipeline struct {
	Name        string
	Application string
	Stages      []Stage
}

// StageNames returns the stage names in promotion order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// StageConfig is the YAML configuration for a single stage.
type StageConfig struct {
	Name               string `yaml:"name"`
	RequiresApproval   bool   `yaml:"requires_approval"`
	ApprovalTimeout    int    `yaml:"approval_timeout"`
	ConvergenceTimeout int    `yaml:"convergence_timeout"`
	PollInterval       int    `yaml:"poll_interval"`
	FailureThreshold   int    `yaml:"failure_threshold"`
	ManifestPath       string `yaml:"manifest_path"`
	ManifestField      string `yaml:"manifest_field"`
}

// PipelineConfig is the YAML configuration for a pipeline.
type PipelineConfig struct {
	Application    string        `yaml:"application"`
	ManifestRepo   string        `yaml:"manifest_repo"`
	ManifestBranch string        `yaml:"manifest_branch"`
	Stages         []StageConfig `yaml:"stages"`
}

// Config is the root configuration structure.
type Config struct {
	Pipelines map[string]PipelineConfig `yaml:"pipelines"`
}
