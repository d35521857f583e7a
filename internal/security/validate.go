package security

import (
	"fmt"
	"strings"
)

const MinSecretLength = 32

// ForbiddenSecrets are placeholder values that must never be used as a real
// API secret or agent credential.
var ForbiddenSecrets = map[string]bool{
	"replace-with-secret": true,
	"topsecret":           true,
	"secret":              true,
	"password":            true,
	"changeme":            true,
}

// ValidatePipelineName ensures a pipeline name is safe for use in URLs and
// database keys.
func ValidatePipelineName(name string) error {
	if name == "" {
		return fmt.Errorf("pipeline name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("pipeline name cannot start with '-' or '.'")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("pipeline name contains invalid characters")
	}
	return nil
}

// ValidateApplicationName ensures an application identifier is safe to embed
// in delivery agent API paths.
func ValidateApplicationName(name string) error {
	if name == "" {
		return fmt.Errorf("application name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("application name contains invalid characters")
	}
	return nil
}

// ValidateStageName ensures a stage name is safe for use as a database key
// and approval routing key.
func ValidateStageName(name string) error {
	if name == "" {
		return fmt.Errorf("stage name cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("stage name contains invalid characters")
	}
	return nil
}

// ValidateImageTag ensures an artifact version is a valid container image
// tag. Prevents injection through version strings written into manifests
// and commit messages.
func ValidateImageTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	if len(tag) > 128 {
		return fmt.Errorf("image tag too long (max 128 characters)")
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("image tag contains invalid characters")
	}
	return nil
}

// ValidateBranchName ensures a branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateRepoSlug ensures a repository reference is in "owner/name" form.
func ValidateRepoSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("repository cannot be empty")
	}
	if !repoPattern.MatchString(slug) {
		return fmt.Errorf("repository must be in 'owner/name' form")
	}
	return nil
}

// ValidateSecret checks that a shared secret is long enough and is not a
// well-known placeholder.
func ValidateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("secret cannot be empty")
	}
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters)", MinSecretLength)
	}
	if ForbiddenSecrets[strings.ToLower(secret)] {
		return fmt.Errorf("secret appears to be a placeholder value, replace with real secret")
	}
	return nil
}
