package security

import "regexp"

var (
	// Safe patterns for validation
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	tagPattern    = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	repoPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+/[a-zA-Z0-9_.-]+$`)
)
