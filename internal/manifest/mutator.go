// Package manifest applies single-field image reference updates to
// versioned deployment manifests and commits them with a loop-prevention
// marker so upstream change detection skips controller-authored commits.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// SyncTrailer is the commit trailer that marks a commit as
	// controller-authored. Change-detection webhooks must treat commits
	// carrying it as infrastructure-authored and not re-trigger the
	// pipeline.
	SyncTrailer = "Stagegate-Sync: skip"

	// SkipCIMarker is the conventional subject-line marker most CI
	// systems already honor.
	SkipCIMarker = "[skip ci]"
)

var (
	// ErrManifestNotFound indicates the locator did not resolve to
	// exactly one mutable field.
	ErrManifestNotFound = errors.New("manifest field not found")

	// ErrWriteConflict indicates the store rejected the write due to a
	// concurrent update. The caller must retry with a fresh read, never
	// silently overwrite.
	ErrWriteConflict = errors.New("manifest write conflict")
)

// Locator resolves to exactly one mutable image reference field in a
// versioned manifest tree.
type Locator struct {
	// Repo is the manifest repository in "owner/name" form.
	Repo string

	// Branch is the branch holding the environment's manifests.
	Branch string

	// Path is the manifest file path within the repository.
	Path string

	// Field is the dotted path to the image tag scalar within the YAML
	// document, e.g. "images.0.newTag".
	Field string
}

func (l Locator) String() string {
	return fmt.Sprintf("%s@%s:%s#%s", l.Repo, l.Branch, l.Path, l.Field)
}

// CommitRef identifies the commit carrying a mutation.
type CommitRef struct {
	// SHA is the resulting head commit.
	SHA string

	// Mutated is false when the field already held the requested value
	// and no new commit was created.
	Mutated bool
}

// Mutator applies a single declarative image tag update and commits it.
type Mutator interface {
	// SetImageTag writes newVersion into the field the locator resolves
	// to. Idempotent: a repeated call with the same version returns the
	// current head without creating a second commit.
	SetImageTag(ctx context.Context, loc Locator, newVersion string) (*CommitRef, error)
}

// CommitMessage builds the commit message for a mutation, carrying both
// the skip-ci marker and the controller trailer.
func CommitMessage(loc Locator, newVersion string) string {
	return fmt.Sprintf("chore: set %s image tag to %s %s\n\n%s\n", loc.Path, newVersion, SkipCIMarker, SyncTrailer)
}

// IsControllerCommit reports whether a commit message carries the
// loop-prevention trailer.
func IsControllerCommit(message string) bool {
	for _, line := range strings.Split(message, "\n") {
		if strings.TrimSpace(line) == SyncTrailer {
			return true
		}
	}
	return false
}
