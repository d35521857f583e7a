package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stagegate/internal/security"
	"stagegate/pkg/cmdutil"
)

const (
	// DefaultGitTimeout bounds each git subprocess.
	DefaultGitTimeout = 60 * time.Second
)

// GitCLIMutator applies mutations to a local clone of the manifest
// repository via the git CLI. Intended for agents that read manifests
// from a git server the Contents API cannot reach.
//
// Conflict handling mirrors optimistic concurrency: a rejected push is
// reported as ErrWriteConflict, and the caller retries after the mutator
// has rebased onto the remote head.
type GitCLIMutator struct {
	// WorkDir holds one clone per repository, keyed by repo name.
	WorkDir string

	Logger  *slog.Logger
	Timeout time.Duration

	// CommitCommand optionally overrides the default commit invocation,
	// e.g. to add signing flags. Parsed with shell quoting rules; the
	// commit message is appended as "-m <message>".
	CommitCommand string
}

func NewGitCLIMutator(workDir string, logger *slog.Logger) *GitCLIMutator {
	return &GitCLIMutator{
		WorkDir: workDir,
		Logger:  logger,
		Timeout: DefaultGitTimeout,
	}
}

// SetImageTag implements Mutator.
func (m *GitCLIMutator) SetImageTag(ctx context.Context, loc Locator, newVersion string) (*CommitRef, error) {
	if err := security.ValidateImageTag(newVersion); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	if err := security.ValidateBranchName(loc.Branch); err != nil {
		return nil, fmt.Errorf("invalid locator: %w", err)
	}

	cloneDir, err := m.cloneDir(loc)
	if err != nil {
		return nil, err
	}

	// Rebase onto the remote head so the optimistic write starts from
	// the latest state. A conflict means a commit left by a rejected
	// push overlaps the concurrent change: drop it and report a write
	// conflict so the caller retries from a fresh read.
	if out, err := m.git(ctx, cloneDir, "pull", "--rebase", "origin", loc.Branch); err != nil {
		if isRebaseConflict(out) {
			if _, abortErr := m.git(ctx, cloneDir, "rebase", "--abort"); abortErr != nil {
				m.Logger.Error("failed to abort conflicted rebase", "dir", cloneDir, "error", abortErr)
			}
			if _, resetErr := m.git(ctx, cloneDir, "reset", "--hard", "origin/"+loc.Branch); resetErr != nil {
				return nil, resetErr
			}
			return nil, fmt.Errorf("%w: rebase conflict for %s", ErrWriteConflict, loc)
		}
		return nil, err
	}

	// A rejected push leaves its commit in the clone. Publish it before
	// deciding the requested value is already applied, otherwise the
	// idempotency check would report an unpushed mutation as done.
	if err := m.pushPending(ctx, cloneDir, loc); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(cloneDir, filepath.Clean(loc.Path))
	doc, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, loc)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", loc, err)
	}

	patched, oldValue, err := setScalar(doc, loc.Field, newVersion)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc, err)
	}

	if oldValue == newVersion {
		head, err := m.headSHA(ctx, cloneDir)
		if err != nil {
			return nil, err
		}
		m.Logger.Info("manifest already at requested version, skipping commit",
			"locator", loc.String(), "version", newVersion)
		return &CommitRef{SHA: head, Mutated: false}, nil
	}

	if err := os.WriteFile(manifestPath, patched, 0644); err != nil {
		return nil, fmt.Errorf("writing manifest %s: %w", loc, err)
	}

	if _, err := m.git(ctx, cloneDir, "add", "--", filepath.Clean(loc.Path)); err != nil {
		return nil, err
	}

	if err := m.commit(ctx, cloneDir, CommitMessage(loc, newVersion)); err != nil {
		return nil, err
	}

	if out, err := m.git(ctx, cloneDir, "push", "origin", loc.Branch); err != nil {
		if isPushRejection(out) {
			return nil, fmt.Errorf("%w: push rejected for %s", ErrWriteConflict, loc)
		}
		return nil, err
	}

	head, err := m.headSHA(ctx, cloneDir)
	if err != nil {
		return nil, err
	}

	m.Logger.Info("manifest updated",
		"locator", loc.String(),
		"old_version", oldValue,
		"new_version", newVersion,
		"commit", head)

	return &CommitRef{SHA: head, Mutated: true}, nil
}

// cloneDir resolves the local clone for a repository and verifies it is a
// git work tree.
func (m *GitCLIMutator) cloneDir(loc Locator) (string, error) {
	parts := strings.SplitN(loc.Repo, "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid repository %q", loc.Repo)
	}

	dir := filepath.Join(m.WorkDir, parts[1])
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", fmt.Errorf("%s is not a git clone (clone %s first): %w", dir, loc.Repo, err)
	}
	return dir, nil
}

func (m *GitCLIMutator) commit(ctx context.Context, dir, message string) error {
	cmdParts := []string{"git", "commit"}
	if m.CommitCommand != "" {
		parsed, err := cmdutil.ParseCommandString(m.CommitCommand)
		if err != nil {
			return fmt.Errorf("invalid commit command override: %w", err)
		}
		cmdParts = parsed
	}
	cmdParts = append(cmdParts, "-m", message)

	_, err := m.run(ctx, dir, cmdParts)
	return err
}

// pushPending publishes commits that an earlier rejected push left in the
// clone ahead of origin.
func (m *GitCLIMutator) pushPending(ctx context.Context, dir string, loc Locator) error {
	out, err := m.git(ctx, dir, "rev-list", "--count", "origin/"+loc.Branch+"..HEAD")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) == "0" {
		return nil
	}

	m.Logger.Info("publishing commit left by a rejected push", "locator", loc.String())
	if out, err := m.git(ctx, dir, "push", "origin", loc.Branch); err != nil {
		if isPushRejection(out) {
			return fmt.Errorf("%w: push rejected for %s", ErrWriteConflict, loc)
		}
		return err
	}
	return nil
}

func (m *GitCLIMutator) headSHA(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (m *GitCLIMutator) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return m.run(ctx, dir, append([]string{"git"}, args...))
}

func (m *GitCLIMutator) run(ctx context.Context, dir string, cmdParts []string) ([]byte, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultGitTimeout
	}

	out, err := cmdutil.RunWithTimeout(ctx, dir, timeout, cmdParts)
	if err != nil {
		m.Logger.Error("git command failed",
			"command", cmdutil.FormatCommand(cmdParts),
			"output", strings.TrimSpace(string(out)))
		return out, fmt.Errorf("%s: %w", cmdutil.FormatCommand(cmdParts), err)
	}
	return out, nil
}

func isPushRejection(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "[rejected]") ||
		strings.Contains(s, "non-fast-forward") ||
		strings.Contains(s, "fetch first")
}

func isRebaseConflict(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "CONFLICT") ||
		strings.Contains(s, "Merge conflict") ||
		strings.Contains(s, "could not apply")
}
