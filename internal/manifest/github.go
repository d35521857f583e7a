package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"stagegate/internal/security"
)

// GitHubMutator updates manifest files through the GitHub Contents API.
// The update carries the file's blob SHA as a precondition, so a
// concurrent change surfaces as ErrWriteConflict instead of being
// silently overwritten.
type GitHubMutator struct {
	Client         *github.Client
	Logger         *slog.Logger
	CommitterName  string
	CommitterEmail string
}

// NewGitHubMutator creates an authenticated mutator.
func NewGitHubMutator(token string, logger *slog.Logger) *GitHubMutator {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &GitHubMutator{
		Client:         github.NewClient(tc),
		Logger:         logger,
		CommitterName:  "stagegate",
		CommitterEmail: "stagegate@localhost",
	}
}

// SetImageTag implements Mutator.
func (m *GitHubMutator) SetImageTag(ctx context.Context, loc Locator, newVersion string) (*CommitRef, error) {
	if err := security.ValidateImageTag(newVersion); err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	if err := security.ValidateRepoSlug(loc.Repo); err != nil {
		return nil, fmt.Errorf("invalid locator: %w", err)
	}

	parts := strings.SplitN(loc.Repo, "/", 2)
	owner, repo := parts[0], parts[1]

	fileContent, _, resp, err := m.Client.Repositories.GetContents(ctx, owner, repo, loc.Path,
		&github.RepositoryContentGetOptions{Ref: loc.Branch})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, loc)
		}
		return nil, fmt.Errorf("fetching manifest %s: %w", loc, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("%w: %s is not a file", ErrManifestNotFound, loc)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", loc, err)
	}

	patched, oldValue, err := setScalar([]byte(content), loc.Field, newVersion)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", loc, err)
	}

	if oldValue == newVersion {
		// Return the branch head so callers always get a commit SHA,
		// matching the mutated path.
		head, _, err := m.Client.Repositories.GetCommit(ctx, owner, repo, loc.Branch, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving head of %s: %w", loc, err)
		}
		m.Logger.Info("manifest already at requested version, skipping commit",
			"locator", loc.String(), "version", newVersion)
		return &CommitRef{SHA: head.GetSHA(), Mutated: false}, nil
	}

	message := CommitMessage(loc, newVersion)
	update, resp, err := m.Client.Repositories.UpdateFile(ctx, owner, repo, loc.Path,
		&github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: patched,
			SHA:     github.String(fileContent.GetSHA()),
			Branch:  github.String(loc.Branch),
			Committer: &github.CommitAuthor{
				Name:  github.String(m.CommitterName),
				Email: github.String(m.CommitterEmail),
			},
		})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s changed concurrently", ErrWriteConflict, loc)
		}
		return nil, fmt.Errorf("updating manifest %s: %w", loc, err)
	}

	sha := update.Commit.GetSHA()
	m.Logger.Info("manifest updated",
		"locator", loc.String(),
		"old_version", oldValue,
		"new_version", newVersion,
		"commit", sha)

	return &CommitRef{SHA: sha, Mutated: true}, nil
}
