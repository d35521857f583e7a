package manifest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGitHubMutator(t *testing.T, handler http.Handler) *GitHubMutator {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	return &GitHubMutator{
		Client:         client,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		CommitterName:  "stagegate",
		CommitterEmail: "stagegate@localhost",
	}
}

func contentsResponse(doc, sha string) map[string]any {
	return map[string]any{
		"type":     "file",
		"encoding": "base64",
		"name":     "kustomization.yaml",
		"path":     "overlays/dev/kustomization.yaml",
		"sha":      sha,
		"content":  base64.StdEncoding.EncodeToString([]byte(doc)),
	}
}

func devLocator() Locator {
	return Locator{
		Repo:   "acme/manifests",
		Branch: "main",
		Path:   "overlays/dev/kustomization.yaml",
		Field:  "images.0.newTag",
	}
}

func TestGitHubMutator_SetImageTag(t *testing.T) {
	doc := "images:\n  - name: hello-world\n    newTag: \"41\"\n"

	var committed struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha"`
		Branch  string `json:"branch"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		json.NewEncoder(w).Encode(contentsResponse(doc, "blob-sha-1"))
	})
	mux.HandleFunc("PUT /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&committed))
		fmt.Fprint(w, `{"commit": {"sha": "commit-sha-2"}}`)
	})

	m := newTestGitHubMutator(t, mux)
	ref, err := m.SetImageTag(context.Background(), devLocator(), "42")
	require.NoError(t, err)

	assert.True(t, ref.Mutated)
	assert.Equal(t, "commit-sha-2", ref.SHA)
	assert.Equal(t, "blob-sha-1", committed.SHA, "update must carry the read SHA as a precondition")
	assert.Equal(t, "main", committed.Branch)
	assert.True(t, IsControllerCommit(committed.Message))

	decoded, err := base64.StdEncoding.DecodeString(committed.Content)
	require.NoError(t, err)
	assert.Equal(t, "images:\n  - name: hello-world\n    newTag: \"42\"\n", string(decoded))
}

func TestGitHubMutator_IdempotentWhenTagMatches(t *testing.T) {
	doc := "images:\n  - name: hello-world\n    newTag: \"42\"\n"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(contentsResponse(doc, "blob-sha-1"))
	})
	mux.HandleFunc("PUT /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		t.Error("no commit may be created when the tag already matches")
	})
	mux.HandleFunc("GET /repos/acme/manifests/commits/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha": "head-commit-sha"}`)
	})

	m := newTestGitHubMutator(t, mux)
	ref, err := m.SetImageTag(context.Background(), devLocator(), "42")
	require.NoError(t, err)
	assert.False(t, ref.Mutated)
	assert.Equal(t, "head-commit-sha", ref.SHA, "idempotent path must return a commit SHA, not the blob SHA")
}

func TestGitHubMutator_WriteConflict(t *testing.T) {
	doc := "images:\n  - name: hello-world\n    newTag: \"41\"\n"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(contentsResponse(doc, "stale-sha"))
	})
	mux.HandleFunc("PUT /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message": "overlays/dev/kustomization.yaml does not match stale-sha"}`)
	})

	m := newTestGitHubMutator(t, mux)
	_, err := m.SetImageTag(context.Background(), devLocator(), "42")
	assert.True(t, errors.Is(err, ErrWriteConflict))
}

func TestGitHubMutator_ManifestNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/manifests/contents/overlays/dev/kustomization.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	m := newTestGitHubMutator(t, mux)
	_, err := m.SetImageTag(context.Background(), devLocator(), "42")
	assert.True(t, errors.Is(err, ErrManifestNotFound))
}

func TestGitHubMutator_RejectsInvalidVersion(t *testing.T) {
	m := &GitHubMutator{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	_, err := m.SetImageTag(context.Background(), devLocator(), "42; rm -rf /")
	assert.Error(t, err)
}
