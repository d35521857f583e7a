package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	}
}

func TestTriggerSync_ReturnsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/applications/hello-world/sync", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"token": "op-123"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	req, err := c.TriggerSync(context.Background(), "hello-world")
	require.NoError(t, err)
	assert.Equal(t, "hello-world", req.Application)
	assert.Equal(t, "op-123", req.Token)
	assert.False(t, req.RequestedAt.IsZero())
}

func TestTriggerSync_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.TriggerSync(context.Background(), "hello-world")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentUnauthorized))
	assert.Equal(t, int32(1), calls.Load(), "unauthorized must not be retried")
}

func TestTriggerSync_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.TriggerSync(context.Background(), "missing-app")
	assert.True(t, errors.Is(err, ErrApplicationNotFound))
}

func TestTriggerSync_TransientFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "op-9"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	req, err := c.TriggerSync(context.Background(), "hello-world")
	require.NoError(t, err)
	assert.Equal(t, "op-9", req.Token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTriggerSync_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.TriggerSync(context.Background(), "hello-world")
	assert.True(t, errors.Is(err, ErrAgentUnreachable))
}

func TestGetStatus_ParsesObservation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]string{
			"sync":     "synced",
			"health":   "healthy",
			"revision": "abc123",
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	obs, err := c.GetStatus(context.Background(), "hello-world")
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, obs.Sync)
	assert.Equal(t, HealthHealthy, obs.Health)
	assert.Equal(t, "abc123", obs.Revision)
	assert.True(t, obs.Converged())
}

func TestGetStatus_UnknownStatesNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"sync":   "Reconciling",
			"health": "SortOfOK",
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	obs, err := c.GetStatus(context.Background(), "hello-world")
	require.NoError(t, err)
	assert.Equal(t, SyncUnknown, obs.Sync)
	assert.Equal(t, HealthUnknown, obs.Health)
	assert.False(t, obs.Converged())
}

func TestRollback_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.Rollback(context.Background(), "hello-world", "41")
	assert.True(t, errors.Is(err, ErrRollbackUnavailable))
}

func TestRollback_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/applications/hello-world/rollback", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"version":"41"}`, string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	assert.NoError(t, c.Rollback(context.Background(), "hello-world", "41"))
}

func TestConvergenceObservation_SimultaneousCondition(t *testing.T) {
	cases := []struct {
		sync      SyncState
		health    HealthState
		converged bool
	}{
		{SyncSyncing, HealthProgressing, false},
		{SyncSynced, HealthDegraded, false},
		{SyncSyncing, HealthHealthy, false},
		{SyncSynced, HealthHealthy, true},
	}

	for _, tc := range cases {
		obs := &ConvergenceObservation{Sync: tc.sync, Health: tc.health}
		assert.Equal(t, tc.converged, obs.Converged(), "sync=%s health=%s", tc.sync, tc.health)
	}
}
