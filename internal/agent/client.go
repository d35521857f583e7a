package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries is how many times a transient failure is retried
	// before being surfaced to the caller.
	DefaultMaxRetries = 3

	// DefaultRetryBase is the initial backoff between retries of a
	// transient failure.
	DefaultRetryBase = 500 * time.Millisecond

	// Triggers to the same application are serialized to at most one per
	// TriggerMinInterval to avoid racing sync operations.
	TriggerMinInterval = 2 * time.Second

	maxResponseBytes = 1_000_000 // 1 MB
)

// API is the control surface the promotion engine needs from the delivery
// agent. The agent is eventually consistent: TriggerSync returns before
// reconciliation completes, and correctness depends on polling GetStatus,
// never on the trigger's return value.
type API interface {
	TriggerSync(ctx context.Context, application string) (*SyncRequest, error)
	GetStatus(ctx context.Context, application string) (*ConvergenceObservation, error)
	Rollback(ctx context.Context, application, toVersion string) error
}

// Client talks to the delivery agent's REST control API using a bearer
// credential scoped to sync and read, not full admin.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	MaxRetries uint64
	RetryBase  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates an authenticated delivery agent client. The token is
// injected on every request via an oauth2 static token source.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = 30 * time.Second

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
		Logger:     logger,
		MaxRetries: DefaultMaxRetries,
		RetryBase:  DefaultRetryBase,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// triggerLimiter returns the rate limiter for an application, creating it
// on first use.
func (c *Client) triggerLimiter(application string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limiters == nil {
		c.limiters = make(map[string]*rate.Limiter)
	}

	limiter, exists := c.limiters[application]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(TriggerMinInterval), 1)
		c.limiters[application] = limiter
	}

	return limiter
}

// TriggerSync asks the agent to start reconciling the named application.
// Transient network failures are retried with exponential backoff;
// credential and configuration errors are returned immediately.
func (c *Client) TriggerSync(ctx context.Context, application string) (*SyncRequest, error) {
	if err := c.triggerLimiter(application).Wait(ctx); err != nil {
		return nil, err
	}

	var req *SyncRequest
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		req, err = c.doTriggerSync(ctx, application)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.Logger.Info("sync triggered", "application", application, "token", req.Token)
	return req, nil
}

func (c *Client) doTriggerSync(ctx context.Context, application string) (*SyncRequest, error) {
	requestedAt := time.Now().UTC()

	body, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/applications/%s/sync", application), nil)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(status, application); err != nil {
		return nil, err
	}

	var payload struct {
		Token string `json:"token"`
	}
	if len(body) > 0 {
		// A missing or malformed token is not fatal: convergence is
		// decided by polling, not by the trigger response.
		if err := json.Unmarshal(body, &payload); err != nil {
			c.Logger.Warn("unparseable sync trigger response", "application", application, "error", err)
		}
	}

	return &SyncRequest{
		Application: application,
		Token:       payload.Token,
		RequestedAt: requestedAt,
	}, nil
}

// GetStatus fetches the combined sync/health status for an application.
// Read-only and idempotent; safe to call at polling frequency.
func (c *Client) GetStatus(ctx context.Context, application string) (*ConvergenceObservation, error) {
	var obs *ConvergenceObservation
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		obs, err = c.doGetStatus(ctx, application)
		return err
	})
	if err != nil {
		return nil, err
	}
	return obs, nil
}

func (c *Client) doGetStatus(ctx context.Context, application string) (*ConvergenceObservation, error) {
	body, status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/applications/%s/status", application), nil)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(status, application); err != nil {
		return nil, err
	}

	var payload struct {
		Sync     string `json:"sync"`
		Health   string `json:"health"`
		Revision string `json:"revision"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed status response: %v", ErrAgentUnreachable, err)
	}

	return &ConvergenceObservation{
		Sync:       normalizeSyncState(payload.Sync),
		Health:     normalizeHealthState(payload.Health),
		Revision:   payload.Revision,
		Message:    payload.Message,
		ObservedAt: time.Now().UTC(),
	}, nil
}

// Rollback asks the agent to redeploy a previously synced version.
// Best-effort: the agent may no longer retain history for the version.
func (c *Client) Rollback(ctx context.Context, application, toVersion string) error {
	payload, err := json.Marshal(map[string]string{"version": toVersion})
	if err != nil {
		return err
	}

	return c.withRetry(ctx, func(ctx context.Context) error {
		body, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/applications/%s/rollback", application), payload)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound || status == http.StatusGone {
			// The application exists but the version is not retained.
			return fmt.Errorf("%w: %s@%s: %s", ErrRollbackUnavailable, application, toVersion, strings.TrimSpace(string(body)))
		}
		return c.checkStatus(status, application)
	})
}

// do issues one HTTP request and returns the body and status code.
// Network-level failures map to ErrAgentUnreachable.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", ErrAgentUnreachable, err)
	}

	return body, resp.StatusCode, nil
}

// checkStatus maps HTTP status codes onto the client error taxonomy.
func (c *Client) checkStatus(status int, application string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAgentUnauthorized, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrApplicationNotFound, application)
	default:
		// 5xx and unexpected codes are treated as transient.
		return fmt.Errorf("%w: unexpected status %d", ErrAgentUnreachable, status)
	}
}

// withRetry retries fn on transient failures only. Unauthorized and
// not-found errors short-circuit.
func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(c.MaxRetries, retry.NewExponential(c.RetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			c.Logger.Warn("transient delivery agent error, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	return errors.Is(err, ErrAgentUnreachable)
}
