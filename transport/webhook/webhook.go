// Package webhook implements transport.RemoteAPI and transport.Publisher
// over plain HTTP JSON, grounded on adapter/webhook/webhook.go's
// POST-with-retry shape: exponential backoff on transient failures,
// immediate failure on non-retriable 4xx responses.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trackrun/trackcore/events"
	"github.com/trackrun/trackcore/iox"
	"github.com/trackrun/trackcore/storagepolicy"
	"github.com/trackrun/trackcore/types"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the webhook transport.
type Config struct {
	// BaseURL is the backend's API root, e.g. "https://api.example.com".
	BaseURL string
	// Headers are custom HTTP headers added to every request (e.g. auth).
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Client implements transport.RemoteAPI and transport.Publisher by
// POSTing/GETting JSON against Config.BaseURL.
type Client struct {
	config Config
	client *http.Client
}

// New creates a webhook transport client. Returns an error if BaseURL is
// empty.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("webhook transport requires a base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// StatusError is returned for non-2xx HTTP responses. Wrapping the status
// code lets callers distinguish retriable (5xx) from non-retriable (4xx)
// failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// RegisterAgent registers a new sweep agent and returns its assigned id.
func (c *Client) RegisterAgent(ctx context.Context, sweepID string) (string, error) {
	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/sweeps/"+sweepID+"/agents", nil, &out); err != nil {
		return "", fmt.Errorf("webhook: register agent: %w", err)
	}
	return out.AgentID, nil
}

// SweepConfig fetches the sweep's configuration.
func (c *Client) SweepConfig(ctx context.Context, sweepID string) (*types.SweepConfig, error) {
	var cfg types.SweepConfig
	if err := c.doJSON(ctx, http.MethodGet, "/sweeps/"+sweepID+"/config", nil, &cfg); err != nil {
		return nil, fmt.Errorf("webhook: sweep config: %w", err)
	}
	return &cfg, nil
}

// Heartbeat reports per-run liveness and returns any server-pushed
// commands.
func (c *Client) Heartbeat(ctx context.Context, status types.HeartbeatStatus) ([]*types.AgentCommand, error) {
	var out struct {
		Commands []*types.AgentCommand `json:"commands"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/agents/heartbeat", status, &out); err != nil {
		return nil, fmt.Errorf("webhook: heartbeat: %w", err)
	}
	return out.Commands, nil
}

// Prepare satisfies storagepolicy.UploadPreparer: it asks the backend
// for the entry's birth artifact id and a pre-signed upload URL/headers
// for the given storage URL.
func (c *Client) Prepare(ctx context.Context, entry *types.ManifestEntry) (storagepolicy.PrepareResult, error) {
	var out struct {
		BirthArtifactID string            `json:"birth_artifact_id"`
		UploadURL       string            `json:"upload_url"`
		Headers         map[string]string `json:"headers"`
	}
	var size int64
	if entry.Size != nil {
		size = *entry.Size
	}
	req := struct {
		Digest string `json:"digest"`
		Size   int64  `json:"size"`
	}{Digest: entry.Digest, Size: size}
	if err := c.doJSON(ctx, http.MethodPost, "/artifacts/prepare_upload", req, &out); err != nil {
		return storagepolicy.PrepareResult{}, fmt.Errorf("webhook: prepare upload: %w", err)
	}
	return storagepolicy.PrepareResult{
		BirthArtifactID: out.BirthArtifactID,
		UploadURL:       out.UploadURL,
		UploadHeaders:   out.Headers,
	}, nil
}

// PublishHistory implements events.Publisher by POSTing the row to the
// run's history endpoint.
func (c *Client) PublishHistory(ctx context.Context, row events.HistoryRow, namespace string) error {
	body := struct {
		Namespace string             `json:"namespace"`
		Step      int64              `json:"step"`
		Values    map[string]float64 `json:"values"`
	}{Namespace: namespace, Step: row.Step, Values: row.Values}
	if err := c.doJSON(ctx, http.MethodPost, "/runs/history", body, nil); err != nil {
		return fmt.Errorf("webhook: publish history: %w", err)
	}
	return nil
}

// doJSON marshals in (if non-nil), POSTs/GETs it with retry, and
// unmarshals the response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	var lastErr error
	attempts := 1 + c.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = c.doRequest(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
