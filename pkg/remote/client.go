package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/convertly/convertly/pkg/status"
)

// Client is the HTTP implementation of StatusFetcher and Confirmer.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientConfig holds the options for NewClient.
type ClientConfig struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, status.NewPermanentError("backend base URL is required", nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
	}, nil
}

// FetchStatus fetches the status of one operation. Transport failures,
// 5xx responses and Success=false envelopes all come back as errors;
// 5xx and transport failures are transient, envelope failures conflict.
func (c *Client) FetchStatus(ctx context.Context, operationID string) (status.Status, error) {
	endpoint := fmt.Sprintf("%s/v1/operations/%s/status", c.baseURL, url.PathEscape(operationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", status.NewPermanentError("building status request", err).WithOperation("fetch_status")
	}

	env, err := c.do(req)
	if err != nil {
		return "", err
	}
	if err := env.Data.Validate(); err != nil {
		return "", status.NewPermanentError("backend returned unknown status", err).WithOperation("fetch_status")
	}
	return env.Data, nil
}

// ConfirmStatus asks the backend to accept a proposed status transition.
func (c *Client) ConfirmStatus(ctx context.Context, key string, proposed status.Status) error {
	endpoint := fmt.Sprintf("%s/v1/entities/%s/status", c.baseURL, url.PathEscape(key))

	body, err := json.Marshal(map[string]status.Status{"status": proposed})
	if err != nil {
		return status.NewPermanentError("encoding confirm request", err).WithKey(key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return status.NewPermanentError("building confirm request", err).WithKey(key)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req); err != nil {
		return err
	}
	return nil
}

func (c *Client) do(req *http.Request) (*Envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, status.NewTransientError("backend request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, status.NewTransientError("reading backend response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, status.NewTransientError(
			fmt.Sprintf("backend returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, status.NewPermanentError(
			fmt.Sprintf("backend rejected request with %d", resp.StatusCode), nil)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, status.NewTransientError("decoding backend envelope", err)
	}
	if !env.Success {
		return nil, status.NewConflictError(env.Error, nil)
	}
	return &env, nil
}
