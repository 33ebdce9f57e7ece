package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"logrelay/config"
	"logrelay/remote/types"
)

// Client speaks the device service's HTTP/JSON protocol: each named
// operation is a POST of the argument map, and the body of a 2xx reply
// decodes into types.Response.
type Client struct {
	cfg        *config.RemoteConfig
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient builds an HTTP client for the configured endpoint. Per-request
// deadlines come from the caller's context, so the underlying http.Client
// carries no timeout of its own.
func NewClient(cfg *config.RemoteConfig, logger *log.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

// Call executes one named operation. Connection failures, timeouts and
// non-2xx statuses are reported as errors; everything else is decoded into a
// Response for the caller to interpret.
func (c *Client) Call(ctx context.Context, op string, args map[string]any) (*types.Response, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("httpapi: failed to encode args for %s: %w", op, err)
	}

	url := fmt.Sprintf("%s/apps/%s/ops/%s", c.cfg.BaseURL, c.cfg.AppID, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpapi: failed to build request for %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AppKey != "" {
		req.Header.Set("X-App-Key", c.cfg.AppKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("httpapi: failed to read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Printf("Request %s returned HTTP %d: %s", op, resp.StatusCode, truncate(raw, 256))
		return nil, fmt.Errorf("httpapi: %s returned HTTP %d: %s", op, resp.StatusCode, truncate(raw, 256))
	}

	var decoded types.Response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("httpapi: failed to decode %s response: %w", op, err)
	}
	return &decoded, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
