// Package worker talks to the status endpoint each capture worker exposes on
// a predictable per-job hostname.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotReady is returned by Download while the archive is not yet built.
var ErrNotReady = errors.New("archive not yet ready")

// StatusReport is the worker's answer to a status poll.
type StatusReport struct {
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Config controls how per-job endpoints are reached. URLTemplate receives
// the job name; the default relies on the job-name service DNS entry.
type Config struct {
	URLTemplate string
	Timeout     time.Duration
}

// Client polls worker status endpoints and streams finished archives.
type Client struct {
	urlTemplate string
	httpClient  *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = "http://%s:3000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		urlTemplate: cfg.URLTemplate,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) endpoint(jobName, path string) string {
	return fmt.Sprintf(c.urlTemplate, jobName) + path
}

// Status performs one poll of the worker's status endpoint.
func (c *Client) Status(ctx context.Context, jobName string) (StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(jobName, "/done"), nil)
	if err != nil {
		return StatusReport{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusReport{}, fmt.Errorf("poll %s: %w", jobName, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return StatusReport{}, fmt.Errorf("poll %s: unexpected status %d", jobName, resp.StatusCode)
	}
	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return StatusReport{}, fmt.Errorf("decode status from %s: %w", jobName, err)
	}
	return report, nil
}

// Download streams the archive from the worker. The caller must close the
// returned reader.
func (c *Client) Download(ctx context.Context, jobName string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(jobName, "/download"), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download from %s: %w", jobName, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrNotReady
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download from %s: unexpected status %d", jobName, resp.StatusCode)
	}
	return resp.Body, nil
}
