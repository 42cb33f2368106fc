// Package client is an HTTP client for the stageflow run API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/pipeline"
)

// DefaultTimeout bounds non-streaming calls.
const DefaultTimeout = 30 * time.Second

// Client talks to a stageflow server.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout for non-streaming calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client. Its Timeout should be
// zero so Watch streams are not cut off.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit starts a run and returns its id.
func (c *Client) Submit(ctx context.Context, req pipeline.Request) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Get returns the current snapshot of a run.
func (c *Client) Get(ctx context.Context, id string) (*domain.RunState, error) {
	var run domain.RunState
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, id string) (*domain.RunState, error) {
	var run domain.RunState
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListActive returns the ids of pending and running runs.
func (c *Client) ListActive(ctx context.Context) ([]string, error) {
	var out struct {
		Runs []string `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/runs", nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Pipelines returns the server's pipeline definitions.
func (c *Client) Pipelines(ctx context.Context) ([]*pipeline.Definition, error) {
	var out struct {
		Pipelines []*pipeline.Definition `json:"pipelines"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/pipelines", nil, &out); err != nil {
		return nil, err
	}
	return out.Pipelines, nil
}

// Watch streams run snapshots over SSE. The channel closes after the
// terminal snapshot, when the server ends the stream, or when ctx is done.
func (c *Client) Watch(ctx context.Context, id string) (<-chan domain.RunState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("stageflow: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stageflow: watch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, decodeError(resp.StatusCode, body)
	}

	ch := make(chan domain.RunState)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readSnapshots(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readSnapshots parses "data:" frames from an SSE body. Multi-line data is
// joined with newlines; comments and other fields are ignored.
func readSnapshots(ctx context.Context, body io.Reader, ch chan<- domain.RunState) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)

	var data strings.Builder
	flush := func() bool {
		if data.Len() == 0 {
			return true
		}
		var snap domain.RunState
		err := json.Unmarshal([]byte(data.String()), &snap)
		data.Reset()
		if err != nil {
			return true
		}
		select {
		case ch <- snap:
		case <-ctx.Done():
			return false
		}
		return !snap.Terminal()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("stageflow: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("stageflow: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stageflow: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stageflow: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("stageflow: decode response: %w", err)
		}
	}
	return nil
}

// decodeError turns an error response into a *domain.APIError carrying the
// HTTP status.
func decodeError(status int, body []byte) error {
	var envelope struct {
		Error *domain.APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return &domain.APIError{
			Type:       domain.ErrorTypeServer,
			Message:    fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body))),
			StatusCode: status,
		}
	}
	envelope.Error.StatusCode = status
	return envelope.Error
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *domain.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode() == http.StatusNotFound
}
