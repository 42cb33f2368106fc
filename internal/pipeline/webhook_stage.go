package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/stageflow/internal/tokens"
)

// maxWebhookResponse caps how much of a webhook response is read.
const maxWebhookResponse = 8 << 20

// RunIDHeader carries the run id on webhook requests.
const RunIDHeader = "X-Stageflow-Run-Id"

// WebhookRequest is the JSON body POSTed to a webhook stage.
type WebhookRequest struct {
	Stage  string         `json:"stage"`
	RunID  string         `json:"run_id,omitempty"`
	Inputs map[string]any `json:"inputs"`
}

// WebhookResponse is the JSON body a webhook stage must return.
//
// Status "" or "ok" is a success carrying Outputs. "retry" reports a
// transient failure that is retried if the stage is retryable. "error"
// fails the stage.
type WebhookResponse struct {
	Status  string         `json:"status,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// WebhookStage calls an external HTTP endpoint (an inference or retrieval
// service) as a pipeline stage.
type WebhookStage struct {
	name           string
	url            string
	requires       []string
	headers        map[string]string
	client         *http.Client
	counter        tokens.Counter
	maxInputTokens int
}

// WebhookStageConfig configures a webhook stage.
type WebhookStageConfig struct {
	Name     string
	URL      string
	Requires []string
	Headers  map[string]string

	// Client performs the requests. Its transport should not set a
	// timeout of its own; the runner bounds every attempt.
	Client *http.Client

	// MaxInputTokens rejects invocations whose string inputs exceed this
	// many tokens as counted by Counter. Zero disables the check.
	MaxInputTokens int
	Counter        tokens.Counter
}

// NewWebhookStage creates a new webhook stage.
func NewWebhookStage(cfg WebhookStageConfig) (*WebhookStage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook stage %s: url is required", cfg.Name)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	counter := cfg.Counter
	if cfg.MaxInputTokens > 0 && counter == nil {
		c, err := tokens.NewTiktokenCounter(tokens.DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("webhook stage %s: %w", cfg.Name, err)
		}
		counter = c
	}

	return &WebhookStage{
		name:           cfg.Name,
		url:            cfg.URL,
		requires:       cfg.Requires,
		headers:        cfg.Headers,
		client:         client,
		counter:        counter,
		maxInputTokens: cfg.MaxInputTokens,
	}, nil
}

// Name returns the stage identifier.
func (s *WebhookStage) Name() string {
	return s.name
}

// Invoke implements StageFunc.
func (s *WebhookStage) Invoke(ctx context.Context, in View) Outcome {
	inputs := in.Select(s.requires)

	if s.maxInputTokens > 0 {
		n, err := tokens.CountValues(s.counter, inputs)
		if err != nil {
			return Fatal(fmt.Errorf("count input tokens: %w", err))
		}
		if n > s.maxInputTokens {
			return Fatal(fmt.Errorf("input is %d tokens, limit is %d", n, s.maxInputTokens))
		}
	}

	body, err := json.Marshal(WebhookRequest{
		Stage:  s.name,
		RunID:  RunIDFromContext(ctx),
		Inputs: inputs,
	})
	if err != nil {
		return Fatal(fmt.Errorf("marshal stage input: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := RunIDFromContext(ctx); id != "" {
		req.Header.Set(RunIDHeader, id)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Network errors and deadlines are worth another attempt.
		return Recoverable(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return Recoverable(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Recoverable(statusError(resp.StatusCode, respBody))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Fatal(statusError(resp.StatusCode, respBody))
	}

	var out WebhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Fatal(fmt.Errorf("unmarshal stage output: %w", err))
	}

	switch strings.ToLower(out.Status) {
	case "", "ok":
		if out.Outputs == nil {
			out.Outputs = map[string]any{}
		}
		return Success(out.Outputs)
	case "retry":
		return Recoverable(errors.New(orDefault(out.Error, "webhook asked to retry")))
	case "error":
		return Fatal(errors.New(orDefault(out.Error, "webhook reported an error")))
	default:
		return Fatal(fmt.Errorf("invalid status from webhook: %s", out.Status))
	}
}

// Spec returns a StageSpec that invokes this webhook.
func (s *WebhookStage) Spec(base StageSpec) StageSpec {
	base.Name = s.name
	base.Requires = s.requires
	base.Invoke = s.Invoke
	return base
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Errorf("webhook returned status %d: %s", code, msg)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
