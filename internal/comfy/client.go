package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/comfyflow/internal/circuitbreaker"
	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/tracing"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	SubmitRate  float64
	SubmitBurst int
	// MaxRetries bounds resubmissions after transport failures and 5xx
	// answers. Rejected prompts are never retried.
	MaxRetries int
	FileServer FileServer
	Breaker    circuitbreaker.Settings
}

// Client drives one backend instance.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient circuitbreaker.HTTPClient
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c circuitbreaker.HTTPClient) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", cfg.BaseURL)
	}
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Breaker == (circuitbreaker.Settings{}) {
		cfg.Breaker = circuitbreaker.BackendSettings()
	}
	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    circuitbreaker.NewHTTPWrapper(o.httpClient, "comfyui", "comfyui", cfg.Breaker, logger),
		limiter: rate.NewLimiter(limit, cfg.SubmitBurst),
		logger:  logger,
	}, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Breaker exposes the circuit breaker guarding HTTP calls.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// Execute submits g and waits for the backend to finish it. The wait is
// bounded by the configured timeout on top of ctx; running out of time
// yields an *ExecutionError with Timeout set. Lifecycle events are passed to
// sink when it is not nil.
func (c *Client) Execute(ctx context.Context, g *workflow.Graph, sink EventSink) (*Result, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	ctx, span := tracing.StartSpan(ctx, "comfy.execute", attribute.Int("workflow.nodes", g.Len()))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	clientID := uuid.NewString()
	stream, err := c.openEvents(ctx, clientID)
	if err != nil {
		err = &ExecutionError{Message: "open event stream", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
		return nil, err
	}
	defer stream.Close()

	promptID, err := c.Submit(ctx, g, clientID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("prompt.id", promptID))

	if err = c.await(ctx, stream, promptID, sink); err != nil {
		return nil, err
	}
	var res *Result
	res, err = c.History(ctx, promptID)
	return res, err
}

// await consumes events until the prompt reaches a terminal event.
func (c *Client) await(ctx context.Context, stream *eventStream, promptID string, sink EventSink) error {
	for {
		select {
		case <-ctx.Done():
			return &ExecutionError{
				PromptID: promptID,
				Message:  "waiting for completion",
				Timeout:  errors.Is(ctx.Err(), context.DeadlineExceeded),
				Err:      ctx.Err(),
			}
		case ev, ok := <-stream.events:
			if !ok {
				return &ExecutionError{PromptID: promptID, Message: "event stream closed", Err: stream.Err()}
			}
			if ev.PromptID != "" && ev.PromptID != promptID {
				continue
			}
			metrics.BackendEvents.WithLabelValues(string(ev.Type)).Inc()
			if sink != nil {
				sink.OnEvent(ev)
			}
			switch ev.Type {
			case EventExecutionFinished:
				if ev.PromptID == promptID {
					return nil
				}
			case EventExecutionError:
				return executionErrorFrom(promptID, ev)
			case EventInterrupted:
				return &ExecutionError{PromptID: promptID, NodeID: ev.NodeID, Message: "execution interrupted"}
			}
		}
	}
}

func executionErrorFrom(promptID string, ev Event) *ExecutionError {
	e := &ExecutionError{PromptID: promptID, NodeID: ev.NodeID}
	e.NodeType, _ = ev.Data["node_type"].(string)
	msg, _ := ev.Data["exception_message"].(string)
	if typ, _ := ev.Data["exception_type"].(string); typ != "" {
		msg = strings.TrimSpace(typ + ": " + msg)
	}
	if msg == "" {
		msg = "backend reported an execution error"
	}
	e.Message = msg
	return e
}

type promptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// Submit queues g and returns the backend prompt id. Submissions are rate
// limited.
func (c *Client) Submit(ctx context.Context, g *workflow.Graph, clientID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &ExecutionError{Message: "submission rate limit", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	body, err := json.Marshal(promptRequest{Prompt: workflow.Wire(g), ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	status, data, err := c.do(ctx, http.MethodPost, "/prompt", "prompt", body)
	for retry := 1; retry <= c.cfg.MaxRetries && retryable(ctx, status, err); retry++ {
		wait := retryBackoff(retry)
		c.logger.Warn("Prompt submission failed, retrying",
			zap.Int("retry", retry),
			zap.Int("status", status),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", &ExecutionError{Message: "submit prompt", Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: ctx.Err()}
		case <-time.After(wait):
		}
		status, data, err = c.do(ctx, http.MethodPost, "/prompt", "prompt", body)
	}
	if err != nil {
		return "", &ExecutionError{Message: "submit prompt", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	if status != http.StatusOK {
		return "", &ExecutionError{Message: fmt.Sprintf("submit prompt: HTTP %d: %s", status, rejection(data))}
	}
	var resp promptResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &ExecutionError{Message: "decode prompt response", Err: err}
	}
	if resp.PromptID == "" {
		return "", &ExecutionError{Message: "backend returned no prompt id"}
	}
	c.logger.Debug("Queued prompt",
		zap.String("prompt_id", resp.PromptID),
		zap.Int("queue_number", resp.Number),
	)
	return resp.PromptID, nil
}

func retryable(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	return err != nil || status >= http.StatusInternalServerError
}

// retryBackoff doubles from 250ms and caps at 4s.
func retryBackoff(retry int) time.Duration {
	d := 250 * time.Millisecond << (retry - 1)
	if d > 4*time.Second || d <= 0 {
		d = 4 * time.Second
	}
	return d
}

// rejection extracts the backend's validation message from a /prompt error
// body.
func rejection(body []byte) string {
	var doc struct {
		Error struct {
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &doc) == nil && doc.Error.Message != "" {
		if doc.Error.Details != "" {
			return doc.Error.Message + ": " + doc.Error.Details
		}
		return doc.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []Image `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
}

// History fetches the outputs of a finished prompt.
func (c *Client) History(ctx context.Context, promptID string) (*Result, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), "history", nil)
	if err != nil {
		return nil, &ExecutionError{PromptID: promptID, Message: "fetch history", Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	if status != http.StatusOK {
		return nil, &ExecutionError{PromptID: promptID, Message: fmt.Sprintf("fetch history: HTTP %d", status)}
	}
	var doc map[string]historyEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ExecutionError{PromptID: promptID, Message: "decode history", Err: err}
	}
	entry, ok := doc[promptID]
	if !ok {
		return nil, &ExecutionError{PromptID: promptID, Message: "execution data not found"}
	}

	res := &Result{PromptID: promptID, Images: []Image{}}
	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	workflow.SortIDs(nodeIDs)
	for _, id := range nodeIDs {
		res.Images = append(res.Images, entry.Outputs[id].Images...)
	}
	res.ExecutionTime = executionTime(entry.Status.Messages)
	return res, nil
}

// executionTime derives the run time from the start and success status
// messages, whose payloads carry millisecond timestamps.
func executionTime(messages [][]any) time.Duration {
	var start, end float64
	for _, m := range messages {
		if len(m) != 2 {
			continue
		}
		kind, _ := m[0].(string)
		data, _ := m[1].(map[string]any)
		ts, _ := data["timestamp"].(float64)
		switch kind {
		case "execution_start":
			start = ts
		case "execution_success":
			end = ts
		}
	}
	if start == 0 || end < start {
		return 0
	}
	return time.Duration(end-start) * time.Millisecond
}

// ObjectInfo returns the raw /object_info document.
func (c *Client) ObjectInfo(ctx context.Context) ([]byte, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/object_info", "object_info", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("object_info: HTTP %d", status)
	}
	return data, nil
}

// SystemStats returns the raw /system_stats document; used as a liveness probe.
func (c *Client) SystemStats(ctx context.Context) ([]byte, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/system_stats", "system_stats", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("system_stats: HTTP %d", status)
	}
	return data, nil
}

// ViewURL is the backend URL serving an image.
func (c *Client) ViewURL(img Image) string {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)
	return c.base.String() + "/view?" + q.Encode()
}

// ArtifactURL is the file server URL of an image.
func (c *Client) ArtifactURL(img Image) string {
	return c.cfg.FileServer.ArtifactURL(img)
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, body []byte) (int, []byte, error) {
	target := c.base.String() + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, target)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordBackendRequest(endpoint, "error", time.Since(start).Seconds())
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	metrics.RecordBackendRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp.StatusCode, data, nil
}
