package agentapi

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

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
)

const (
	requestTimeout = 30 * time.Second
	promptTimeout  = 60 * time.Minute
	abortTimeout   = 800 * time.Millisecond
)

// Client manages HTTP communication with an agent provider server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a provider client.
func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     log.WithFields(zap.String("component", "agentapi")),
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// apiError wraps a non-2xx response so callers can classify by status code.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider HTTP %d: %s", e.StatusCode, e.Body)
}

// StatusCodeOf extracts the HTTP status from a client error, 0 if none.
func StatusCodeOf(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// CreateSession creates a session bound to a working directory.
func (c *Client) CreateSession(ctx context.Context, directory string) (string, error) {
	body, _ := json.Marshal(map[string]string{"directory": directory})
	req, err := c.newRequest(ctx, http.MethodPost, "/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var session sessionResponse
	if err := c.do(req, &session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return session.ID, nil
}

// Prompt sends a prompt to the session. Prompts can run for minutes, so the
// request uses a dedicated long-timeout client.
func (c *Client) Prompt(ctx context.Context, sessionID string, prompt PromptRequest) error {
	body, err := json.Marshal(prompt)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", bytes.NewReader(body))
	if err != nil {
		return err
	}

	promptClient := &http.Client{Timeout: promptTimeout}
	resp, err := promptClient.Do(req)
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

// Abort requests a best-effort stop of the session. Errors are swallowed;
// an abort that fails changes nothing for the caller.
func (c *Client) Abort(ctx context.Context, sessionID string) {
	abortCtx, cancel := context.WithTimeout(ctx, abortTimeout)
	defer cancel()

	req, err := c.newRequest(abortCtx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
}

// Status returns the provider-reported session status: idle, busy, or
// absent when the session is unknown.
func (c *Client) Status(ctx context.Context, sessionID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/status", nil)
	if err != nil {
		return "", err
	}
	var status statusResponse
	if err := c.do(req, &status); err != nil {
		if StatusCodeOf(err) == http.StatusNotFound {
			return "absent", nil
		}
		return "", fmt.Errorf("session status: %w", err)
	}
	return status.Status, nil
}

// Health probes the provider. Used both for router health snapshots and as
// a cheap liveness check.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	var health healthResponse
	if err := c.do(req, &health); err != nil {
		return err
	}
	if !health.Healthy {
		return fmt.Errorf("provider reports unhealthy")
	}
	return nil
}

// EventStream is an open SSE subscription. Events arrives in provider order;
// Errs delivers the stream-fatal error, then both channels close.
type EventStream struct {
	Events <-chan Event
	Errs   <-chan error
	cancel context.CancelFunc
}

// Close tears down the subscription.
func (s *EventStream) Close() {
	s.cancel()
}

// Subscribe opens the SSE event stream. Callers must open the subscription
// before prompting so terminal events cannot be missed.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	sseCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create event stream request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout: the stream lives as long as the session.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	events := make(chan Event, 64)
	errs := make(chan error, 1)
	go c.readEvents(sseCtx, resp.Body, events, errs)

	return &EventStream{Events: events, Errs: errs, cancel: cancel}, nil
}

// readEvents parses SSE lines into events until the stream breaks.
func (c *Client) readEvents(ctx context.Context, body io.ReadCloser, events chan<- Event, errs chan<- error) {
	defer func() {
		_ = body.Close()
		close(events)
		close(errs)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Debug("skipping unparseable event", zap.String("payload", payload))
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		errs <- fmt.Errorf("event stream broken: %w", err)
	}
}
