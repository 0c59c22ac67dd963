package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/common/metrics"
	"github.com/romancircus/jinyang/internal/provider"
	"github.com/romancircus/jinyang/pkg/agentapi"
)

// EventStreamExecutor drives SSE-style providers: subscribe, prompt, collect
// events until a terminal signal, with reconnection and a status-poll
// fallback for missed terminal events.
type EventStreamExecutor struct {
	name     string
	ptype    string
	model    string
	client   *agentapi.Client
	recorder provider.RecordResult
	logger   *logger.Logger
}

// NewEventStreamExecutor creates an executor over the agentapi client.
func NewEventStreamExecutor(name, ptype, model string, client *agentapi.Client, recorder provider.RecordResult, log *logger.Logger) *EventStreamExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &EventStreamExecutor{
		name:     name,
		ptype:    ptype,
		model:    model,
		client:   client,
		recorder: recorder,
		logger:   log.WithProvider(name),
	}
}

// Metadata describes this executor variant.
func (e *EventStreamExecutor) Metadata() Metadata {
	return Metadata{ProviderName: e.name, ProviderType: e.ptype, Transport: "event-stream"}
}

// HealthCheck probes the provider server.
func (e *EventStreamExecutor) HealthCheck(ctx context.Context) provider.HealthStatus {
	started := time.Now()
	if err := e.client.Health(ctx); err != nil {
		return provider.HealthStatus{Healthy: false, Error: err.Error()}
	}
	return provider.HealthStatus{Healthy: true, LatencyMs: time.Since(started).Milliseconds()}
}

// Execute runs one agent session, retrying transient failures with
// exponential backoff and jitter. Auth, payload, and semantic errors
// short-circuit. Every attempt outcome feeds the provider's breaker.
func (e *EventStreamExecutor) Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	cfg.applyDefaults()
	started := time.Now()

	var result *ExecutionResult
	operation := func() error {
		res, err := e.attempt(ctx, cfg)
		if err != nil {
			e.recorder.RecordFailure(e.name)
			metrics.ExecutorAttempts.WithLabelValues(e.name, "error").Inc()
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			e.logger.Warn("execution attempt failed, retrying",
				zap.String("issue_id", cfg.IssueID), zap.Error(err))
			return err
		}
		if res.Success {
			e.recorder.RecordSuccess(e.name)
			metrics.ExecutorAttempts.WithLabelValues(e.name, "ok").Inc()
		} else {
			// The session finished but reported failure; the breaker still
			// needs to hear about it so fallback does not loop on a dead
			// primary.
			e.recorder.RecordFailure(e.name)
			metrics.ExecutorAttempts.WithLabelValues(e.name, "failed").Inc()
		}
		result = res
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 0

	err := backoff.Retry(operation,
		backoff.WithMaxRetries(backoff.WithContext(expo, ctx), uint64(cfg.MaxAttempts-1)))
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	return result, nil
}

// attempt runs a single session end to end.
func (e *EventStreamExecutor) attempt(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	// Subscribe before prompting so the terminal idle event cannot be missed.
	stream, err := e.client.Subscribe(execCtx)
	if err != nil {
		return nil, classify(err)
	}

	sessionID, err := e.client.CreateSession(execCtx, cfg.WorktreePath)
	if err != nil {
		return nil, classify(err)
	}

	model := cfg.Model
	if model == "" {
		model = e.model
	}

	promptErr := make(chan error, 1)
	go func() {
		promptErr <- e.client.Prompt(execCtx, sessionID, agentapi.PromptRequest{
			Model: model,
			Parts: []agentapi.PromptPart{{Type: "text", Text: cfg.Prompt}},
		})
	}()

	events, err := e.collect(execCtx, ctx, stream, sessionID, cfg, promptErr)
	if err != nil {
		return nil, err
	}

	parsed := ParseEvents(events)
	result := &ExecutionResult{
		Success:    parsed.Status == ParseSuccess,
		Files:      parsed.Files,
		GitCommits: tagCommits(parsed.GitCommits, cfg.IssueID),
		Output:     joinOutputs(events),
	}
	if len(parsed.Errors) > 0 {
		result.Error = strings.Join(parsed.Errors, "; ")
	}
	return result, nil
}

// collect gathers events until a terminal event, a terminal error, the
// timeout, or exhaustion of the reconnection budget. A periodic status poll
// covers missed terminal events.
func (e *EventStreamExecutor) collect(execCtx, parentCtx context.Context, stream *agentapi.EventStream, sessionID string, cfg ExecutionConfig, promptErr <-chan error) ([]agentapi.Event, error) {
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	var events []agentapi.Event
	reconnects := 0

	reconnectDelay := backoff.NewExponentialBackOff()
	reconnectDelay.InitialInterval = time.Second
	reconnectDelay.MaxInterval = 30 * time.Second
	reconnectDelay.MaxElapsedTime = 0

	poll := time.NewTicker(cfg.StatusPollInterval)
	defer poll.Stop()
	pollWarm := time.Now().Add(cfg.StatusPollWarmup)

	for {
		// Nil channels block forever, so a lost stream only leaves the
		// poll, prompt, and deadline arms live until reconnection.
		var eventCh <-chan agentapi.Event
		var errCh <-chan error
		if stream != nil {
			eventCh = stream.Events
			errCh = stream.Errs
		}

		select {
		case <-execCtx.Done():
			// Best-effort remote abort, then surface the timeout. The abort
			// uses the parent context: execCtx is already done.
			e.client.Abort(parentCtx, sessionID)
			if parentCtx.Err() != nil {
				return nil, parentCtx.Err()
			}
			return nil, fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)

		case err := <-promptErr:
			if err != nil {
				return nil, classify(err)
			}
			// Prompt accepted; keep collecting.
			promptErr = nil

		case <-poll.C:
			if time.Now().Before(pollWarm) {
				continue
			}
			status, err := e.client.Status(execCtx, sessionID)
			if err != nil {
				continue
			}
			if status == "idle" || status == "absent" {
				e.logger.Debug("status poll observed terminal session",
					zap.String("session_id", sessionID), zap.String("status", status))
				return events, nil
			}

		case event, ok := <-eventCh:
			if !ok {
				done, next, err := e.reconnect(execCtx, sessionID, &reconnects, cfg.MaxReconnect, reconnectDelay)
				if err != nil {
					return nil, err
				}
				if done {
					return events, nil
				}
				stream = next
				continue
			}
			if event.Properties.SessionID != "" && event.Properties.SessionID != sessionID {
				continue
			}
			events = append(events, event)
			if terminal, _ := isTerminal(event); terminal {
				// An error event is already captured for parsing.
				return events, nil
			}

		case <-errCh:
			stream.Close()
			done, next, err := e.reconnect(execCtx, sessionID, &reconnects, cfg.MaxReconnect, reconnectDelay)
			if err != nil {
				return nil, err
			}
			if done {
				return events, nil
			}
			stream = next
		}
	}
}

// reconnect handles a broken stream. It first asks the provider for session
// status: an idle or absent session has nothing left to stream, so
// collection is done. Otherwise it waits with exponential backoff and
// resubscribes, bounded by maxReconnect.
func (e *EventStreamExecutor) reconnect(ctx context.Context, sessionID string, reconnects *int, maxReconnect int, delay *backoff.ExponentialBackOff) (done bool, stream *agentapi.EventStream, err error) {
	if status, statusErr := e.client.Status(ctx, sessionID); statusErr == nil && (status == "idle" || status == "absent") {
		return true, nil, nil
	}

	for *reconnects < maxReconnect {
		*reconnects++

		select {
		case <-ctx.Done():
			return false, nil, ctx.Err()
		case <-time.After(delay.NextBackOff()):
		}

		next, subErr := e.client.Subscribe(ctx)
		if subErr != nil {
			e.logger.Warn("event stream reconnect failed",
				zap.Int("attempt", *reconnects), zap.Error(subErr))
			continue
		}
		e.logger.Info("event stream reconnected", zap.Int("attempt", *reconnects))
		return false, next, nil
	}
	return false, nil, fmt.Errorf("%w: %d attempts", ErrStreamFailure, *reconnects)
}

// isTerminal reports whether an event ends collection, and whether it is a
// failure.
func isTerminal(event agentapi.Event) (terminal, failed bool) {
	switch event.Type {
	case agentapi.EventSessionIdle:
		return true, false
	case agentapi.EventSessionStatus:
		if event.Properties.Status != nil && event.Properties.Status.Type == agentapi.StatusIdle {
			return true, false
		}
	case agentapi.EventSessionError:
		return true, true
	}
	return false, false
}

// tagCommits stamps the issue ID onto commits whose message references it.
func tagCommits(commits []GitCommit, issueID string) []GitCommit {
	for i := range commits {
		if issueID != "" && strings.Contains(strings.ToLower(commits[i].Message), strings.ToLower(issueID)) {
			commits[i].IssueID = issueID
		}
	}
	return commits
}

// joinOutputs concatenates tool outputs for the report body.
func joinOutputs(events []agentapi.Event) string {
	var sb strings.Builder
	for _, event := range events {
		if event.Type == agentapi.EventToolCall && event.Properties.Output != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(event.Properties.Output)
		}
	}
	return sb.String()
}

var _ AgentExecutor = (*EventStreamExecutor)(nil)
