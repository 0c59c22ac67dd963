package executor

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/common/metrics"
	"github.com/romancircus/jinyang/internal/provider"
)

const chatSystemPrompt = `You are a coding agent working in a git checkout. ` +
	`Apply the requested change, then report every file you touched on a line ` +
	`starting with "FILE: " and every commit you created on a line starting ` +
	`with "COMMIT: <sha> <message>".`

var (
	chatFileLine   = regexp.MustCompile(`(?m)^FILE:\s*(\S+)`)
	chatCommitLine = regexp.MustCompile(`(?mi)^COMMIT:\s*([0-9a-f]{7,40})\s+(.+)$`)
)

// RequestResponseExecutor drives chat-completion providers: one completion
// round per execution, no event stream. The model reports its file and
// commit operations in a line protocol parsed from the reply.
type RequestResponseExecutor struct {
	name     string
	ptype    string
	model    string
	client   *openai.Client
	recorder provider.RecordResult
	logger   *logger.Logger
}

// NewRequestResponseExecutor creates a chat-completion executor. endpoint
// overrides the API base URL for OpenAI-compatible servers.
func NewRequestResponseExecutor(name, ptype, model, apiKey, endpoint string, recorder provider.RecordResult, log *logger.Logger) *RequestResponseExecutor {
	if log == nil {
		log = logger.Default()
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		clientCfg.BaseURL = endpoint
	}
	return &RequestResponseExecutor{
		name:     name,
		ptype:    ptype,
		model:    model,
		client:   openai.NewClientWithConfig(clientCfg),
		recorder: recorder,
		logger:   log.WithProvider(name),
	}
}

// Metadata describes this executor variant.
func (e *RequestResponseExecutor) Metadata() Metadata {
	return Metadata{ProviderName: e.name, ProviderType: e.ptype, Transport: "request-response"}
}

// HealthCheck lists models as a cheap liveness probe.
func (e *RequestResponseExecutor) HealthCheck(ctx context.Context) provider.HealthStatus {
	started := time.Now()
	if _, err := e.client.ListModels(ctx); err != nil {
		return provider.HealthStatus{Healthy: false, Error: err.Error()}
	}
	return provider.HealthStatus{Healthy: true, LatencyMs: time.Since(started).Milliseconds()}
}

// Execute runs one completion round with the per-call retry wrapper.
func (e *RequestResponseExecutor) Execute(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	cfg.applyDefaults()
	started := time.Now()

	var result *ExecutionResult
	operation := func() error {
		res, err := e.attempt(ctx, cfg)
		if err != nil {
			e.recorder.RecordFailure(e.name)
			metrics.ExecutorAttempts.WithLabelValues(e.name, "error").Inc()
			if !e.transient(err) {
				return backoff.Permanent(err)
			}
			e.logger.Warn("completion attempt failed, retrying",
				zap.String("issue_id", cfg.IssueID), zap.Error(err))
			return err
		}
		if res.Success {
			e.recorder.RecordSuccess(e.name)
			metrics.ExecutorAttempts.WithLabelValues(e.name, "ok").Inc()
		} else {
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

func (e *RequestResponseExecutor) attempt(ctx context.Context, cfg ExecutionConfig) (*ExecutionResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	model := cfg.Model
	if model == "" {
		model = e.model
	}

	resp, err := e.client.CreateChatCompletion(execCtx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: chatSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: cfg.Prompt + "\n\nWorking directory: " + cfg.WorktreePath},
		},
	})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	output := resp.Choices[0].Message.Content
	result := &ExecutionResult{Output: output}

	seen := make(map[string]bool)
	for _, match := range chatFileLine.FindAllStringSubmatch(output, -1) {
		if file := match[1]; !seen[file] {
			seen[file] = true
			result.Files = append(result.Files, file)
		}
	}
	for _, match := range chatCommitLine.FindAllStringSubmatch(output, -1) {
		commit := GitCommit{SHA: strings.ToLower(match[1]), Message: strings.TrimSpace(match[2])}
		if cfg.IssueID != "" && strings.Contains(strings.ToLower(commit.Message), strings.ToLower(cfg.IssueID)) {
			commit.IssueID = cfg.IssueID
		}
		result.GitCommits = append(result.GitCommits, commit)
	}

	result.Success = len(result.Files) > 0 || len(result.GitCommits) > 0
	return result, nil
}

// transient classifies go-openai errors: 429 and 5xx retry, auth and other
// 4xx do not.
func (e *RequestResponseExecutor) transient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429, apiErr.HTTPStatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return IsTransient(err)
}

var _ AgentExecutor = (*RequestResponseExecutor)(nil)
