package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/common/metrics"
)

const (
	metadataCacheTTL = 30 * time.Minute
	cacheSweep       = 10 * time.Minute
)

// Config holds tracker client configuration.
type Config struct {
	APIKey        string
	Endpoint      string
	RequestBudget int
	Timeout       time.Duration
	MaxRetries    int
}

// GraphQLClient talks to the Linear GraphQL API.
type GraphQLClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger

	budget *budget

	// workflowStates caches team -> []WorkflowState; labels caches
	// team -> []Label. Both expire by TTL or explicit ClearCaches.
	workflowStates *gocache.Cache
	labels         *gocache.Cache
}

// NewGraphQLClient creates a tracker client.
func NewGraphQLClient(cfg Config, log *logger.Logger) *GraphQLClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.linear.app/graphql"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = logger.Default()
	}
	return &GraphQLClient{
		cfg:            cfg,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		logger:         log.WithFields(zap.String("component", "linear")),
		budget:         newBudget(cfg.RequestBudget),
		workflowStates: gocache.New(metadataCacheTTL, cacheSweep),
		labels:         gocache.New(metadataCacheTTL, cacheSweep),
	}
}

// ClearCaches drops all cached metadata. Test hook.
func (c *GraphQLClient) ClearCaches() {
	c.workflowStates.Flush()
	c.labels.Flush()
}

// ClearBudget resets the request budget. Test hook.
func (c *GraphQLClient) ClearBudget() {
	c.budget.clear()
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// execute runs one GraphQL request with budget enforcement, timeout, and
// bounded linear-backoff retry for transient failures. Rate-limit errors are
// never retried; they propagate so callers back off.
func (c *GraphQLClient) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		err := c.executeOnce(ctx, query, variables, out)
		if err == nil {
			metrics.TrackerRequests.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err

		if IsRateLimited(err) {
			metrics.TrackerRequests.WithLabelValues("rate_limited").Inc()
			return err
		}
		if !isTransient(err) {
			metrics.TrackerRequests.WithLabelValues("error").Inc()
			return err
		}
		c.logger.Warn("tracker request failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	metrics.TrackerRequests.WithLabelValues("error").Inc()
	return lastErr
}

func (c *GraphQLClient) executeOnce(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := c.budget.reserve(); err != nil {
		return err
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %s", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.budget.markRateLimited(retryAfter)
		return &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrServer, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("tracker HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed graphQLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		if strings.EqualFold(first.Extensions.Code, "RATELIMITED") ||
			strings.Contains(strings.ToUpper(first.Message), "RATELIMITED") {
			retryAfter := time.Minute
			c.budget.markRateLimited(retryAfter)
			return &RateLimitError{RetryAfter: retryAfter}
		}
		return fmt.Errorf("tracker graphql: %s", first.Message)
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Minute
	}
	var secs int
	if _, err := fmt.Sscanf(header, "%d", &secs); err != nil || secs <= 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

// issueFields is the shared GraphQL selection for issues.
const issueFields = `id identifier title description state { name } team { key } project { name } labels { nodes { name } }`

type rawIssue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       struct {
		Name string `json:"name"`
	} `json:"state"`
	Team struct {
		Key string `json:"key"`
	} `json:"team"`
	Project struct {
		Name string `json:"name"`
	} `json:"project"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

func (r *rawIssue) toIssue() *Issue {
	issue := &Issue{
		ID:          r.ID,
		Identifier:  r.Identifier,
		Title:       r.Title,
		Description: r.Description,
		State:       r.State.Name,
		TeamKey:     r.Team.Key,
		Project:     r.Project.Name,
	}
	for _, l := range r.Labels.Nodes {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue
}

// GetIssue loads one issue by ID.
func (c *GraphQLClient) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	var data struct {
		Issue *rawIssue `json:"issue"`
	}
	query := fmt.Sprintf(`query($id: String!) { issue(id: $id) { %s } }`, issueFields)
	if err := c.execute(ctx, query, map[string]any{"id": issueID}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, fmt.Errorf("%w: issue %s", ErrNotFound, issueID)
	}
	return data.Issue.toIssue(), nil
}

// ListIssues returns issues matching the filter.
func (c *GraphQLClient) ListIssues(ctx context.Context, filter IssueFilter) ([]*Issue, error) {
	conditions := map[string]any{}
	if filter.TeamKey != "" {
		conditions["team"] = map[string]any{"key": map[string]any{"eq": filter.TeamKey}}
	}
	if filter.State != "" {
		conditions["state"] = map[string]any{"name": map[string]any{"eq": filter.State}}
	}
	if filter.Label != "" {
		conditions["labels"] = map[string]any{"name": map[string]any{"eq": filter.Label}}
	}

	var data struct {
		Issues struct {
			Nodes []rawIssue `json:"nodes"`
		} `json:"issues"`
	}
	query := fmt.Sprintf(`query($filter: IssueFilter) { issues(filter: $filter) { nodes { %s } } }`, issueFields)
	if err := c.execute(ctx, query, map[string]any{"filter": conditions}, &data); err != nil {
		return nil, err
	}
	issues := make([]*Issue, 0, len(data.Issues.Nodes))
	for i := range data.Issues.Nodes {
		issues = append(issues, data.Issues.Nodes[i].toIssue())
	}
	return issues, nil
}

// FetchIssueLabels returns the label names attached to an issue.
func (c *GraphQLClient) FetchIssueLabels(ctx context.Context, issueID string) ([]string, error) {
	issue, err := c.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return issue.Labels, nil
}

// FetchIssueDescription returns the issue description body.
func (c *GraphQLClient) FetchIssueDescription(ctx context.Context, issueID string) (string, error) {
	issue, err := c.GetIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	return issue.Description, nil
}

// UpdateIssueState moves the issue to the workflow state matching the
// lifecycle state, resolving the state ID through the per-team cache.
func (c *GraphQLClient) UpdateIssueState(ctx context.Context, issueID string, state IssueState) error {
	issue, err := c.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	stateID, err := c.resolveWorkflowState(ctx, issue.TeamKey, state)
	if err != nil {
		return err
	}

	mutation := `mutation($id: String!, $stateId: String!) {
		issueUpdate(id: $id, input: { stateId: $stateId }) { success }
	}`
	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.execute(ctx, mutation, map[string]any{"id": issueID, "stateId": stateID}, &data); err != nil {
		return err
	}
	if !data.IssueUpdate.Success {
		return fmt.Errorf("issue update rejected for %s", issueID)
	}
	return nil
}

// workflowStateNames maps lifecycle states onto workflow state types.
var workflowStateNames = map[IssueState]string{
	StateStarted:    "started",
	StateInProgress: "started",
	StateDone:       "completed",
	StateFailed:     "canceled",
	StateCanceled:   "canceled",
}

func (c *GraphQLClient) resolveWorkflowState(ctx context.Context, teamKey string, state IssueState) (string, error) {
	states, err := c.teamWorkflowStates(ctx, teamKey)
	if err != nil {
		return "", err
	}
	want := workflowStateNames[state]
	for _, s := range states {
		if s.Type == want {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("%w: workflow state %q for team %s", ErrNotFound, state, teamKey)
}

func (c *GraphQLClient) teamWorkflowStates(ctx context.Context, teamKey string) ([]WorkflowState, error) {
	if cached, ok := c.workflowStates.Get(teamKey); ok {
		return cached.([]WorkflowState), nil
	}

	var data struct {
		WorkflowStates struct {
			Nodes []WorkflowState `json:"nodes"`
		} `json:"workflowStates"`
	}
	query := `query($team: String!) {
		workflowStates(filter: { team: { key: { eq: $team } } }) { nodes { id name type } }
	}`
	if err := c.execute(ctx, query, map[string]any{"team": teamKey}, &data); err != nil {
		return nil, err
	}
	c.workflowStates.Set(teamKey, data.WorkflowStates.Nodes, gocache.DefaultExpiration)
	return data.WorkflowStates.Nodes, nil
}

// PostComment posts a markdown comment on the issue.
func (c *GraphQLClient) PostComment(ctx context.Context, issueID, body string) error {
	mutation := `mutation($id: String!, $body: String!) {
		commentCreate(input: { issueId: $id, body: $body }) { success }
	}`
	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	if err := c.execute(ctx, mutation, map[string]any{"id": issueID, "body": body}, &data); err != nil {
		return err
	}
	if !data.CommentCreate.Success {
		return fmt.Errorf("comment rejected for %s", issueID)
	}
	return nil
}

// AddLabel attaches a label to the issue, creating the label in the team
// first when missing. Label creation is idempotent by name within a team.
func (c *GraphQLClient) AddLabel(ctx context.Context, issueID, teamKey, name string) error {
	labelID, err := c.ensureLabel(ctx, teamKey, name)
	if err != nil {
		return err
	}

	mutation := `mutation($id: String!, $labelId: String!) {
		issueAddLabel(id: $id, labelId: $labelId) { success }
	}`
	var data struct {
		IssueAddLabel struct {
			Success bool `json:"success"`
		} `json:"issueAddLabel"`
	}
	return c.execute(ctx, mutation, map[string]any{"id": issueID, "labelId": labelID}, &data)
}

func (c *GraphQLClient) ensureLabel(ctx context.Context, teamKey, name string) (string, error) {
	labels, err := c.teamLabels(ctx, teamKey)
	if err != nil {
		return "", err
	}
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return l.ID, nil
		}
	}

	mutation := `mutation($team: String!, $name: String!) {
		issueLabelCreate(input: { teamKey: $team, name: $name }) { issueLabel { id name } }
	}`
	var data struct {
		IssueLabelCreate struct {
			IssueLabel Label `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	if err := c.execute(ctx, mutation, map[string]any{"team": teamKey, "name": name}, &data); err != nil {
		return "", err
	}

	created := data.IssueLabelCreate.IssueLabel
	labels = append(labels, created)
	c.labels.Set(teamKey, labels, gocache.DefaultExpiration)
	return created.ID, nil
}

func (c *GraphQLClient) teamLabels(ctx context.Context, teamKey string) ([]Label, error) {
	if cached, ok := c.labels.Get(teamKey); ok {
		return cached.([]Label), nil
	}

	var data struct {
		IssueLabels struct {
			Nodes []Label `json:"nodes"`
		} `json:"issueLabels"`
	}
	query := `query($team: String!) {
		issueLabels(filter: { team: { key: { eq: $team } } }) { nodes { id name } }
	}`
	if err := c.execute(ctx, query, map[string]any{"team": teamKey}, &data); err != nil {
		return nil, err
	}
	c.labels.Set(teamKey, data.IssueLabels.Nodes, gocache.DefaultExpiration)
	return data.IssueLabels.Nodes, nil
}

var _ Client = (*GraphQLClient)(nil)
