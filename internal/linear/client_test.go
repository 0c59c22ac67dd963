package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/logger"
)

// graphqlServer routes by substring of the incoming query.
func graphqlServer(t *testing.T, handler func(query string, vars map[string]any) (any, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, status := handler(req.Query, req.Variables)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func testClient(t *testing.T, endpoint string) *GraphQLClient {
	t.Helper()
	return NewGraphQLClient(Config{
		APIKey:        "key",
		Endpoint:      endpoint,
		RequestBudget: 100,
		Timeout:       2 * time.Second,
		MaxRetries:    3,
	}, logger.Default())
}

func issuePayload(id, identifier string) map[string]any {
	return map[string]any{
		"issue": map[string]any{
			"id":         id,
			"identifier": identifier,
			"title":      "add feature",
			"state":      map[string]any{"name": "Todo"},
			"team":       map[string]any{"key": "ROM"},
			"labels":     map[string]any{"nodes": []any{map[string]any{"name": "backend"}}},
		},
	}
}

func TestGetIssue(t *testing.T) {
	server := graphqlServer(t, func(query string, vars map[string]any) (any, int) {
		require.Contains(t, query, "issue(id: $id)")
		return issuePayload("i1", "ROM-1"), http.StatusOK
	})
	defer server.Close()

	issue, err := testClient(t, server.URL).GetIssue(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, "ROM-1", issue.Identifier)
	assert.Equal(t, "ROM", issue.TeamKey)
	assert.Equal(t, []string{"backend"}, issue.Labels)
}

func TestTransientServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	server := graphqlServer(t, func(query string, vars map[string]any) (any, int) {
		if calls.Add(1) < 3 {
			return nil, http.StatusInternalServerError
		}
		return issuePayload("i1", "ROM-1"), http.StatusOK
	})
	defer server.Close()

	issue, err := testClient(t, server.URL).GetIssue(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, "ROM-1", issue.Identifier)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitNotRetriedAndSticky(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.GetIssue(context.Background(), "i1")
	require.True(t, IsRateLimited(err))
	assert.Equal(t, int32(1), calls.Load())

	// Subsequent calls fail fast without touching the API.
	_, err = client.GetIssue(context.Background(), "i1")
	require.True(t, IsRateLimited(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAuthErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).GetIssue(context.Background(), "i1")
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkflowStateCache(t *testing.T) {
	var stateCalls atomic.Int32
	server := graphqlServer(t, func(query string, vars map[string]any) (any, int) {
		switch {
		case strings.Contains(query, "workflowStates"):
			stateCalls.Add(1)
			return map[string]any{"workflowStates": map[string]any{"nodes": []any{
				map[string]any{"id": "ws1", "name": "In Progress", "type": "started"},
				map[string]any{"id": "ws2", "name": "Done", "type": "completed"},
			}}}, http.StatusOK
		case strings.Contains(query, "issueUpdate"):
			return map[string]any{"issueUpdate": map[string]any{"success": true}}, http.StatusOK
		default:
			return issuePayload("i1", "ROM-1"), http.StatusOK
		}
	})
	defer server.Close()

	client := testClient(t, server.URL)
	require.NoError(t, client.UpdateIssueState(context.Background(), "i1", StateInProgress))
	require.NoError(t, client.UpdateIssueState(context.Background(), "i1", StateDone))
	assert.Equal(t, int32(1), stateCalls.Load(), "workflow states fetched once, then cached")

	client.ClearCaches()
	require.NoError(t, client.UpdateIssueState(context.Background(), "i1", StateDone))
	assert.Equal(t, int32(2), stateCalls.Load())
}

func TestAddLabelCreatesMissingLabel(t *testing.T) {
	var created atomic.Int32
	server := graphqlServer(t, func(query string, vars map[string]any) (any, int) {
		switch {
		case strings.Contains(query, "issueLabels(filter"):
			return map[string]any{"issueLabels": map[string]any{"nodes": []any{
				map[string]any{"id": "l1", "name": "existing"},
			}}}, http.StatusOK
		case strings.Contains(query, "issueLabelCreate"):
			created.Add(1)
			return map[string]any{"issueLabelCreate": map[string]any{
				"issueLabel": map[string]any{"id": "l2", "name": "agent:executed"},
			}}, http.StatusOK
		case strings.Contains(query, "issueAddLabel"):
			return map[string]any{"issueAddLabel": map[string]any{"success": true}}, http.StatusOK
		default:
			return nil, http.StatusBadRequest
		}
	})
	defer server.Close()

	client := testClient(t, server.URL)
	require.NoError(t, client.AddLabel(context.Background(), "i1", "ROM", "agent:executed"))
	assert.Equal(t, int32(1), created.Load())

	// Second add finds the label in the team cache; no second create.
	require.NoError(t, client.AddLabel(context.Background(), "i1", "ROM", "agent:executed"))
	assert.Equal(t, int32(1), created.Load())
}

func TestGraphQLRateLimitedErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"errors":[{"message":"rate limit exceeded","extensions":{"code":"RATELIMITED"}}]}`))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.GetIssue(context.Background(), "i1")
	assert.True(t, IsRateLimited(err))
}
