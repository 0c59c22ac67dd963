package linear

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToIssueFromEntityEvent(t *testing.T) {
	payload := `{
		"type": "Issue",
		"data": {
			"id": "i1", "identifier": "ROM-1", "title": "Add hello",
			"description": "body",
			"team": {"key": "ROM"},
			"project": {"name": "Payments"},
			"labels": [{"name": "agent:auto"}]
		}
	}`
	var hook Webhook
	require.NoError(t, json.Unmarshal([]byte(payload), &hook))

	issue := hook.ToIssue()
	require.NotNil(t, issue)
	assert.Equal(t, "ROM-1", issue.Identifier)
	assert.Equal(t, "ROM", issue.TeamKey)
	assert.Equal(t, "Payments", issue.Project)
	assert.Equal(t, []string{"agent:auto"}, issue.Labels)
}

func TestToIssueFromAgentSessionEvent(t *testing.T) {
	payload := `{
		"action": "created",
		"organizationId": "org-1",
		"agentSession": {
			"id": "as-1",
			"issue": {"id": "i2", "identifier": "ROM-2", "team": {"key": "ROM"}}
		}
	}`
	var hook Webhook
	require.NoError(t, json.Unmarshal([]byte(payload), &hook))

	issue := hook.ToIssue()
	require.NotNil(t, issue)
	assert.Equal(t, "ROM-2", issue.Identifier)
	assert.Equal(t, "as-1", hook.AgentSession.ID)
}

func TestToIssueFromNotification(t *testing.T) {
	payload := `{"notification": {"issue": {"id": "i3", "identifier": "ROM-3", "team": {"key": "ROM"}}}}`
	var hook Webhook
	require.NoError(t, json.Unmarshal([]byte(payload), &hook))

	issue := hook.ToIssue()
	require.NotNil(t, issue)
	assert.Equal(t, "ROM-3", issue.Identifier)
}

func TestToIssueNilWhenNoIssue(t *testing.T) {
	var hook Webhook
	assert.Nil(t, hook.ToIssue())
}
