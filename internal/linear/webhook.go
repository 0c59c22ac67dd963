package linear

// Webhook is a parsed inbound payload. Signature validation happens upstream;
// the orchestrator consumes only these shapes.
type Webhook struct {
	// Action distinguishes agent-session events: created, prompted, response.
	Action string `json:"action,omitempty"`

	// Type is set for entity events (e.g. "Issue").
	Type string `json:"type,omitempty"`

	OrganizationID string `json:"organizationId,omitempty"`

	AgentSession *AgentSessionEvent `json:"agentSession,omitempty"`
	Data         *IssueData         `json:"data,omitempty"`
	Notification *NotificationData  `json:"notification,omitempty"`
}

// AgentSessionEvent carries the agent-session payload.
type AgentSessionEvent struct {
	ID    string       `json:"id"`
	Issue *WebhookIssue `json:"issue,omitempty"`

	// Value carries a selection answer on response events.
	Value string `json:"value,omitempty"`
}

// WebhookIssue is the issue reference embedded in session and notification events.
type WebhookIssue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Team       struct {
		Key string `json:"key"`
	} `json:"team"`
}

// IssueData is the entity-event payload for issues.
type IssueData struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Team        struct {
		Key string `json:"key"`
	} `json:"team"`
	Project *struct {
		Name string `json:"name"`
	} `json:"project,omitempty"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels,omitempty"`
}

// NotificationData is the notification-event payload.
type NotificationData struct {
	Issue *WebhookIssue `json:"issue,omitempty"`
}

// ToIssue extracts a normalized Issue from whichever payload shape is present.
// Returns nil when the webhook carries no issue reference.
func (w *Webhook) ToIssue() *Issue {
	switch {
	case w.Data != nil:
		issue := &Issue{
			ID:          w.Data.ID,
			Identifier:  w.Data.Identifier,
			Title:       w.Data.Title,
			Description: w.Data.Description,
			TeamKey:     w.Data.Team.Key,
		}
		if w.Data.Project != nil {
			issue.Project = w.Data.Project.Name
		}
		for _, l := range w.Data.Labels {
			issue.Labels = append(issue.Labels, l.Name)
		}
		return issue
	case w.AgentSession != nil && w.AgentSession.Issue != nil:
		ref := w.AgentSession.Issue
		return &Issue{ID: ref.ID, Identifier: ref.Identifier, TeamKey: ref.Team.Key}
	case w.Notification != nil && w.Notification.Issue != nil:
		ref := w.Notification.Issue
		return &Issue{ID: ref.ID, Identifier: ref.Identifier, TeamKey: ref.Team.Key}
	default:
		return nil
	}
}
