// Package session tracks agent session lifecycle and persists it for crash
// recovery and cross-process duplicate detection. Disk state is never the
// runtime source of truth.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the session lifecycle state. It only moves forward; terminal
// states are idempotent.
type State string

const (
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateError      State = "error"
)

// rank orders states for the monotonic-forward check.
var rank = map[State]int{
	StateStarted:    0,
	StateInProgress: 1,
	StateDone:       2,
	StateError:      2,
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// CanTransition reports whether moving to next is legal: forward or to the
// same state, never backward, and terminal states accept only themselves.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return s == next
	}
	return rank[next] >= rank[s]
}

// Session is one orchestrated execution of a work item.
type Session struct {
	ID               string     `json:"id"`
	IssueID          string     `json:"issue_id"`
	RepositoryID     string     `json:"repository_id"`
	WorktreePath     string     `json:"worktree_path,omitempty"`
	State            State      `json:"state"`
	PID              int        `json:"pid,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CompletionReason string     `json:"completion_reason,omitempty"`
	CommitSHA        string     `json:"commit_sha,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CleanupAction    string     `json:"cleanup_action,omitempty"` // removed, preserved
}

// New creates a session in the started state.
func New(issueID, repositoryID string, pid int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New().String(),
		IssueID:      issueID,
		RepositoryID: repositoryID,
		State:        StateStarted,
		PID:          pid,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the session to next. Illegal moves are ignored (terminal
// states are idempotent) and reported via the return value.
func (s *Session) Transition(next State) bool {
	if !s.State.CanTransition(next) {
		return false
	}
	if s.State == next {
		return false
	}
	s.State = next
	now := time.Now().UTC()
	s.UpdatedAt = now
	if next.Terminal() {
		s.CompletedAt = &now
	}
	return true
}
