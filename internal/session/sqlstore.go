package session

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/romancircus/jinyang/internal/worktree"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS session_history (
	id                TEXT PRIMARY KEY,
	issue_id          TEXT NOT NULL,
	repository_id     TEXT NOT NULL,
	state             TEXT NOT NULL,
	commit_sha        TEXT,
	error_message     TEXT,
	completion_reason TEXT,
	created_at        TIMESTAMP NOT NULL,
	completed_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_history_issue ON session_history(issue_id);
`

// HistoryRow is one recorded terminal session.
type HistoryRow struct {
	ID               string  `db:"id"`
	IssueID          string  `db:"issue_id"`
	RepositoryID     string  `db:"repository_id"`
	State            string  `db:"state"`
	CommitSHA        *string `db:"commit_sha"`
	ErrorMessage     *string `db:"error_message"`
	CompletionReason *string `db:"completion_reason"`
	CreatedAt        string  `db:"created_at"`
	CompletedAt      *string `db:"completed_at"`
}

// HistoryStore records completed sessions in SQLite for history queries.
// It is write-behind only: admission decisions never consult it.
type HistoryStore struct {
	db *sqlx.DB
}

// NewHistoryStore opens (and migrates) the history database.
func NewHistoryStore(path string) (*HistoryStore, error) {
	expanded, err := worktree.ExpandHome(path)
	if err != nil {
		return nil, fmt.Errorf("expand history db path: %w", err)
	}
	db, err := sqlx.Open("sqlite3", expanded+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Record inserts (or replaces) a terminal session.
func (s *HistoryStore) Record(ctx context.Context, sess *Session) error {
	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_history
			(id, issue_id, repository_id, state, commit_sha, error_message, completion_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.IssueID, sess.RepositoryID, string(sess.State),
		nullable(sess.CommitSHA), nullable(sess.ErrorMessage), nullable(sess.CompletionReason),
		sess.CreatedAt.UTC(), completedAt)
	return err
}

// ByIssue returns recorded sessions for an issue, newest first.
func (s *HistoryStore) ByIssue(ctx context.Context, issueID string) ([]HistoryRow, error) {
	var rows []HistoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM session_history WHERE issue_id = ? ORDER BY created_at DESC`, issueID)
	return rows, err
}

// Recent returns the most recent terminal sessions across all issues.
func (s *HistoryStore) Recent(ctx context.Context, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []HistoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM session_history ORDER BY created_at DESC LIMIT ?`, limit)
	return rows, err
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
