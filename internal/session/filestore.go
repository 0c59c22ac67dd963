package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/worktree"
)

const archiveRetention = 7 * 24 * time.Hour

// DedupRecord is the per-issue file other processes consult before starting
// their own session for the issue.
type DedupRecord struct {
	IssueID      string     `json:"issueId"`
	Status       State      `json:"status"`
	WorktreePath string     `json:"worktreePath,omitempty"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// FileStore persists sessions as JSON under the sessions base directory:
// {issueID}.json dedup records, {sessionID}.json detail, archive/ for
// retired files.
type FileStore struct {
	basePath string
	logger   *logger.Logger
}

// NewFileStore creates the store and its directories.
func NewFileStore(basePath string, log *logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.Default()
	}
	expanded, err := worktree.ExpandHome(basePath)
	if err != nil {
		return nil, fmt.Errorf("expand sessions path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(expanded, "archive"), 0755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &FileStore{
		basePath: expanded,
		logger:   log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// BasePath returns the expanded sessions directory.
func (s *FileStore) BasePath() string { return s.basePath }

func (s *FileStore) issuePath(issueID string) string {
	return filepath.Join(s.basePath, issueID+".json")
}

func (s *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(s.basePath, sessionID+".json")
}

// Save writes both the detailed session file and the per-issue dedup
// record. Called on every state transition.
func (s *FileStore) Save(sess *Session) error {
	record := DedupRecord{
		IssueID:      sess.IssueID,
		Status:       sess.State,
		WorktreePath: sess.WorktreePath,
		PID:          sess.PID,
		StartedAt:    sess.CreatedAt,
		CompletedAt:  sess.CompletedAt,
		Error:        sess.ErrorMessage,
	}
	if err := writeJSON(s.issuePath(sess.IssueID), record); err != nil {
		return err
	}
	return writeJSON(s.sessionPath(sess.ID), sess)
}

// LoadDedup reads the dedup record for an issue, nil when absent.
func (s *FileStore) LoadDedup(issueID string) (*DedupRecord, error) {
	data, err := os.ReadFile(s.issuePath(issueID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record DedupRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse dedup record for %s: %w", issueID, err)
	}
	return &record, nil
}

// ActiveElsewhere reports whether another live process already owns a
// non-terminal session for the issue.
func (s *FileStore) ActiveElsewhere(issueID string, selfPID int) bool {
	record, err := s.LoadDedup(issueID)
	if err != nil || record == nil {
		return false
	}
	if record.Status.Terminal() || record.PID == 0 || record.PID == selfPID {
		return false
	}
	return pidAlive(record.PID)
}

// pidAlive reports whether a process exists. Signal 0 probes without
// delivering anything.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Archive moves a session's files into archive/ once the issue is settled.
func (s *FileStore) Archive(sess *Session) {
	for _, name := range []string{sess.IssueID + ".json", sess.ID + ".json"} {
		src := filepath.Join(s.basePath, name)
		dst := filepath.Join(s.basePath, "archive", name)
		if err := os.Rename(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("archive failed", zap.String("file", name), zap.Error(err))
		}
	}
}

// PruneArchive deletes archived files older than the retention window.
func (s *FileStore) PruneArchive() (int, error) {
	dir := filepath.Join(s.basePath, "archive")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-archiveRetention)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// writeJSON writes atomically via a temp file rename.
func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
