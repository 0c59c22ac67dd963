// Package git wraps the git CLI for the orchestrator. All shell-outs are
// concentrated here so logging and timeouts can be applied uniformly.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
)

const (
	defaultCommandTimeout = 30 * time.Second
	fetchTimeout          = 60 * time.Second
	pushTimeout           = 120 * time.Second
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Service executes git operations against a working tree path.
type Service struct {
	logger *logger.Logger
}

// NewService creates a new git service.
func NewService(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{logger: log.WithFields(zap.String("component", "git"))}
}

// Status describes the state of a working tree.
type Status struct {
	IsClean   bool
	Modified  []string
	Added     []string
	Deleted   []string
	Untracked []string
	Branch    string
	Commit    string
}

// CommitOptions controls Commit behavior.
type CommitOptions struct {
	Message  string
	NoVerify bool
	StageAll bool
}

// run executes git with the given args in dir and returns combined output.
func (s *Service) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	// Only trailing whitespace is trimmed: porcelain status lines start
	// with a significant space.
	text := strings.TrimRight(string(output), " \t\r\n")
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

// GetCurrentCommit returns the 40-hex SHA of HEAD, or "" if the path is not
// a git repository or has no commits yet. It never returns an error for a
// missing repo.
func (s *Service) GetCurrentCommit(ctx context.Context, path string) string {
	out, err := s.run(ctx, path, 0, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	if !shaPattern.MatchString(out) {
		return ""
	}
	return out
}

// IsValidCommit reports whether sha names a commit object in the repository.
func (s *Service) IsValidCommit(ctx context.Context, path, sha string) bool {
	out, err := s.run(ctx, path, 0, "cat-file", "-t", sha)
	return err == nil && out == "commit"
}

// HasUncommittedChanges reports whether the index or worktree diverges from HEAD.
func (s *Service) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	out, err := s.run(ctx, path, 0, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Commit creates a commit. Stages everything first when opts.StageAll is set.
// If there is nothing to commit it returns "" without error.
func (s *Service) Commit(ctx context.Context, path string, opts CommitOptions) (string, error) {
	if opts.StageAll {
		if _, err := s.run(ctx, path, 0, "add", "-A"); err != nil {
			return "", err
		}
	}

	dirty, err := s.HasUncommittedChanges(ctx, path)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}

	args := []string{"commit", "-m", opts.Message}
	if opts.NoVerify {
		args = append(args, "--no-verify")
	}
	if _, err := s.run(ctx, path, 0, args...); err != nil {
		return "", err
	}
	return s.GetCurrentCommit(ctx, path), nil
}

// CommitMessage returns the full subject and body of a commit.
func (s *Service) CommitMessage(ctx context.Context, path, sha string) (string, error) {
	return s.run(ctx, path, 0, "log", "-1", "--format=%B", sha)
}

// VerifyCommitMessageContainsIssueID reports whether the commit's subject or
// body contains the issue identifier (case-insensitive substring).
func (s *Service) VerifyCommitMessageContainsIssueID(ctx context.Context, path, sha, issueID string) bool {
	if issueID == "" {
		return false
	}
	msg, err := s.CommitMessage(ctx, path, sha)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(msg), strings.ToLower(issueID))
}

// SyncToRemote fetches origin and fast-forwards the local branch. Callers
// treat failure as non-fatal; a stale base is still a usable base.
func (s *Service) SyncToRemote(ctx context.Context, path, branch string) error {
	if _, err := s.run(ctx, path, fetchTimeout, "fetch", "origin", branch); err != nil {
		return err
	}
	_, err := s.run(ctx, path, fetchTimeout, "merge", "--ff-only", "origin/"+branch)
	return err
}

// PushToRef pushes current HEAD to origin/{branch}. Failure is reported but
// never rolls back the local commit.
func (s *Service) PushToRef(ctx context.Context, path, branch string) error {
	_, err := s.run(ctx, path, pushTimeout, "push", "origin", "HEAD:"+branch)
	return err
}

// GetStatus returns a parsed porcelain status for the working tree.
func (s *Service) GetStatus(ctx context.Context, path string) (*Status, error) {
	out, err := s.run(ctx, path, 0, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	status := &Status{IsClean: out == ""}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		file := strings.TrimSpace(line[3:])
		switch {
		case code == "??":
			status.Untracked = append(status.Untracked, file)
		case strings.Contains(code, "A"):
			status.Added = append(status.Added, file)
		case strings.Contains(code, "D"):
			status.Deleted = append(status.Deleted, file)
		case strings.Contains(code, "M") || strings.Contains(code, "R"):
			status.Modified = append(status.Modified, file)
		}
	}

	if branch, err := s.run(ctx, path, 0, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = branch
	}
	status.Commit = s.GetCurrentCommit(ctx, path)
	return status, nil
}

// IsGitRepo reports whether path is inside a git working tree.
func (s *Service) IsGitRepo(ctx context.Context, path string) bool {
	out, err := s.run(ctx, path, 0, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// WorktreeAdd creates a worktree at path for branch. When newBranch is set
// the branch is created with -b; otherwise the existing branch is checked
// out with -f so a stale registration is re-pointed.
func (s *Service) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string, newBranch bool) (string, error) {
	args := []string{"worktree", "add"}
	if newBranch {
		args = append(args, "-b", branch, worktreePath)
	} else {
		args = append(args, "-f", worktreePath, branch)
	}
	return s.run(ctx, repoPath, fetchTimeout, args...)
}

// WorktreeRemove removes a registered worktree.
func (s *Service) WorktreeRemove(ctx context.Context, repoPath, worktreePath string) (string, error) {
	return s.run(ctx, repoPath, fetchTimeout, "worktree", "remove", "--force", worktreePath)
}

// BranchExists reports whether a local branch exists in the repository.
func (s *Service) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := s.run(ctx, repoPath, 0, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CheckoutBranch switches the working tree at path to the given branch.
func (s *Service) CheckoutBranch(ctx context.Context, path, branch string) error {
	_, err := s.run(ctx, path, 0, "checkout", branch)
	return err
}
