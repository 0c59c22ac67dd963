// Package worktree provides Git worktree lifecycle management for concurrent
// agent execution. At most one worktree is live per issue at any time.
package worktree

import (
	"errors"
	"strings"
)

var (
	// ErrRepoNotFound is returned when the repository path does not exist
	// or is not a Git repository.
	ErrRepoNotFound = errors.New("repository not found or not a git repository")

	// ErrDiskSpace is returned when free disk space is below the configured minimum.
	ErrDiskSpace = errors.New("insufficient disk space")

	// ErrWorktreeExists is returned when a conflicting worktree registration exists.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrPermissionDenied is returned when git or the filesystem denies access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidMode is returned for an unrecognized worktree mode.
	ErrInvalidMode = errors.New("invalid worktree mode")

	// ErrGitCommand is returned when a git command fails for any other reason.
	ErrGitCommand = errors.New("git command failed")

	// ErrUncommittedChanges is returned when cleanup cannot secure pending
	// changes into a commit.
	ErrUncommittedChanges = errors.New("uncommitted changes could not be committed")

	// ErrInvalidIssue is returned when the issue ID is empty.
	ErrInvalidIssue = errors.New("invalid or empty issue ID")
)

// classifyGitError maps git output onto the sentinel errors above.
func classifyGitError(output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "permission denied"):
		return ErrPermissionDenied
	case strings.Contains(lower, "no space left on device"):
		return ErrDiskSpace
	case strings.Contains(lower, "already exists"), strings.Contains(lower, "already checked out"):
		return ErrWorktreeExists
	case strings.Contains(lower, "not a git repository"):
		return ErrRepoNotFound
	default:
		return ErrGitCommand
	}
}
