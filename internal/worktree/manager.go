package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/git"
)

// issueLockEntry tracks an issue lock and its reference count.
type issueLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager handles Git worktree operations for concurrent agent execution.
// Invariant: at most one active worktree per issue, enforced by a per-issue
// mutex held for the entire create and cleanup critical sections.
type Manager struct {
	config Config
	git    *git.Service
	logger *logger.Logger

	active map[string]*Worktree // issueID -> worktree
	mu     sync.RWMutex         // protects active map

	issueLocks  map[string]*issueLockEntry
	issueLockMu sync.Mutex

	// baseMu guards filesystem-wide housekeeping (orphan scans).
	baseMu sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config, gitSvc *git.Service, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	if gitSvc == nil {
		gitSvc = git.NewService(log)
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Manager{
		config:     cfg,
		git:        gitSvc,
		logger:     log.WithFields(zap.String("component", "worktree-manager")),
		active:     make(map[string]*Worktree),
		issueLocks: make(map[string]*issueLockEntry),
		now:        time.Now,
	}, nil
}

// lockIssue returns the mutex for an issue and increments its reference count.
func (m *Manager) lockIssue(issueID string) *sync.Mutex {
	m.issueLockMu.Lock()
	defer m.issueLockMu.Unlock()

	if entry, exists := m.issueLocks[issueID]; exists {
		entry.refCount++
		return entry.mu
	}
	entry := &issueLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.issueLocks[issueID] = entry
	return entry.mu
}

// releaseIssueLock decrements the reference count, dropping the entry at zero
// so the map does not grow without bound.
func (m *Manager) releaseIssueLock(issueID string) {
	m.issueLockMu.Lock()
	defer m.issueLockMu.Unlock()

	entry, exists := m.issueLocks[issueID]
	if !exists {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.issueLocks, issueID)
	}
}

// Get returns the active worktree for an issue, if any. Reads may be stale
// with respect to an in-flight create or cleanup.
func (m *Manager) Get(issueID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.active[issueID]
	return wt, ok
}

// ActiveCount returns the number of registered worktrees.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// worktreePath computes the on-disk location for an issue's worktree.
func (m *Manager) worktreePath(issueID string, mode Mode) (string, error) {
	base, err := m.config.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	root := filepath.Join(base, issueID)
	switch mode {
	case "", ModeMain:
		return root, nil
	case ModeBranch:
		return filepath.Join(root, "branch"), nil
	case ModeSession:
		millis := m.now().UnixMilli()
		return filepath.Join(root, "session-"+strconv.FormatInt(millis, 10)), nil
	default:
		return "", ErrInvalidMode
	}
}

// freeDiskMB returns the free space of the filesystem holding path.
func freeDiskMB(path string) (int, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	return int(free / (1024 * 1024)), nil
}

// Create creates (or reuses) the worktree for an issue. The per-issue mutex
// is held for the entire critical section, so concurrent creates for the same
// issue serialize and observe a single path.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lock := m.lockIssue(req.IssueID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseIssueLock(req.IssueID)
	}()

	if existing, ok := m.Get(req.IssueID); ok {
		if m.isValid(existing.Path) {
			m.logger.Debug("reusing existing worktree",
				zap.String("issue_id", req.IssueID),
				zap.String("path", existing.Path))
			return existing, nil
		}
		m.logger.Warn("worktree directory invalid, recreating",
			zap.String("issue_id", req.IssueID),
			zap.String("path", existing.Path))
		m.deregister(req.IssueID)
	}

	if !m.git.IsGitRepo(ctx, req.RepositoryPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, req.RepositoryPath)
	}

	base, err := m.config.ExpandedBasePath()
	if err != nil {
		return nil, err
	}
	if free, err := freeDiskMB(base); err == nil && free < m.config.MinFreeMB {
		return nil, fmt.Errorf("%w: %dMB free, %dMB required", ErrDiskSpace, free, m.config.MinFreeMB)
	}

	path, err := m.worktreePath(req.IssueID, req.Mode)
	if err != nil {
		return nil, err
	}

	baseCommit := m.git.GetCurrentCommit(ctx, req.RepositoryPath) // empty for a new repo

	branch := BranchName(req.IssueID, req.IssueTitle)
	if err := m.attachWorktree(ctx, req.RepositoryPath, path, branch); err != nil {
		return nil, err
	}

	wt := &Worktree{
		IssueID:        req.IssueID,
		Path:           path,
		RepositoryPath: req.RepositoryPath,
		Branch:         branch,
		Mode:           req.Mode,
		BaseCommit:     baseCommit,
		CreatedAt:      m.now(),
	}

	wt.Symlinks = m.linkSharedAssets(req, path)

	m.mu.Lock()
	m.active[req.IssueID] = wt
	m.mu.Unlock()

	m.logger.Info("created worktree",
		zap.String("issue_id", req.IssueID),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base_commit", baseCommit))

	return wt, nil
}

// attachWorktree creates or re-points the git worktree for branch at path.
func (m *Manager) attachWorktree(ctx context.Context, repoPath, path, branch string) error {
	branchExists := m.git.BranchExists(ctx, repoPath, branch)

	if _, err := os.Stat(path); err == nil {
		// Directory already present. If it is a valid checkout we only need
		// the branch switched; otherwise fall through to re-point.
		if m.isValid(path) {
			if err := m.git.CheckoutBranch(ctx, path, branch); err != nil {
				return fmt.Errorf("%w: switch branch: %s", ErrGitCommand, err)
			}
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, err)
		}
	}

	output, err := m.git.WorktreeAdd(ctx, repoPath, path, branch, !branchExists)
	if err != nil {
		classified := classifyGitError(output)
		m.logger.Error("git worktree add failed",
			zap.String("branch", branch),
			zap.String("output", output),
			zap.Error(err))
		return fmt.Errorf("%w: %s", classified, output)
	}
	return nil
}

// linkSharedAssets symlinks requested repository assets into the worktree.
// Failures are logged, never fatal.
func (m *Manager) linkSharedAssets(req CreateRequest, worktreePath string) []string {
	var created []string
	for _, asset := range req.SharedAssets {
		src := filepath.Join(req.RepositoryPath, asset)
		dst := filepath.Join(worktreePath, asset)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			m.logger.Warn("shared asset dir failed", zap.String("asset", asset), zap.Error(err))
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			if !errors.Is(err, os.ErrExist) {
				m.logger.Warn("shared asset symlink failed", zap.String("asset", asset), zap.Error(err))
			}
			continue
		}
		created = append(created, dst)
	}
	return created
}

// Cleanup removes the worktree for an issue. When preserve is set the
// worktree is only dropped from the active map and left on disk for
// inspection. Otherwise pending changes are committed first; a failed
// auto-commit aborts removal so no work is silently lost.
func (m *Manager) Cleanup(ctx context.Context, issueID string, preserve bool) error {
	lock := m.lockIssue(issueID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseIssueLock(issueID)
	}()

	wt, ok := m.Get(issueID)
	if !ok {
		return nil
	}

	if preserve {
		m.deregister(issueID)
		m.logger.Info("preserved worktree for inspection",
			zap.String("issue_id", issueID),
			zap.String("path", wt.Path))
		return nil
	}

	if err := m.EnforceCommit(ctx, wt.Path, issueID); err != nil {
		return err
	}

	if output, err := m.git.WorktreeRemove(ctx, wt.RepositoryPath, wt.Path); err != nil {
		if !isNotWorkingTree(output) {
			m.logger.Warn("git worktree remove failed, falling back to delete",
				zap.String("issue_id", issueID),
				zap.String("output", output))
		}
		if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
			if os.IsPermission(rmErr) {
				m.logger.Error("worktree delete permission denied",
					zap.String("path", wt.Path), zap.Error(rmErr))
			} else {
				return fmt.Errorf("%w: %s", ErrGitCommand, rmErr)
			}
		}
	}

	m.deregister(issueID)
	m.logger.Info("cleaned up worktree",
		zap.String("issue_id", issueID),
		zap.String("path", wt.Path))
	return nil
}

// EnforceCommit commits any pending changes in the worktree with the
// issue-tagged completion message. Returns an error when changes exist but
// cannot be committed.
func (m *Manager) EnforceCommit(ctx context.Context, path, issueID string) error {
	dirty, err := m.git.HasUncommittedChanges(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommand, err)
	}
	if !dirty {
		return nil
	}

	sha, err := m.git.Commit(ctx, path, git.CommitOptions{
		Message:  fmt.Sprintf("agent: Session completion - %s", issueID),
		NoVerify: true,
		StageAll: true,
	})
	if err != nil {
		return fmt.Errorf("%w: auto-commit: %s", ErrUncommittedChanges, err)
	}
	if sha != "" {
		m.logger.Info("auto-committed pending changes",
			zap.String("issue_id", issueID),
			zap.String("commit", sha))
	}
	return nil
}

// CleanupOrphaned removes worktree directories that are not registered and
// whose mtime is older than maxAge. Active worktrees are never touched.
func (m *Manager) CleanupOrphaned(maxAge time.Duration) (int, error) {
	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	base, err := m.config.ExpandedBasePath()
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		issueID := entry.Name()
		if _, active := m.Get(issueID); active {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(base, issueID)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("orphan removal failed", zap.String("path", path), zap.Error(err))
			continue
		}
		m.logger.Info("removed orphaned worktree", zap.String("issue_id", issueID))
		removed++
	}
	return removed, nil
}

// isValid reports whether path looks like a usable checkout.
func (m *Manager) isValid(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func (m *Manager) deregister(issueID string) {
	m.mu.Lock()
	delete(m.active, issueID)
	m.mu.Unlock()
}

func isNotWorkingTree(output string) bool {
	return strings.Contains(output, "is not a working tree") ||
		strings.Contains(output, "not a valid path")
}
