package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/common/metrics"
	"github.com/romancircus/jinyang/internal/common/tracing"
	"github.com/romancircus/jinyang/internal/events/bus"
	"github.com/romancircus/jinyang/internal/executor"
	"github.com/romancircus/jinyang/internal/git"
	"github.com/romancircus/jinyang/internal/linear"
	"github.com/romancircus/jinyang/internal/provider"
	"github.com/romancircus/jinyang/internal/repos"
	"github.com/romancircus/jinyang/internal/scheduler"
	"github.com/romancircus/jinyang/internal/session"
	"github.com/romancircus/jinyang/internal/worktree"
)

const (
	labelExecuted = "agent:executed"
	labelFailed   = "agent:failed"

	// providerPasses bounds how many times the full provider list is
	// walked before the issue is failed.
	providerPasses = 2
)

// ExecutorFactory builds executors for provider configs.
type ExecutorFactory interface {
	Create(cfg config.ProviderConfig) (executor.AgentExecutor, error)
}

// Service is the top-level orchestrator.
type Service struct {
	agentCfg config.AgentConfig

	repoRouter *repos.Router
	sched      *scheduler.Scheduler
	worktrees  *worktree.Manager
	git        *git.Service
	tracker    linear.Client
	providers  *provider.Router
	factory    ExecutorFactory
	verifier   *Verifier
	sessions   *session.FileStore
	history    *session.HistoryStore
	bus        bus.EventBus
	logger     *logger.Logger
	tracer     trace.Tracer

	// statusMu serializes tracker status updates per issue; finalized
	// makes terminal updates idempotent.
	mu        sync.Mutex
	statusMu  map[string]*sync.Mutex
	finalized map[string]bool
}

// Deps bundles the service's collaborators.
type Deps struct {
	AgentConfig config.AgentConfig
	RepoRouter  *repos.Router
	Scheduler   *scheduler.Scheduler
	Worktrees   *worktree.Manager
	Git         *git.Service
	Tracker     linear.Client
	Providers   *provider.Router
	Factory     ExecutorFactory
	Sessions    *session.FileStore
	History     *session.HistoryStore
	Bus         bus.EventBus
	Logger      *logger.Logger
}

// New creates the orchestrator service.
func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		agentCfg:   deps.AgentConfig,
		repoRouter: deps.RepoRouter,
		sched:      deps.Scheduler,
		worktrees:  deps.Worktrees,
		git:        deps.Git,
		tracker:    deps.Tracker,
		providers:  deps.Providers,
		factory:    deps.Factory,
		verifier:   NewVerifier(deps.Git),
		sessions:   deps.Sessions,
		history:    deps.History,
		bus:        deps.Bus,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		tracer:     tracing.Tracer("orchestrator"),
		statusMu:   make(map[string]*sync.Mutex),
		finalized:  make(map[string]bool),
	}
}

// HandleWebhook is the entry point for one parsed webhook.
func (s *Service) HandleWebhook(ctx context.Context, hook *linear.Webhook) (scheduler.Disposition, error) {
	// A response event answers a pending repository elicitation; it never
	// starts work by itself.
	if hook.Action == "response" && hook.AgentSession != nil {
		if _, ok := s.repoRouter.SelectFromResponse(hook.AgentSession.ID, hook.AgentSession.Value); ok {
			s.logger.Info("elicitation resolved",
				zap.String("agent_session_id", hook.AgentSession.ID))
		}
		return "", nil
	}

	issue := hook.ToIssue()
	if issue == nil {
		return "", fmt.Errorf("%w: webhook carries no issue", ErrProcessingFailed)
	}
	log := s.logger.WithIssue(issue.Identifier)

	agentSessionID := ""
	if hook.AgentSession != nil {
		agentSessionID = hook.AgentSession.ID
	}

	route := s.repoRouter.Route(ctx, issue, agentSessionID)
	switch {
	case route.NeedsSelection():
		names := make([]string, len(route.Candidates))
		for i, repo := range route.Candidates {
			names[i] = repo.Name
		}
		s.postComment(ctx, issue.ID, elicitationComment(names))
		log.Info("posted repository elicitation", zap.Int("candidates", len(names)))
		return "", nil

	case !route.Selected():
		s.postComment(ctx, issue.ID, failureComment(SpawnResult{ErrorKind: "RoutingFailed"}))
		s.updateState(ctx, issue, linear.StateFailed)
		return "", fmt.Errorf("%w: %s", ErrNoRepository, issue.Identifier)
	}

	// Cross-process dedup through the session files.
	if s.sessions != nil && s.sessions.ActiveElsewhere(issue.Identifier, os.Getpid()) {
		log.Info("duplicate: another process owns this issue")
		return scheduler.Duplicate, nil
	}

	repo := route.Repository
	disposition := s.sched.Submit(scheduler.Session{
		IssueID: issue.Identifier,
		Run: func(runCtx context.Context) error {
			return s.runIssue(runCtx, issue, repo)
		},
	})

	switch disposition {
	case scheduler.Queued:
		s.publish(ctx, bus.SubjectSessionQueued, issue, map[string]any{
			"repository": repo.Name,
			"position":   s.sched.QueuePosition(issue.Identifier),
		})
	case scheduler.Duplicate:
		log.Info("duplicate submission ignored")
	}
	return disposition, nil
}

// runIssue executes the full pipeline for one admitted work item.
func (s *Service) runIssue(ctx context.Context, issue *linear.Issue, repo *repos.Repository) error {
	ctx, span := s.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("issue.identifier", issue.Identifier),
			attribute.String("repository.name", repo.Name),
		))
	defer span.End()

	log := s.logger.WithIssue(issue.Identifier)
	sess := session.New(issue.Identifier, repo.ID, os.Getpid())
	s.saveSession(sess)

	wt, err := s.worktrees.Create(ctx, worktree.CreateRequest{
		IssueID:        issue.Identifier,
		IssueTitle:     issue.Title,
		RepositoryPath: repo.LocalPath,
		Mode:           worktree.ModeMain,
	})
	if err != nil {
		log.Error("worktree creation failed", zap.Error(err))
		s.finalizeFailure(ctx, issue, sess, nil, SpawnResult{
			ErrorKind:   errorKind(err),
			ErrorDetail: err.Error(),
		})
		return fmt.Errorf("%w: create worktree: %w", ErrProcessingFailed, err)
	}
	sess.WorktreePath = wt.Path
	s.saveSession(sess)

	// Best-effort: a stale base is still a usable base.
	if err := s.git.SyncToRemote(ctx, wt.Path, repo.BaseBranch); err != nil {
		log.Warn("sync to remote failed", zap.Error(err))
	}

	baseline := s.git.GetCurrentCommit(ctx, wt.Path)

	s.updateState(ctx, issue, linear.StateInProgress)
	sess.Transition(session.StateInProgress)
	s.saveSession(sess)
	s.publish(ctx, bus.SubjectSessionStarted, issue, map[string]any{
		"repository": repo.Name,
		"worktree":   wt.Path,
	})

	winner, result, err := s.executeWithFallback(ctx, issue, wt, baseline, log)
	if err != nil {
		s.finalizeFailure(ctx, issue, sess, wt, SpawnResult{
			Provider:     winner,
			ErrorKind:    errorKind(err),
			ErrorDetail:  err.Error(),
			WorktreePath: wt.Path,
		})
		return err
	}

	// Secure anything the agent left uncommitted before pushing.
	if err := s.worktrees.EnforceCommit(ctx, wt.Path, issue.Identifier); err != nil {
		log.Error("commit enforcement failed", zap.Error(err))
		s.finalizeFailure(ctx, issue, sess, wt, SpawnResult{
			Provider:     winner,
			ErrorKind:    errorKind(err),
			ErrorDetail:  err.Error(),
			WorktreePath: wt.Path,
		})
		return fmt.Errorf("%w: enforce commit: %w", ErrProcessingFailed, err)
	}

	// Push is best-effort: the commit is already safe locally.
	if err := s.git.PushToRef(ctx, wt.Path, repo.BaseBranch); err != nil {
		log.Warn("push failed, commit remains local", zap.Error(err))
	}

	commit := s.git.GetCurrentCommit(ctx, wt.Path)
	sess.CommitSHA = commit
	s.finalizeSuccess(ctx, issue, sess, SpawnResult{
		Success:      true,
		Provider:     winner,
		CommitHash:   commit,
		FilesChanged: len(result.Files),
		Duration:     result.Duration,
	})
	return nil
}

// executeWithFallback walks the enabled providers in priority order, skipping
// unusable ones, retrying the whole list up to providerPasses times. It
// returns the winning provider's name and result.
func (s *Service) executeWithFallback(ctx context.Context, issue *linear.Issue, wt *worktree.Worktree, baseline string, log *logger.Logger) (string, *executor.ExecutionResult, error) {
	modelOverride := ModelOverride(issue.Description)

	var lastErr error
	lastProvider := ""
	attempted := 0

	candidates := func(pass int) []config.ProviderConfig {
		enabled := s.providers.GetEnabledProviders()
		usable := enabled[:0:0]
		for _, p := range enabled {
			if s.providers.Usable(p.Name) {
				usable = append(usable, p)
			} else {
				log.Debug("skipping provider", zap.String("provider", p.Name))
			}
		}
		if len(usable) > 0 {
			return usable
		}
		// Everything is open or unhealthy: degrade to the router's pick so
		// the issue still gets one attempt.
		if pass == 0 {
			if selection, err := s.providers.SelectProvider(); err == nil {
				return []config.ProviderConfig{selection.Provider}
			}
		}
		return nil
	}

	for pass := 0; pass < providerPasses; pass++ {
		for _, providerCfg := range candidates(pass) {
			lastProvider = providerCfg.Name
			attempted++

			exec, err := s.factory.Create(providerCfg)
			if err != nil {
				log.Warn("executor construction failed",
					zap.String("provider", providerCfg.Name), zap.Error(err))
				lastErr = err
				continue
			}

			retryNote := ""
			if lastErr != nil {
				retryNote = lastErr.Error()
			}
			execCfg := executor.ExecutionConfig{
				IssueID:      issue.Identifier,
				Prompt:       BuildPrompt(issue, wt.Path, retryNote),
				WorktreePath: wt.Path,
				Model:        modelOverride,
				Timeout:      s.agentCfg.Timeout(),
				MaxReconnect: s.agentCfg.MaxReconnect,
				MaxAttempts:  s.agentCfg.MaxAttempts,
				StatusPollInterval: time.Duration(s.agentCfg.StatusPollMs) * time.Millisecond,
				StatusPollWarmup:   time.Duration(s.agentCfg.StatusPollWarmupMs) * time.Millisecond,
			}

			result, err := exec.Execute(ctx, execCfg)
			if err != nil {
				log.Warn("provider execution failed",
					zap.String("provider", providerCfg.Name), zap.Error(err))
				lastErr = err
				// Auth and disk failures are not recoverable by fallback.
				if errors.Is(err, executor.ErrAuth) || errors.Is(err, worktree.ErrDiskSpace) {
					return providerCfg.Name, nil, err
				}
				continue
			}
			if !result.Success {
				lastErr = fmt.Errorf("provider %s: %s", providerCfg.Name, nonEmpty(result.Error, "unsuccessful execution"))
				log.Warn("provider reported unsuccessful execution",
					zap.String("provider", providerCfg.Name),
					zap.String("error", result.Error))
				continue
			}

			// Verification failure counts against this provider; the next
			// one gets a chance.
			if _, err := s.verifier.Verify(ctx, wt.Path, baseline, issue.Identifier); err != nil {
				log.Warn("verification failed",
					zap.String("provider", providerCfg.Name), zap.Error(err))
				lastErr = err
				continue
			}

			return providerCfg.Name, result, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no provider attempted (%d usable)", attempted)
	}
	return lastProvider, nil, fmt.Errorf("%w: %w", ErrFallbackFailed, lastErr)
}

// finalizeSuccess writes the terminal done state, labels the issue, cleans
// up the worktree, and records the session.
func (s *Service) finalizeSuccess(ctx context.Context, issue *linear.Issue, sess *session.Session, result SpawnResult) {
	if !s.markFinalized(issue.Identifier) {
		return
	}

	s.updateState(ctx, issue, linear.StateDone)
	s.postComment(ctx, issue.ID, successComment(result))
	s.addLabel(ctx, issue, labelExecuted)

	if err := s.worktrees.Cleanup(ctx, issue.Identifier, false); err != nil {
		s.logger.WithIssue(issue.Identifier).Warn("cleanup failed", zap.Error(err))
	}

	sess.CompletionReason = "completed"
	sess.CleanupAction = "removed"
	sess.Transition(session.StateDone)
	s.saveSession(sess)
	s.recordHistory(ctx, sess)
	s.archiveSession(sess)

	metrics.SessionsTotal.WithLabelValues("done").Inc()
	s.publish(ctx, bus.SubjectSessionCompleted, issue, map[string]any{
		"commit":   result.CommitHash,
		"provider": result.Provider,
		"files":    result.FilesChanged,
	})
	s.logger.WithIssue(issue.Identifier).Info("issue completed",
		zap.String("commit", result.CommitHash),
		zap.String("provider", result.Provider))
}

// finalizeFailure writes the terminal failed state and preserves the
// worktree for inspection.
func (s *Service) finalizeFailure(ctx context.Context, issue *linear.Issue, sess *session.Session, wt *worktree.Worktree, result SpawnResult) {
	if !s.markFinalized(issue.Identifier) {
		return
	}

	s.updateState(ctx, issue, linear.StateFailed)
	s.postComment(ctx, issue.ID, failureComment(result))
	s.addLabel(ctx, issue, labelFailed)

	if wt != nil {
		if err := s.worktrees.Cleanup(ctx, issue.Identifier, true); err != nil {
			s.logger.WithIssue(issue.Identifier).Warn("preserve cleanup failed", zap.Error(err))
		}
	}

	sess.CompletionReason = "failed"
	sess.CleanupAction = "preserved"
	sess.ErrorMessage = result.ErrorDetail
	sess.Transition(session.StateError)
	s.saveSession(sess)
	s.recordHistory(ctx, sess)
	s.archiveSession(sess)

	metrics.SessionsTotal.WithLabelValues("error").Inc()
	s.publish(ctx, bus.SubjectSessionFailed, issue, map[string]any{
		"error":    result.ErrorKind,
		"worktree": result.WorktreePath,
	})
	s.logger.WithIssue(issue.Identifier).Error("issue failed",
		zap.String("error_kind", result.ErrorKind),
		zap.String("detail", result.ErrorDetail))
}

// markFinalized returns false when the issue already reached a terminal
// state, making terminal updates idempotent.
func (s *Service) markFinalized(issueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized[issueID] {
		return false
	}
	s.finalized[issueID] = true
	return true
}

// issueStatusMu returns the per-issue mutex guarding tracker updates.
func (s *Service) issueStatusMu(issueID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mu, ok := s.statusMu[issueID]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.statusMu[issueID] = mu
	return mu
}

// updateState pushes an issue state to the tracker under the per-issue
// status mutex. Failures are logged; they never abort orchestration.
func (s *Service) updateState(ctx context.Context, issue *linear.Issue, state linear.IssueState) {
	mu := s.issueStatusMu(issue.Identifier)
	mu.Lock()
	defer mu.Unlock()

	if err := s.tracker.UpdateIssueState(ctx, issue.ID, state); err != nil {
		s.logger.WithIssue(issue.Identifier).Warn("tracker state update failed",
			zap.String("state", string(state)), zap.Error(err))
	}
}

func (s *Service) postComment(ctx context.Context, issueID, body string) {
	if err := s.tracker.PostComment(ctx, issueID, body); err != nil {
		s.logger.Warn("tracker comment failed", zap.Error(err))
	}
}

func (s *Service) addLabel(ctx context.Context, issue *linear.Issue, label string) {
	if err := s.tracker.AddLabel(ctx, issue.ID, issue.TeamKey, label); err != nil {
		s.logger.WithIssue(issue.Identifier).Warn("tracker label failed",
			zap.String("label", label), zap.Error(err))
	}
}

func (s *Service) saveSession(sess *session.Session) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.Save(sess); err != nil {
		s.logger.WithSession(sess.ID).Warn("session persistence failed", zap.Error(err))
	}
}

func (s *Service) archiveSession(sess *session.Session) {
	if s.sessions != nil {
		s.sessions.Archive(sess)
	}
}

func (s *Service) recordHistory(ctx context.Context, sess *session.Session) {
	if s.history == nil {
		return
	}
	if err := s.history.Record(ctx, sess); err != nil {
		s.logger.WithSession(sess.ID).Warn("history record failed", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, subject string, issue *linear.Issue, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["issue_id"] = issue.Identifier
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		s.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// errorKind maps an error onto its taxonomy name for reports.
func errorKind(err error) string {
	switch {
	case errors.Is(err, executor.ErrAuth):
		return "Auth"
	case errors.Is(err, executor.ErrTimeout):
		return "Timeout"
	case errors.Is(err, executor.ErrStreamFailure):
		return "StreamDisconnect"
	case errors.Is(err, worktree.ErrDiskSpace):
		return "GitError.DiskSpace"
	case errors.Is(err, worktree.ErrRepoNotFound):
		return "GitError.RepoNotFound"
	case errors.Is(err, worktree.ErrPermissionDenied):
		return "GitError.PermissionDenied"
	case errors.Is(err, worktree.ErrWorktreeExists):
		return "GitError.WorktreeExists"
	case errors.Is(err, worktree.ErrInvalidMode):
		return "GitError.InvalidMode"
	case errors.Is(err, worktree.ErrGitCommand), errors.Is(err, worktree.ErrUncommittedChanges):
		return "GitError"
	case errors.Is(err, ErrFallbackFailed):
		return "Orchestrator.FallbackFailed"
	case errors.Is(err, ErrNoRepository):
		return "RoutingFailed"
	default:
		var verr *VerificationError
		if errors.As(err, &verr) {
			return "VerificationFailed"
		}
		return "Orchestrator.ProcessingFailed"
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
