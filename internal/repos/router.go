package repos

import (
	"context"
	"os"
	"regexp"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/linear"
)

// RouteMethod names the rule that selected a repository.
type RouteMethod string

const (
	MethodDescriptionTag    RouteMethod = "description-tag"
	MethodLabel             RouteMethod = "label"
	MethodProject           RouteMethod = "project"
	MethodTeam              RouteMethod = "team"
	MethodTeamPrefix        RouteMethod = "team-prefix"
	MethodCatchAll          RouteMethod = "catch-all"
	MethodWorkspaceFallback RouteMethod = "workspace-fallback"
	MethodCached            RouteMethod = "cached"
)

// RouteResult is the routing outcome: exactly one of Repository (selected),
// Candidates (needs selection), or neither (none).
type RouteResult struct {
	Repository *Repository
	Method     RouteMethod
	Candidates []*Repository
}

// Selected reports whether routing picked a repository.
func (r RouteResult) Selected() bool { return r.Repository != nil }

// NeedsSelection reports whether routing requires a human choice.
func (r RouteResult) NeedsSelection() bool { return len(r.Candidates) > 0 }

// descriptionTag matches [repo=X] and the escaped \[repo=X\] form. The
// character class for X is part of the external contract.
var descriptionTag = regexp.MustCompile(`\\?\[repo=([A-Za-z0-9_\-/.]+)\\?\]`)

// pendingSelection tracks an elicitation awaiting a user response.
type pendingSelection struct {
	IssueID    string
	Candidates []*Repository
}

// Router selects a repository for each work item. It owns the issue→repo
// cache and the pending elicitation map.
type Router struct {
	repositories []*Repository
	tracker      linear.Client
	logger       *logger.Logger

	// issueRepo caches issueID -> repository ID. Entries for deleted
	// repositories are evicted lazily on the next lookup.
	issueRepo *gocache.Cache

	mu      sync.Mutex
	pending map[string]pendingSelection // agentSessionID -> elicitation
}

// NewRouter creates a repository router.
func NewRouter(repositories []*Repository, tracker linear.Client, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		repositories: repositories,
		tracker:      tracker,
		logger:       log.WithFields(zap.String("component", "repo-router")),
		issueRepo:    gocache.New(gocache.NoExpiration, 0),
		pending:      make(map[string]pendingSelection),
	}
}

// Repositories returns all configured repositories.
func (r *Router) Repositories() []*Repository {
	return r.repositories
}

// byID returns the configured repository with the given ID, or nil. It does
// not check the disk; repoUsable does.
func (r *Router) byID(id string) *Repository {
	for _, repo := range r.repositories {
		if repo.ID == id {
			return repo
		}
	}
	return nil
}

// repoUsable reports whether the repository's local path still exists.
func repoUsable(repo *Repository) bool {
	if repo == nil {
		return false
	}
	info, err := os.Stat(repo.LocalPath)
	return err == nil && info.IsDir()
}

// Route resolves the repository for a webhook-delivered issue. Rules apply
// in priority order; the first match wins and updates the cache.
func (r *Router) Route(ctx context.Context, issue *linear.Issue, agentSessionID string) RouteResult {
	if issue == nil {
		return RouteResult{}
	}

	// 0. Cache hit. Stale entries (repo deleted) are evicted and routing
	// falls through to the full rule chain.
	if cached, ok := r.issueRepo.Get(issue.ID); ok {
		repo := r.byID(cached.(string))
		if repoUsable(repo) {
			return RouteResult{Repository: repo, Method: MethodCached}
		}
		r.issueRepo.Delete(issue.ID)
	}

	if result := r.route(ctx, issue); result.Selected() {
		r.issueRepo.Set(issue.ID, result.Repository.ID, gocache.DefaultExpiration)
		r.logger.Info("routed issue to repository",
			zap.String("issue_id", issue.Identifier),
			zap.String("repository", result.Repository.Name),
			zap.String("method", string(result.Method)))
		return result
	}

	// Unresolved: a single-repository workspace still has an obvious answer.
	if len(r.repositories) == 1 {
		repo := r.repositories[0]
		r.issueRepo.Set(issue.ID, repo.ID, gocache.DefaultExpiration)
		return RouteResult{Repository: repo, Method: MethodWorkspaceFallback}
	}
	if len(r.repositories) == 0 {
		return RouteResult{}
	}

	candidates := make([]*Repository, len(r.repositories))
	copy(candidates, r.repositories)
	if agentSessionID != "" {
		r.mu.Lock()
		r.pending[agentSessionID] = pendingSelection{IssueID: issue.ID, Candidates: candidates}
		r.mu.Unlock()
	}
	return RouteResult{Candidates: candidates}
}

// route applies rules 1-6.
func (r *Router) route(ctx context.Context, issue *linear.Issue) RouteResult {
	// 1. Description tag.
	description := issue.Description
	if description == "" && r.tracker != nil {
		if fetched, err := r.tracker.FetchIssueDescription(ctx, issue.ID); err == nil {
			description = fetched
		}
	}
	if match := descriptionTag.FindStringSubmatch(description); match != nil {
		for _, repo := range r.repositories {
			if repo.MatchesTag(match[1]) {
				return RouteResult{Repository: repo, Method: MethodDescriptionTag}
			}
		}
	}

	// 2. Routing labels.
	labels := issue.Labels
	if len(labels) == 0 && r.tracker != nil {
		if fetched, err := r.tracker.FetchIssueLabels(ctx, issue.ID); err == nil {
			labels = fetched
		}
	}
	if len(labels) > 0 {
		for _, repo := range r.repositories {
			if repo.HasRoutingLabel(labels) {
				return RouteResult{Repository: repo, Method: MethodLabel}
			}
		}
	}

	// 3. Project.
	project := issue.Project
	if project == "" && r.tracker != nil {
		if fetched, err := r.tracker.GetIssue(ctx, issue.ID); err == nil {
			project = fetched.Project
		}
	}
	if project != "" {
		for _, repo := range r.repositories {
			if repo.HasProject(project) {
				return RouteResult{Repository: repo, Method: MethodProject}
			}
		}
	}

	// 4. Team key from the webhook.
	if issue.TeamKey != "" {
		for _, repo := range r.repositories {
			if repo.HasTeamKey(issue.TeamKey) {
				return RouteResult{Repository: repo, Method: MethodTeam}
			}
		}
	}

	// 5. Team prefix from the identifier (PREFIX-NUMBER).
	if prefix := identifierPrefix(issue.Identifier); prefix != "" {
		for _, repo := range r.repositories {
			if repo.HasTeamKey(prefix) {
				return RouteResult{Repository: repo, Method: MethodTeamPrefix}
			}
		}
	}

	// 6. Catch-all: the unique repository with no routing metadata.
	for _, repo := range r.repositories {
		if repo.IsCatchAll() {
			return RouteResult{Repository: repo, Method: MethodCatchAll}
		}
	}

	return RouteResult{}
}

var identifierPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)-\d+$`)

func identifierPrefix(identifier string) string {
	if match := identifierPattern.FindStringSubmatch(identifier); match != nil {
		return match[1]
	}
	return ""
}

// SelectFromResponse resolves a pending elicitation with the user's answer.
// The value matches githubUrl first, then name; an unrecognized answer falls
// back to the first candidate. The pending entry is cleared either way.
func (r *Router) SelectFromResponse(agentSessionID, value string) (*Repository, bool) {
	r.mu.Lock()
	pending, ok := r.pending[agentSessionID]
	if ok {
		delete(r.pending, agentSessionID)
	}
	r.mu.Unlock()

	if !ok || len(pending.Candidates) == 0 {
		return nil, false
	}

	selected := pending.Candidates[0]
	matched := false
	if value != "" {
		for _, repo := range pending.Candidates {
			if repo.GithubURL != "" && strings.Contains(strings.ToLower(repo.GithubURL), strings.ToLower(value)) {
				selected, matched = repo, true
				break
			}
		}
		if !matched {
			for _, repo := range pending.Candidates {
				if strings.EqualFold(repo.Name, value) {
					selected = repo
					break
				}
			}
		}
	}

	r.issueRepo.Set(pending.IssueID, selected.ID, gocache.DefaultExpiration)
	r.logger.Info("resolved repository from elicitation response",
		zap.String("issue_id", pending.IssueID),
		zap.String("repository", selected.Name))
	return selected, true
}

// ClearPending drops all pending elicitations. Called at shutdown.
func (r *Router) ClearPending() {
	r.mu.Lock()
	r.pending = make(map[string]pendingSelection)
	r.mu.Unlock()
}

// PendingCount returns the number of unresolved elicitations.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
