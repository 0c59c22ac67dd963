// Package repos selects the source repository for a work item using
// multi-priority matching over webhook payloads.
package repos

import (
	"fmt"
	"strings"

	"github.com/romancircus/jinyang/internal/common/config"
)

// Repository is a routable source repository.
type Repository struct {
	ID            string
	Name          string
	LocalPath     string
	BaseBranch    string
	GithubURL     string
	WorkspaceID   string
	RoutingLabels []string
	ProjectKeys   []string
	TeamKeys      []string
}

// FromConfig converts repository configs into the internal model, enforcing
// the at-most-one-catch-all-per-workspace invariant.
func FromConfig(cfgs []config.RepositoryConfig) ([]*Repository, error) {
	repositories := make([]*Repository, 0, len(cfgs))
	catchAll := make(map[string]string) // workspace -> repo id

	for _, cfg := range cfgs {
		repo := &Repository{
			ID:            cfg.ID,
			Name:          cfg.Name,
			LocalPath:     cfg.LocalPath,
			BaseBranch:    cfg.BaseBranch,
			GithubURL:     cfg.GithubURL,
			WorkspaceID:   cfg.WorkspaceID,
			RoutingLabels: cfg.RoutingLabels,
			ProjectKeys:   cfg.ProjectKeys,
			TeamKeys:      cfg.TeamKeys,
		}
		if repo.BaseBranch == "" {
			repo.BaseBranch = "main"
		}
		if repo.IsCatchAll() {
			if existing, ok := catchAll[repo.WorkspaceID]; ok {
				return nil, fmt.Errorf("repos: workspace %q has two catch-all repositories (%s, %s)",
					repo.WorkspaceID, existing, repo.ID)
			}
			catchAll[repo.WorkspaceID] = repo.ID
		}
		repositories = append(repositories, repo)
	}
	return repositories, nil
}

// IsCatchAll reports whether the repository has no routing metadata at all.
func (r *Repository) IsCatchAll() bool {
	return len(r.RoutingLabels) == 0 && len(r.ProjectKeys) == 0 && len(r.TeamKeys) == 0
}

// HasRoutingLabel reports whether any of the given labels is a routing label.
func (r *Repository) HasRoutingLabel(labels []string) bool {
	for _, want := range r.RoutingLabels {
		for _, have := range labels {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// HasProject reports whether the project name is one of the repo's keys.
func (r *Repository) HasProject(project string) bool {
	for _, key := range r.ProjectKeys {
		if strings.EqualFold(key, project) {
			return true
		}
	}
	return false
}

// HasTeamKey reports whether the team key is one of the repo's keys.
func (r *Repository) HasTeamKey(teamKey string) bool {
	for _, key := range r.TeamKeys {
		if strings.EqualFold(key, teamKey) {
			return true
		}
	}
	return false
}

// MatchesTag reports whether a [repo=...] tag value names this repository:
// githubUrl substring, name case-insensitive equal, or exact ID.
func (r *Repository) MatchesTag(value string) bool {
	if r.GithubURL != "" && strings.Contains(strings.ToLower(r.GithubURL), strings.ToLower(value)) {
		return true
	}
	if strings.EqualFold(r.Name, value) {
		return true
	}
	return r.ID == value
}
