package repos

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/config"
	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/linear"
)

// fakeTracker serves labels/descriptions/projects the webhook did not carry.
type fakeTracker struct {
	linear.Client
	labels      map[string][]string
	description map[string]string
	project     map[string]string
}

func (f *fakeTracker) FetchIssueLabels(_ context.Context, issueID string) ([]string, error) {
	return f.labels[issueID], nil
}

func (f *fakeTracker) FetchIssueDescription(_ context.Context, issueID string) (string, error) {
	return f.description[issueID], nil
}

func (f *fakeTracker) GetIssue(_ context.Context, issueID string) (*linear.Issue, error) {
	return &linear.Issue{ID: issueID, Project: f.project[issueID]}, nil
}

func tempRepoDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func testRepos(t *testing.T) []*Repository {
	t.Helper()
	alpha := &Repository{
		ID: "r-alpha", Name: "alpha", GithubURL: "org/alpha",
		LocalPath: tempRepoDir(t), BaseBranch: "main",
		RoutingLabels: []string{"backend"},
		TeamKeys:      []string{"ROM"},
	}
	beta := &Repository{
		ID: "r-beta", Name: "beta",
		LocalPath: tempRepoDir(t), BaseBranch: "main",
		ProjectKeys: []string{"Payments"},
	}
	catchall := &Repository{
		ID: "r-misc", Name: "misc",
		LocalPath: tempRepoDir(t), BaseBranch: "main",
	}
	return []*Repository{alpha, beta, catchall}
}

func TestRouteByDescriptionTag(t *testing.T) {
	r := NewRouter(testRepos(t), &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i1", Identifier: "XYZ-1", Description: "please fix [repo=beta] soon"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "beta", result.Repository.Name)
	assert.Equal(t, MethodDescriptionTag, result.Method)
}

func TestRouteByEscapedDescriptionTag(t *testing.T) {
	r := NewRouter(testRepos(t), &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i1", Identifier: "XYZ-1", Description: `fix \[repo=org/alpha\]`}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "alpha", result.Repository.Name)
	assert.Equal(t, MethodDescriptionTag, result.Method)
}

func TestRouteByLabel(t *testing.T) {
	tracker := &fakeTracker{labels: map[string][]string{"i2": {"backend"}}}
	r := NewRouter(testRepos(t), tracker, logger.Default())

	issue := &linear.Issue{ID: "i2", Identifier: "XYZ-2"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "alpha", result.Repository.Name)
	assert.Equal(t, MethodLabel, result.Method)
}

func TestRouteByProject(t *testing.T) {
	tracker := &fakeTracker{project: map[string]string{"i3": "Payments"}}
	r := NewRouter(testRepos(t), tracker, logger.Default())

	issue := &linear.Issue{ID: "i3", Identifier: "XYZ-3"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "beta", result.Repository.Name)
	assert.Equal(t, MethodProject, result.Method)
}

func TestRouteByTeamKey(t *testing.T) {
	r := NewRouter(testRepos(t), &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i4", Identifier: "XYZ-4", TeamKey: "ROM"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "alpha", result.Repository.Name)
	assert.Equal(t, MethodTeam, result.Method)
}

func TestRouteByTeamPrefix(t *testing.T) {
	r := NewRouter(testRepos(t), &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i5", Identifier: "ROM-5"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "alpha", result.Repository.Name)
	assert.Equal(t, MethodTeamPrefix, result.Method)
}

func TestRouteFallsThroughToCatchAll(t *testing.T) {
	r := NewRouter(testRepos(t), &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i6", Identifier: "XYZ-6"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, "misc", result.Repository.Name)
	assert.Equal(t, MethodCatchAll, result.Method)
}

func TestWorkspaceFallbackWithSingleRepo(t *testing.T) {
	only := &Repository{
		ID: "r1", Name: "solo", LocalPath: tempRepoDir(t),
		TeamKeys: []string{"OTHER"},
	}
	r := NewRouter([]*Repository{only}, &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i7", Identifier: "XYZ-7"}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, MethodWorkspaceFallback, result.Method)
}

func TestRoutingIsDeterministic(t *testing.T) {
	tracker := &fakeTracker{labels: map[string][]string{"i8": {"backend"}}}
	r := NewRouter(testRepos(t), tracker, logger.Default())

	issue := &linear.Issue{ID: "i8", Identifier: "XYZ-8"}
	first := r.Route(context.Background(), issue, "")
	second := r.Route(context.Background(), issue, "")
	assert.Equal(t, first.Repository, second.Repository)
	// The second hit comes from the cache.
	assert.Equal(t, MethodCached, second.Method)
}

func TestStaleCacheEvictedWhenRepoDeleted(t *testing.T) {
	repositories := testRepos(t)
	tracker := &fakeTracker{labels: map[string][]string{"i9": {"backend"}}}
	r := NewRouter(repositories, tracker, logger.Default())

	issue := &linear.Issue{ID: "i9", Identifier: "XYZ-9"}
	first := r.Route(context.Background(), issue, "")
	require.Equal(t, "alpha", first.Repository.Name)

	// Deleting alpha's checkout invalidates the cached entry; routing falls
	// through the full chain again.
	require.NoError(t, os.RemoveAll(repositories[0].LocalPath))
	second := r.Route(context.Background(), issue, "")
	require.True(t, second.Selected())
	assert.NotEqual(t, MethodCached, second.Method)
}

func TestNeedsSelectionAndResponse(t *testing.T) {
	two := []*Repository{
		{ID: "r1", Name: "one", GithubURL: "org/one", LocalPath: tempRepoDir(t), TeamKeys: []string{"AAA"}},
		{ID: "r2", Name: "two", GithubURL: "org/two", LocalPath: tempRepoDir(t), TeamKeys: []string{"BBB"}},
	}
	r := NewRouter(two, &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i10", Identifier: "XYZ-10"}
	result := r.Route(context.Background(), issue, "sess-1")
	require.True(t, result.NeedsSelection())
	assert.Len(t, result.Candidates, 2)
	assert.Equal(t, 1, r.PendingCount())

	selected, ok := r.SelectFromResponse("sess-1", "org/two")
	require.True(t, ok)
	assert.Equal(t, "two", selected.Name)
	assert.Equal(t, 0, r.PendingCount())

	// The answer is cached for the issue.
	cached := r.Route(context.Background(), issue, "")
	assert.Equal(t, MethodCached, cached.Method)
	assert.Equal(t, "two", cached.Repository.Name)
}

func TestSelectFromResponseFallsBackToFirstCandidate(t *testing.T) {
	two := []*Repository{
		{ID: "r1", Name: "one", LocalPath: tempRepoDir(t), TeamKeys: []string{"AAA"}},
		{ID: "r2", Name: "two", LocalPath: tempRepoDir(t), TeamKeys: []string{"BBB"}},
	}
	r := NewRouter(two, &fakeTracker{}, logger.Default())
	r.Route(context.Background(), &linear.Issue{ID: "i11", Identifier: "XYZ-11"}, "sess-2")

	selected, ok := r.SelectFromResponse("sess-2", "nonsense")
	require.True(t, ok)
	assert.Equal(t, "one", selected.Name)
}

func TestCatchAllUniquenessEnforced(t *testing.T) {
	_, err := FromConfig([]config.RepositoryConfig{
		{ID: "a", Name: "a", WorkspaceID: "w1"},
		{ID: "b", Name: "b", WorkspaceID: "w1"},
	})
	require.Error(t, err)
}

func TestEmptyIssueFieldsStillTerminate(t *testing.T) {
	r := NewRouter(testRepos(t), &fakeTracker{}, logger.Default())

	issue := &linear.Issue{ID: "i12", Identifier: ""}
	result := r.Route(context.Background(), issue, "")
	require.True(t, result.Selected())
	assert.Equal(t, MethodCatchAll, result.Method)
}

func TestFromConfigDefaultsBaseBranch(t *testing.T) {
	repositories, err := FromConfig([]config.RepositoryConfig{
		{ID: "a", Name: "a", WorkspaceID: "w1", TeamKeys: []string{"X"}, LocalPath: filepath.Join(t.TempDir(), "a")},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", repositories[0].BaseBranch)
}
