package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/logger"
	"github.com/romancircus/jinyang/internal/git"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func commitFile(t *testing.T, dir, name, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("content"), 0644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", message)
}

func TestVerifyPassesWithTaggedCommit(t *testing.T) {
	gitSvc := git.NewService(logger.Default())
	verifier := NewVerifier(gitSvc)
	repo := initRepo(t)
	ctx := context.Background()

	baseline := gitSvc.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "hello.txt", "ROM-1: create hello.txt")

	report, err := verifier.Verify(ctx, repo, baseline, "ROM-1")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.NotEqual(t, baseline, report.CurrentCommit)
	assert.Contains(t, report.FilesVerified, "hello.txt")
	for _, check := range report.Checks {
		assert.Equal(t, CheckPass, check.Status, check.Name)
	}
}

func TestVerifyFailsWithoutNewCommit(t *testing.T) {
	gitSvc := git.NewService(logger.Default())
	verifier := NewVerifier(gitSvc)
	repo := initRepo(t)
	ctx := context.Background()

	baseline := gitSvc.GetCurrentCommit(ctx, repo)

	report, err := verifier.Verify(ctx, repo, baseline, "ROM-1")
	require.Error(t, err)
	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.False(t, report.Success)
	assert.Same(t, report, verr.Report)
	assert.Equal(t, CheckFail, report.Checks[0].Status)
	assert.Equal(t, baseline, report.Checks[0].Details["baselineCommit"])
}

func TestVerifyFailsWithoutIssueTag(t *testing.T) {
	gitSvc := git.NewService(logger.Default())
	verifier := NewVerifier(gitSvc)
	repo := initRepo(t)
	ctx := context.Background()

	baseline := gitSvc.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "hello.txt", "some unrelated message")

	_, err := verifier.Verify(ctx, repo, baseline, "ROM-1")
	require.Error(t, err)
}

func TestVerifyNewRepoWithoutBaseline(t *testing.T) {
	gitSvc := git.NewService(logger.Default())
	verifier := NewVerifier(gitSvc)
	repo := initRepo(t)
	ctx := context.Background()

	// No baseline: the new-commit check degrades to "valid HEAD exists".
	runGit(t, repo, "commit", "--amend", "-m", "ROM-2: initial")
	report, err := verifier.Verify(ctx, repo, "", "ROM-2")
	require.NoError(t, err)
	assert.True(t, report.Success)
}

func TestVerifyExcludesNoiseDirectories(t *testing.T) {
	gitSvc := git.NewService(logger.Default())
	verifier := NewVerifier(gitSvc)
	repo := initRepo(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(repo, "node_modules", "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "node_modules", "pkg", "index.js"), []byte("x"), 0644))

	baseline := gitSvc.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "main.go", "ROM-3: add main")

	report, err := verifier.Verify(ctx, repo, baseline, "ROM-3")
	require.NoError(t, err)
	for _, file := range report.FilesVerified {
		assert.NotContains(t, file, "node_modules")
	}
}

func TestVerifyIsDeterministic(t *testing.T) {
	gitSvc := git.NewService(logger.Default())
	verifier := NewVerifier(gitSvc)
	repo := initRepo(t)
	ctx := context.Background()

	baseline := gitSvc.GetCurrentCommit(ctx, repo)
	commitFile(t, repo, "hello.txt", "ROM-4: hello")

	first, err := verifier.Verify(ctx, repo, baseline, "ROM-4")
	require.NoError(t, err)
	second, err := verifier.Verify(ctx, repo, baseline, "ROM-4")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
