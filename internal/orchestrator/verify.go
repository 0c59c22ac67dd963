package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/romancircus/jinyang/internal/git"
)

// CheckStatus is the outcome of one verification check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckSkip    CheckStatus = "skip"
	CheckPending CheckStatus = "pending"
)

// Check is one named verification step.
type Check struct {
	Name    string         `json:"name"`
	Status  CheckStatus    `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// VerificationReport proves (or disproves) that the agent produced a new,
// properly labelled commit and left real files behind.
type VerificationReport struct {
	Success        bool     `json:"success"`
	IssueID        string   `json:"issue_id"`
	BaselineCommit string   `json:"baseline_commit,omitempty"`
	CurrentCommit  string   `json:"current_commit,omitempty"`
	Checks         []Check  `json:"checks"`
	FilesVerified  []string `json:"files_verified,omitempty"`
	FilesMissing   []string `json:"files_missing,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// VerificationError carries the failing report to the caller.
type VerificationError struct {
	Report *VerificationReport
}

func (e *VerificationError) Error() string {
	if len(e.Report.Errors) > 0 {
		return "verification failed: " + strings.Join(e.Report.Errors, "; ")
	}
	return "verification failed"
}

// defaultExcludes are never counted as agent-produced files.
var defaultExcludes = map[string]bool{
	".git":         true,
	"node_modules": true,
	".cache":       true,
	".tmp":         true,
}

var fortyHex = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Verifier runs post-execution checks against a worktree.
type Verifier struct {
	git *git.Service

	// ExcludePatterns extends the default directory exclusions.
	ExcludePatterns []string
}

// NewVerifier creates a verifier.
func NewVerifier(gitSvc *git.Service) *Verifier {
	return &Verifier{git: gitSvc}
}

// Verify runs the git_commit and files_exist checks. Both must pass. The
// report is always returned; on failure the error is a *VerificationError
// wrapping the same report.
func (v *Verifier) Verify(ctx context.Context, worktreePath, baselineCommit, issueID string) (*VerificationReport, error) {
	report := &VerificationReport{
		IssueID:        issueID,
		BaselineCommit: baselineCommit,
	}

	report.Checks = append(report.Checks, v.checkCommit(ctx, worktreePath, baselineCommit, issueID, report))
	report.Checks = append(report.Checks, v.checkFiles(worktreePath, report))

	report.Success = true
	for _, check := range report.Checks {
		if check.Status == CheckFail {
			report.Success = false
		}
	}
	if !report.Success {
		return report, &VerificationError{Report: report}
	}
	return report, nil
}

// checkCommit validates that HEAD names a real commit, differs from the
// baseline when one exists, and carries the issue identifier in its message.
// A repository with no baseline (brand new) degrades to "valid HEAD exists".
func (v *Verifier) checkCommit(ctx context.Context, worktreePath, baselineCommit, issueID string, report *VerificationReport) Check {
	check := Check{Name: "git_commit", Status: CheckPass}

	head := v.git.GetCurrentCommit(ctx, worktreePath)
	report.CurrentCommit = head

	fail := func(message string) Check {
		check.Status = CheckFail
		check.Message = message
		check.Details = map[string]any{
			"baselineCommit": baselineCommit,
			"currentCommit":  head,
		}
		report.Errors = append(report.Errors, message)
		return check
	}

	if head == "" || !fortyHex.MatchString(head) {
		return fail("HEAD is not a valid 40-hex commit")
	}
	if !v.git.IsValidCommit(ctx, worktreePath, head) {
		return fail(fmt.Sprintf("HEAD %s is not a commit object", head))
	}
	if baselineCommit != "" && head == baselineCommit {
		return fail("no new commit: HEAD equals baseline")
	}
	if !v.git.VerifyCommitMessageContainsIssueID(ctx, worktreePath, head, issueID) {
		return fail(fmt.Sprintf("commit message does not reference %s", issueID))
	}
	return check
}

// checkFiles requires at least one non-excluded file and that every
// enumerated file stats as a regular file.
func (v *Verifier) checkFiles(worktreePath string, report *VerificationReport) Check {
	check := Check{Name: "files_exist", Status: CheckPass}

	var verified, missing []string
	err := filepath.WalkDir(worktreePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != worktreePath && v.excluded(name) {
				return filepath.SkipDir
			}
			return nil
		}
		info, statErr := os.Stat(path)
		rel, _ := filepath.Rel(worktreePath, path)
		if statErr != nil || !info.Mode().IsRegular() {
			missing = append(missing, rel)
			return nil
		}
		verified = append(verified, rel)
		return nil
	})

	report.FilesVerified = verified
	report.FilesMissing = missing

	fail := func(message string) Check {
		check.Status = CheckFail
		check.Message = message
		report.Errors = append(report.Errors, message)
		return check
	}

	if err != nil {
		return fail(fmt.Sprintf("worktree scan failed: %v", err))
	}
	if len(missing) > 0 {
		return fail(fmt.Sprintf("%d files are not regular files", len(missing)))
	}
	if len(verified) == 0 {
		return fail("worktree contains no files")
	}
	return check
}

func (v *Verifier) excluded(name string) bool {
	if defaultExcludes[name] {
		return true
	}
	for _, pattern := range v.ExcludePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
