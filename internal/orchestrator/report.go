package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// SpawnResult is the outcome summary reported back to the issue tracker.
type SpawnResult struct {
	Success      bool
	Provider     string
	CommitHash   string
	FilesChanged int
	Duration     time.Duration
	WorktreePath string
	ErrorKind    string
	ErrorDetail  string
}

// successComment formats the terminal comment for a completed issue.
func successComment(result SpawnResult) string {
	var sb strings.Builder
	sb.WriteString("Agent execution completed.\n\n")
	fmt.Fprintf(&sb, "- Provider: %s\n", result.Provider)
	if result.CommitHash != "" {
		fmt.Fprintf(&sb, "- Commit: `%s`\n", result.CommitHash)
	}
	fmt.Fprintf(&sb, "- Files changed: %d\n", result.FilesChanged)
	fmt.Fprintf(&sb, "- Duration: %s\n", result.Duration.Round(time.Second))
	return sb.String()
}

// failureComment formats the terminal comment for a failed issue. The
// worktree is preserved, so the path goes into the comment for inspection.
func failureComment(result SpawnResult) string {
	var sb strings.Builder
	sb.WriteString("Agent execution failed.\n\n")
	if result.ErrorKind != "" {
		fmt.Fprintf(&sb, "- Error: %s\n", result.ErrorKind)
	}
	if result.ErrorDetail != "" {
		fmt.Fprintf(&sb, "- Detail: %s\n", truncate(result.ErrorDetail, 600))
	}
	if result.WorktreePath != "" {
		fmt.Fprintf(&sb, "- Worktree preserved at: `%s`\n", result.WorktreePath)
	}
	if result.Provider != "" {
		fmt.Fprintf(&sb, "- Last provider: %s\n", result.Provider)
	}
	return sb.String()
}

// elicitationComment asks a human to pick among candidate repositories.
func elicitationComment(candidates []string) string {
	var sb strings.Builder
	sb.WriteString("Multiple repositories match this issue. Reply with one of:\n\n")
	for _, name := range candidates {
		fmt.Fprintf(&sb, "- `%s`\n", name)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
