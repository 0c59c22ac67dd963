package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/romancircus/jinyang/internal/linear"
)

// modelTag parses a [model=...] override out of the issue description,
// accepting the escaped \[model=...\] form as well.
var modelTag = regexp.MustCompile(`\\?\[model=([A-Za-z0-9_\-/.:]+)\\?\]`)

// ModelOverride extracts the model override from an issue description.
func ModelOverride(description string) string {
	if match := modelTag.FindStringSubmatch(description); match != nil {
		return match[1]
	}
	return ""
}

const promptInstructions = `Work only inside the working directory. Commit your ` +
	`changes with git; every commit message must include the issue identifier. ` +
	`Do not push.`

// BuildPrompt renders the agent prompt for an issue. retryNote, when
// non-empty, is prepended so a fallback provider knows what went wrong.
func BuildPrompt(issue *linear.Issue, worktreePath, retryNote string) string {
	var sb strings.Builder
	if retryNote != "" {
		fmt.Fprintf(&sb, "[Previous attempt failed with: %s]\n\n", retryNote)
	}
	fmt.Fprintf(&sb, "Issue %s: %s\n\n", issue.Identifier, issue.Title)
	if issue.Description != "" {
		sb.WriteString(issue.Description)
		sb.WriteString("\n\n")
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(issue.Labels, ", "))
	}
	fmt.Fprintf(&sb, "Working directory: %s\n\n", worktreePath)
	sb.WriteString(promptInstructions)
	return sb.String()
}
