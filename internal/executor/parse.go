package executor

import (
	"regexp"
	"strings"

	"github.com/romancircus/jinyang/pkg/agentapi"
)

// ParseStatus summarizes a parsed event list.
type ParseStatus string

const (
	ParseSuccess    ParseStatus = "success"
	ParseFailure    ParseStatus = "failure"
	ParseIncomplete ParseStatus = "incomplete"
)

// ParsedEvents is the extraction of file and git operations from an event
// stream. Parsing is idempotent: the same events yield the same result.
type ParsedEvents struct {
	GitCommits []GitCommit
	Files      []string
	Errors     []string
	Status     ParseStatus
}

var (
	fullSHA  = regexp.MustCompile(`\b[0-9a-f]{40}\b`)
	shortSHA = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	// bashCommit matches `git commit -m "..."` invocations in bash tool calls.
	bashCommit = regexp.MustCompile(`git\s+commit\b[^|;&]*-m\s+(?:"([^"]+)"|'([^']+)'|(\S+))`)
)

// ParseEvents walks provider events and extracts git commits (git_commit
// tool calls and git commit bash invocations), touched files (deduplicated,
// in first-seen order), and session failures.
func ParseEvents(events []agentapi.Event) ParsedEvents {
	var parsed ParsedEvents
	seen := make(map[string]bool)

	addFile := func(file string) {
		if file == "" || seen[file] {
			return
		}
		seen[file] = true
		parsed.Files = append(parsed.Files, file)
	}

	for _, event := range events {
		switch event.Type {
		case agentapi.EventFileEdited:
			addFile(event.Properties.File)

		case agentapi.EventMessageUpdated:
			if event.Properties.Summary != nil {
				for _, diff := range event.Properties.Summary.Diffs {
					addFile(diff.File)
				}
			}

		case agentapi.EventSessionError:
			msg := event.Properties.Error
			if msg == "" {
				msg = event.Properties.Message
			}
			if msg == "" {
				msg = "session error"
			}
			parsed.Errors = append(parsed.Errors, msg)

		case agentapi.EventToolCall:
			parseToolCall(event, &parsed, addFile)
		}
	}

	switch {
	case len(parsed.Errors) > 0:
		parsed.Status = ParseFailure
	case len(parsed.GitCommits) > 0 || len(parsed.Files) > 0:
		parsed.Status = ParseSuccess
	default:
		parsed.Status = ParseIncomplete
	}
	return parsed
}

func parseToolCall(event agentapi.Event, parsed *ParsedEvents, addFile func(string)) {
	props := event.Properties
	switch props.Tool {
	case agentapi.ToolGitCommit:
		commit := GitCommit{
			SHA:     extractSHA(props.Output),
			Message: stringInput(props.Input, "message"),
		}
		parsed.GitCommits = append(parsed.GitCommits, commit)

	case agentapi.ToolBash:
		command := stringInput(props.Input, "command")
		if match := bashCommit.FindStringSubmatch(command); match != nil {
			message := match[1]
			if message == "" {
				message = match[2]
			}
			if message == "" {
				message = match[3]
			}
			parsed.GitCommits = append(parsed.GitCommits, GitCommit{
				SHA:     extractSHA(props.Output),
				Message: message,
			})
		}

	case agentapi.ToolWriteFile, agentapi.ToolEditFile:
		addFile(stringInput(props.Input, "path"))
	}
}

// extractSHA pulls a commit SHA out of tool output, preferring a full
// 40-hex match over an abbreviated one.
func extractSHA(output string) string {
	lower := strings.ToLower(output)
	if match := fullSHA.FindString(lower); match != "" {
		return match
	}
	return shortSHA.FindString(lower)
}

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if value, ok := input[key].(string); ok {
		return value
	}
	return ""
}
