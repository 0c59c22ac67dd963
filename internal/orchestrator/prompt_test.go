package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/romancircus/jinyang/internal/linear"
)

func TestBuildPrompt(t *testing.T) {
	issue := &linear.Issue{
		Identifier:  "ROM-1",
		Title:       "Create hello.txt",
		Description: "Create hello.txt with body 'Hello World'",
		Labels:      []string{"agent:auto"},
	}

	prompt := BuildPrompt(issue, "/tmp/wt/ROM-1", "")
	assert.Contains(t, prompt, "Issue ROM-1: Create hello.txt")
	assert.Contains(t, prompt, "Hello World")
	assert.Contains(t, prompt, "Labels: agent:auto")
	assert.Contains(t, prompt, "/tmp/wt/ROM-1")
	assert.NotContains(t, prompt, "Previous attempt failed")
}

func TestBuildPromptWithRetryNote(t *testing.T) {
	issue := &linear.Issue{Identifier: "ROM-2", Title: "x"}
	prompt := BuildPrompt(issue, "/tmp/wt", "network timeout")
	assert.Contains(t, prompt, "[Previous attempt failed with: network timeout]")
}

func TestModelOverride(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4", ModelOverride("fix this [model=claude-sonnet-4] please"))
	assert.Equal(t, "gpt-4.1", ModelOverride(`use \[model=gpt-4.1\]`))
	assert.Empty(t, ModelOverride("no override here"))
}
