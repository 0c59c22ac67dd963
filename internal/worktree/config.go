package worktree

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BranchPrefix is the fixed prefix for issue branches.
const BranchPrefix = "linear/"

// defaultSlug is used when an issue title sanitizes to nothing.
const defaultSlug = "issue"

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the base directory for worktree storage.
	// Supports ~ expansion. Default: ~/.agent/worktrees
	BasePath string `mapstructure:"basePath"`

	// MinFreeMB is the minimum free disk space required before a create.
	MinFreeMB int `mapstructure:"minFreeMB"`

	// OrphanHours is the age after which unregistered worktree directories
	// are removed by CleanupOrphaned.
	OrphanHours int `mapstructure:"orphanHours"`
}

// Validate applies defaults and returns an error if invalid.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = "~/.agent/worktrees"
	}
	if c.MinFreeMB <= 0 {
		c.MinFreeMB = 100
	}
	if c.OrphanHours <= 0 {
		c.OrphanHours = 24
	}
	return nil
}

// ExpandedBasePath returns the base path with ~ expanded.
func (c *Config) ExpandedBasePath() (string, error) {
	return ExpandHome(c.BasePath)
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

var nonBranchChars = regexp.MustCompile(`[^a-z0-9-]+`)
var hyphenRuns = regexp.MustCompile(`-+`)

// Slugify converts an issue title into a branch-name component: lowercased,
// non-alphanumerics replaced with hyphens, runs collapsed, trimmed. Returns
// "issue" when nothing survives.
func Slugify(title string) string {
	slug := strings.ToLower(title)
	slug = nonBranchChars.ReplaceAllString(slug, "-")
	slug = hyphenRuns.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		return defaultSlug
	}
	return slug
}

// BranchName returns the branch name for an issue: linear/{issueID}-{slug}.
func BranchName(issueID, title string) string {
	return BranchPrefix + issueID + "-" + Slugify(title)
}
