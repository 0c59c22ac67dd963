package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresProviders(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.Providers = []ProviderConfig{{Name: "p1", Type: "opencode", Enabled: true}}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsDuplicateProviderNames(t *testing.T) {
	cfg := &Config{Providers: []ProviderConfig{
		{Name: "p1", Type: "opencode"},
		{Name: "p1", Type: "chat"},
	}}
	assert.Error(t, cfg.Validate())
}

func TestLoadRepositoriesFileMerges(t *testing.T) {
	file := filepath.Join(t.TempDir(), "repos.yaml")
	content := `repositories:
  - id: r-extra
    name: extra
    localPath: /srv/extra
    baseBranch: main
    teamKeys: [EXT]
  - id: r-inline
    name: shadowed
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	cfg := &Config{
		RepositoriesFile: file,
		Repositories: []RepositoryConfig{
			{ID: "r-inline", Name: "inline"},
		},
	}
	require.NoError(t, cfg.LoadRepositoriesFile())
	require.Len(t, cfg.Repositories, 2)

	// The inline definition wins over the file's duplicate.
	assert.Equal(t, "inline", cfg.Repositories[0].Name)
	assert.Equal(t, "extra", cfg.Repositories[1].Name)
	assert.Equal(t, []string{"EXT"}, cfg.Repositories[1].TeamKeys)
}

func TestLoadRepositoriesFileMissing(t *testing.T) {
	cfg := &Config{RepositoriesFile: "/does/not/exist.yaml"}
	assert.Error(t, cfg.LoadRepositoriesFile())

	cfg = &Config{}
	assert.NoError(t, cfg.LoadRepositoriesFile())
}
