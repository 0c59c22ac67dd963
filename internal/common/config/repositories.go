package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// repositoriesFile is the shape of the standalone routing definitions file.
type repositoriesFile struct {
	Repositories []RepositoryConfig `yaml:"repositories"`
}

// LoadRepositoriesFile reads repository routing definitions from a YAML file
// and appends them to the inline Repositories section. Duplicate IDs keep the
// inline definition.
func (c *Config) LoadRepositoriesFile() error {
	if c.RepositoriesFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.RepositoriesFile)
	if err != nil {
		return fmt.Errorf("read repositories file: %w", err)
	}

	var file repositoriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse repositories file: %w", err)
	}

	known := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		known[r.ID] = true
	}
	for _, r := range file.Repositories {
		if r.ID == "" {
			return fmt.Errorf("repositories file: entry with empty id")
		}
		if known[r.ID] {
			continue
		}
		c.Repositories = append(c.Repositories, r)
		known[r.ID] = true
	}
	return nil
}
