// Package config resolves the cluster identifier and file-sync settings
// from the environment and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvClusterID overrides the config file's cluster id. Endpoint credentials
// are resolved by the channel layer and never live in the config file.
const EnvClusterID = "REMOTECELL_CLUSTER_ID"

// MetadataDirName is the tool's local state directory under the source root.
// It holds the persisted sync manifest and is always excluded from sync.
const MetadataDirName = ".remotecell"

// SyncConfig controls what the sync engine ships to the cluster.
type SyncConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	Source        string   `yaml:"source"`
	Exclude       []string `yaml:"exclude"`
	MaxSizeMB     float64  `yaml:"maxSizeMB"`
	MaxFileSizeMB float64  `yaml:"maxFileSizeMB"`
	UseGitignore  *bool    `yaml:"useGitignore"`
}

// SyncEnabled reports the effective enabled flag (default true).
func (s SyncConfig) SyncEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// GitignoreEnabled reports whether .gitignore rules apply (default true).
func (s SyncConfig) GitignoreEnabled() bool {
	return s.UseGitignore == nil || *s.UseGitignore
}

// Config is the resolved kernel configuration.
type Config struct {
	ClusterID string     `yaml:"clusterID"`
	Sync      SyncConfig `yaml:"sync"`
}

// DefaultConfigPath is where Load looks when no explicit path is given.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "remotecell.yaml"
	}
	return filepath.Join(cwd, "remotecell.yaml")
}

// Load resolves configuration in precedence order: a .env file in the
// working directory (best-effort), the YAML config file, then environment
// variables. A missing config file yields defaults; a malformed one is an
// error. Env always beats the file for the cluster id.
func Load(path string) (*Config, error) {
	// Convenience for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{Sync: SyncConfig{Source: "."}}

	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultConfigPath()
	}
	data, err := os.ReadFile(trimmed)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if uerr := yaml.Unmarshal(data, cfg); uerr != nil {
			return nil, fmt.Errorf("parse config %s: %w", trimmed, uerr)
		}
		if strings.TrimSpace(cfg.Sync.Source) == "" {
			cfg.Sync.Source = "."
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvClusterID)); v != "" {
		cfg.ClusterID = v
	}
	return cfg, nil
}

// SourceRoot returns the absolute sync source directory.
func (c *Config) SourceRoot() (string, error) {
	src := strings.TrimSpace(c.Sync.Source)
	if src == "" {
		src = "."
	}
	if filepath.IsAbs(src) {
		return filepath.Clean(src), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, src), nil
}

// Validate returns human-readable problems with the configuration. An empty
// slice means the config is usable.
func (c *Config) Validate() []string {
	var problems []string
	if strings.TrimSpace(c.ClusterID) == "" {
		problems = append(problems, fmt.Sprintf(
			"cluster id is not configured; set %s or clusterID in the config file", EnvClusterID))
	}
	if c.Sync.MaxSizeMB < 0 {
		problems = append(problems, "sync.maxSizeMB must be a positive number")
	}
	if c.Sync.MaxFileSizeMB < 0 {
		problems = append(problems, "sync.maxFileSizeMB must be a positive number")
	}
	return problems
}
