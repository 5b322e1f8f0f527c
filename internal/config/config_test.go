package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.Source != "." {
		t.Fatalf("Source = %q, want .", cfg.Sync.Source)
	}
	if !cfg.Sync.SyncEnabled() || !cfg.Sync.GitignoreEnabled() {
		t.Fatalf("sync and gitignore must default to enabled")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotecell.yaml")
	content := `
clusterID: abc-123
sync:
  source: ./src
  exclude:
    - "*.ipynb"
    - data/
  maxSizeMB: 100
  maxFileSizeMB: 10
  useGitignore: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterID != "abc-123" {
		t.Errorf("ClusterID = %q", cfg.ClusterID)
	}
	if cfg.Sync.Source != "./src" {
		t.Errorf("Source = %q", cfg.Sync.Source)
	}
	if len(cfg.Sync.Exclude) != 2 || cfg.Sync.Exclude[0] != "*.ipynb" {
		t.Errorf("Exclude = %v", cfg.Sync.Exclude)
	}
	if cfg.Sync.MaxSizeMB != 100 || cfg.Sync.MaxFileSizeMB != 10 {
		t.Errorf("limits = %v/%v", cfg.Sync.MaxSizeMB, cfg.Sync.MaxFileSizeMB)
	}
	if cfg.Sync.GitignoreEnabled() {
		t.Errorf("useGitignore: false must disable gitignore rules")
	}
	if !cfg.Sync.SyncEnabled() {
		t.Errorf("enabled omitted must default to true")
	}
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotecell.yaml")
	if err := os.WriteFile(path, []byte("clusterID: [unclosed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed config must fail loudly, not fall back to defaults")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remotecell.yaml")
	if err := os.WriteFile(path, []byte("clusterID: from-file\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvClusterID, "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterID != "from-env" {
		t.Fatalf("ClusterID = %q, env must win", cfg.ClusterID)
	}
}

func TestSourceRoot(t *testing.T) {
	abs := t.TempDir()
	cfg := &Config{Sync: SyncConfig{Source: abs}}
	got, err := cfg.SourceRoot()
	if err != nil {
		t.Fatalf("SourceRoot: %v", err)
	}
	if got != filepath.Clean(abs) {
		t.Fatalf("SourceRoot = %q", got)
	}

	cfg = &Config{Sync: SyncConfig{Source: "sub/dir"}}
	got, err = cfg.SourceRoot()
	if err != nil {
		t.Fatalf("SourceRoot: %v", err)
	}
	cwd, _ := os.Getwd()
	if got != filepath.Join(cwd, "sub", "dir") {
		t.Fatalf("SourceRoot = %q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv(EnvClusterID, "")
	cfg := &Config{Sync: SyncConfig{MaxSizeMB: -1}}
	problems := cfg.Validate()
	if len(problems) != 2 {
		t.Fatalf("problems = %v, want cluster id and size limit complaints", problems)
	}
	joined := strings.Join(problems, "\n")
	if !strings.Contains(joined, EnvClusterID) {
		t.Fatalf("cluster id complaint should name %s: %v", EnvClusterID, problems)
	}

	cfg = &Config{ClusterID: "c1"}
	if problems := cfg.Validate(); len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
}
