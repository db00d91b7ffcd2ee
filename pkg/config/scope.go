package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ScopeFileVersion is the current scope file schema version.
const ScopeFileVersion = 1

// scopeRelPath locates the scope file inside a repository.
var scopeRelPath = filepath.Join(".falcon", "config.yaml")

// WorkspaceScope names the workspace a repository belongs to.
type WorkspaceScope struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// ProjectScope names the project inside the workspace.
type ProjectScope struct {
	Name string `yaml:"name"`
}

// Scope is the per-repository .falcon/config.yaml, written by init and
// read during scope resolution.
type Scope struct {
	Version     int            `yaml:"version"`
	WorkspaceID string         `yaml:"workspaceId"`
	ProjectID   string         `yaml:"projectId"`
	Workspace   WorkspaceScope `yaml:"workspace"`
	Project     ProjectScope   `yaml:"project"`
}

// ScopePath returns the scope file path for a repository root.
func ScopePath(repoRoot string) string {
	return filepath.Join(repoRoot, scopeRelPath)
}

// LoadScope reads and validates the scope file at the repository root.
func LoadScope(repoRoot string) (*Scope, error) {
	raw, err := os.ReadFile(ScopePath(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("read scope file: %w", err)
	}
	var s Scope
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scope file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteScope writes the scope file, creating .falcon/ if needed. Refuses
// to overwrite an existing scope: a repository is initialized once.
func WriteScope(repoRoot string, s *Scope) error {
	if err := s.Validate(); err != nil {
		return err
	}
	path := ScopePath(repoRoot)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("repository already initialized: %s exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create .falcon dir: %w", err)
	}
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scope file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write scope file: %w", err)
	}
	return nil
}

// Validate checks the scope file's required fields.
func (s *Scope) Validate() error {
	if s.Version != ScopeFileVersion {
		return NewValidationError("version", fmt.Sprintf("must be %d", ScopeFileVersion))
	}
	if s.WorkspaceID == "" {
		return NewValidationError("workspaceId", "must not be empty")
	}
	if s.ProjectID == "" {
		return NewValidationError("projectId", "must not be empty")
	}
	if s.Workspace.Slug == "" {
		return NewValidationError("workspace.slug", "must not be empty")
	}
	return nil
}
