// Package worktree maps (home, project, agent) onto the on-disk layout and
// provisions per-agent repository checkouts.
//
// Layout under the falcon home:
//
//	projects/<projectSlug>/
//	  primary/             canonical checkout, source of shared caches
//	  agents/<agentName>/  exclusive per-agent worktree
//	  issues/<issueId>/    issue-local artifacts
package worktree

import (
	"fmt"
	"path/filepath"
	"strings"
)

// dirMode is used for every directory the provisioner creates. Worktrees
// hold checked-out source and credentials-adjacent git state.
const dirMode = 0o700

// Layout resolves filesystem paths under a validated falcon home.
type Layout struct {
	home string
}

// NewLayout validates home (must be absolute) and returns a Layout.
func NewLayout(home string) (*Layout, error) {
	if home == "" {
		return nil, fmt.Errorf("falcon home is required")
	}
	if !filepath.IsAbs(home) {
		return nil, fmt.Errorf("falcon home must be absolute: %s", home)
	}
	if err := checkComponent("home", home); err != nil {
		return nil, err
	}
	return &Layout{home: filepath.Clean(home)}, nil
}

// Home returns the validated home directory.
func (l *Layout) Home() string { return l.home }

// checkComponent rejects empty values and any ".." path segment. Used for
// both the home path (where ".." anywhere is suspect) and single components.
func checkComponent(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s path component is empty", name)
	}
	for _, seg := range strings.Split(filepath.ToSlash(value), "/") {
		if seg == ".." {
			return fmt.Errorf("%s path component contains '..': %s", name, value)
		}
	}
	return nil
}

// checkSingle validates a single path component: non-empty, no separator,
// no ".." and not absolute.
func checkSingle(name, value string) error {
	if err := checkComponent(name, value); err != nil {
		return err
	}
	if filepath.IsAbs(value) {
		return fmt.Errorf("%s path component must be relative: %s", name, value)
	}
	if strings.ContainsRune(value, filepath.Separator) || strings.ContainsRune(value, '/') {
		return fmt.Errorf("%s path component contains a separator: %s", name, value)
	}
	return nil
}

// ProjectDir returns projects/<slug> for a validated slug.
func (l *Layout) ProjectDir(projectSlug string) (string, error) {
	if err := checkSingle("project slug", projectSlug); err != nil {
		return "", err
	}
	return filepath.Join(l.home, "projects", projectSlug), nil
}

// PrimaryDir returns the canonical checkout for a project.
func (l *Layout) PrimaryDir(projectSlug string) (string, error) {
	dir, err := l.ProjectDir(projectSlug)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "primary"), nil
}

// AgentDir returns the exclusive worktree for one agent.
func (l *Layout) AgentDir(projectSlug, agentName string) (string, error) {
	dir, err := l.ProjectDir(projectSlug)
	if err != nil {
		return "", err
	}
	if err := checkSingle("agent name", agentName); err != nil {
		return "", err
	}
	return filepath.Join(dir, "agents", agentName), nil
}

// IssueDir returns the issue-local artifact directory.
func (l *Layout) IssueDir(projectSlug, issueID string) (string, error) {
	dir, err := l.ProjectDir(projectSlug)
	if err != nil {
		return "", err
	}
	if err := checkSingle("issue id", issueID); err != nil {
		return "", err
	}
	return filepath.Join(dir, "issues", issueID), nil
}

// DatabasePath returns the path of the pm.db store file under home.
func (l *Layout) DatabasePath() string {
	return filepath.Join(l.home, "pm.db")
}
