package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/falcon-pm/falcon/pkg/gitsync"
)

// sharedLinks are the entries linked from primary/ into each agent
// worktree so agents share dependency and orchestrator caches instead of
// re-downloading them per worktree.
var sharedLinks = []string{"node_modules", filepath.Join(".falcon", "CORE")}

// Provisioner creates and prepares per-agent worktrees.
type Provisioner struct {
	layout *Layout
	git    *gitsync.Syncer

	identityName  string
	identityEmail string
}

// NewProvisioner creates a Provisioner. The identity pair is configured on
// every clone so agent commits are attributable.
func NewProvisioner(layout *Layout, git *gitsync.Syncer, identityName, identityEmail string) *Provisioner {
	return &Provisioner{
		layout:        layout,
		git:           git,
		identityName:  identityName,
		identityEmail: identityEmail,
	}
}

// Git exposes the underlying syncer for callers that operate on already
// provisioned worktrees.
func (p *Provisioner) Git() *gitsync.Syncer { return p.git }

// EnsureProjectDirs creates the project directory skeleton with 0700 mode.
func (p *Provisioner) EnsureProjectDirs(projectSlug string) error {
	base, err := p.layout.ProjectDir(projectSlug)
	if err != nil {
		return err
	}
	for _, sub := range []string{"", "agents", "issues"} {
		if err := os.MkdirAll(filepath.Join(base, sub), dirMode); err != nil {
			return fmt.Errorf("create project dir: %w", err)
		}
	}
	return nil
}

// EnsurePrimary clones the canonical checkout if it does not exist yet.
func (p *Provisioner) EnsurePrimary(ctx context.Context, projectSlug, repoURL, baseBranch string) error {
	primary, err := p.layout.PrimaryDir(projectSlug)
	if err != nil {
		return err
	}
	if _, err := os.Stat(primary); err == nil {
		return nil
	}
	if err := p.EnsureProjectDirs(projectSlug); err != nil {
		return err
	}
	if err := p.git.Clone(ctx, repoURL, baseBranch, primary); err != nil {
		return fmt.Errorf("provision primary checkout: %w", err)
	}
	return p.git.ConfigureIdentity(ctx, primary, p.identityName, p.identityEmail)
}

// EnsureAgentWorktree clones an exclusive worktree for the agent if absent,
// configures commit identity, and links shared caches from primary.
func (p *Provisioner) EnsureAgentWorktree(ctx context.Context, projectSlug, agentName, repoURL, baseBranch string) (string, error) {
	dir, err := p.layout.AgentDir(projectSlug, agentName)
	if err != nil {
		return "", err
	}

	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		if err := p.EnsureProjectDirs(projectSlug); err != nil {
			return "", err
		}
		if err := p.git.Clone(ctx, repoURL, baseBranch, dir); err != nil {
			return "", fmt.Errorf("provision agent worktree: %w", err)
		}
		if err := p.git.ConfigureIdentity(ctx, dir, p.identityName, p.identityEmail); err != nil {
			return "", err
		}
	}

	p.linkSharedCaches(projectSlug, dir)
	return dir, nil
}

// EnsureIssueDir creates the issue-local artifact directory.
func (p *Provisioner) EnsureIssueDir(projectSlug, issueID string) (string, error) {
	dir, err := p.layout.IssueDir(projectSlug, issueID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create issue dir: %w", err)
	}
	return dir, nil
}

// linkSharedCaches symlinks shared cache entries from primary/ into the
// agent worktree. A link is created only when the target exists in primary
// and the link path does not already resolve to a real (non-symlink) entry.
// Failures are logged and skipped: shared caches are an optimization.
func (p *Provisioner) linkSharedCaches(projectSlug, agentDir string) {
	primary, err := p.layout.PrimaryDir(projectSlug)
	if err != nil {
		return
	}
	for _, rel := range sharedLinks {
		target := filepath.Join(primary, rel)
		if _, err := os.Stat(target); err != nil {
			continue
		}

		link := filepath.Join(agentDir, rel)
		if info, err := os.Lstat(link); err == nil {
			if info.Mode()&os.ModeSymlink == 0 {
				// Real directory or file checked out by the repo itself;
				// never clobber it.
				continue
			}
			if err := os.Remove(link); err != nil {
				slog.Warn("Failed to replace stale cache link", "link", link, "error", err)
				continue
			}
		}

		if err := os.MkdirAll(filepath.Dir(link), dirMode); err != nil {
			slog.Warn("Failed to create cache link parent", "link", link, "error", err)
			continue
		}
		if err := os.Symlink(target, link); err != nil {
			slog.Warn("Failed to link shared cache", "link", link, "target", target, "error", err)
		}
	}
}
