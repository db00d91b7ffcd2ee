// Package gitsync wraps the git binary for worktree provisioning and
// branch management. Every surfaced error passes through the credential
// scrubber first: git loves to echo remote URLs (which may embed tokens)
// into its stderr.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/falcon-pm/falcon/pkg/masking"
)

// ErrDirtyWorktree is returned when an operation requires a clean worktree
// and uncommitted changes are present.
var ErrDirtyWorktree = errors.New("worktree has uncommitted changes")

// commandTimeout bounds any single git invocation.
const commandTimeout = 2 * time.Minute

// Syncer runs git commands inside a specific worktree.
type Syncer struct {
	scrubber *masking.Scrubber
}

// NewSyncer creates a Syncer that scrubs all git output with the given
// scrubber.
func NewSyncer(scrubber *masking.Scrubber) *Syncer {
	return &Syncer{scrubber: scrubber}
}

// run executes git with args in dir, returning combined output. Errors and
// output are scrubbed before they leave this function.
func (s *Syncer) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never let git prompt for credentials; fail fast instead.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	scrubbed := s.scrubber.Scrub(strings.TrimSpace(string(out)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return scrubbed, fmt.Errorf("git %s timed out after %v", args[0], commandTimeout)
		}
		return scrubbed, fmt.Errorf("git %s: %s: %s", args[0], s.scrubber.ScrubError(err), scrubbed)
	}
	return scrubbed, nil
}

// Clone performs a shallow clone of repoURL at baseBranch into target.
// Refuses if target already exists; removes the partial clone on failure.
func (s *Syncer) Clone(ctx context.Context, repoURL, baseBranch, target string) error {
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("clone target already exists: %s", target)
	}

	_, err := s.run(ctx, "", "clone", "--depth", "1", "--branch", baseBranch, repoURL, target)
	if err != nil {
		// Clean up whatever partial state the failed clone left behind.
		if rmErr := os.RemoveAll(target); rmErr != nil {
			slog.Warn("Failed to remove partial clone", "target", target, "error", rmErr)
		}
		return err
	}

	// Shallow clones cannot create branches off arbitrary history; unshallow
	// so issue branches can be based on any commit of the base branch.
	if s.isShallow(ctx, target) {
		if _, err := s.run(ctx, target, "fetch", "--unshallow"); err != nil {
			slog.Warn("Failed to unshallow clone, continuing shallow",
				"target", target, "error", err)
		}
	}
	return nil
}

// isShallow reports whether the repository at dir is a shallow clone.
func (s *Syncer) isShallow(ctx context.Context, dir string) bool {
	out, err := s.run(ctx, dir, "rev-parse", "--is-shallow-repository")
	return err == nil && strings.TrimSpace(out) == "true"
}

// IsClean reports whether the worktree has no uncommitted changes.
func (s *Syncer) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := s.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// requireClean fails with ErrDirtyWorktree if dir has uncommitted changes.
func (s *Syncer) requireClean(ctx context.Context, dir string) error {
	clean, err := s.IsClean(ctx, dir)
	if err != nil {
		return err
	}
	if !clean {
		return fmt.Errorf("%w: %s", ErrDirtyWorktree, dir)
	}
	return nil
}

// branchExists reports whether branch exists locally in dir.
func (s *Syncer) branchExists(ctx context.Context, dir, branch string) bool {
	_, err := s.run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CheckoutIssueBranch switches dir onto the issue branch, creating it from
// an up-to-date base branch if it does not exist locally. Requires a clean
// worktree.
func (s *Syncer) CheckoutIssueBranch(ctx context.Context, dir, branch, base string) error {
	if err := s.requireClean(ctx, dir); err != nil {
		return err
	}

	if s.branchExists(ctx, dir, branch) {
		_, err := s.run(ctx, dir, "checkout", branch)
		return err
	}

	if _, err := s.run(ctx, dir, "fetch", "origin", base); err != nil {
		return err
	}
	if _, err := s.run(ctx, dir, "checkout", base); err != nil {
		return err
	}
	if _, err := s.run(ctx, dir, "pull", "origin", base); err != nil {
		return err
	}
	_, err := s.run(ctx, dir, "checkout", "-b", branch, base)
	return err
}

// SyncToBase returns an idle worktree to an up-to-date base branch.
// Requires a clean worktree.
func (s *Syncer) SyncToBase(ctx context.Context, dir, base string) error {
	if err := s.requireClean(ctx, dir); err != nil {
		return err
	}
	if _, err := s.run(ctx, dir, "fetch", "origin", base); err != nil {
		return err
	}
	if _, err := s.run(ctx, dir, "checkout", base); err != nil {
		return err
	}
	_, err := s.run(ctx, dir, "pull", "origin", base)
	return err
}

// PullRebase checks out branch and rebases it on its origin counterpart.
func (s *Syncer) PullRebase(ctx context.Context, dir, branch string) error {
	if _, err := s.run(ctx, dir, "checkout", branch); err != nil {
		return err
	}
	_, err := s.run(ctx, dir, "pull", "--rebase", "origin", branch)
	return err
}

// CommitPush stages files (all when none given), commits with message, and
// pushes to origin (explicit branch when given).
func (s *Syncer) CommitPush(ctx context.Context, dir, message, branch string, files []string) error {
	addArgs := []string{"add"}
	if len(files) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, files...)
	}
	if _, err := s.run(ctx, dir, addArgs...); err != nil {
		return err
	}

	if _, err := s.run(ctx, dir, "commit", "-m", message); err != nil {
		return err
	}

	pushArgs := []string{"push", "origin"}
	if branch != "" {
		pushArgs = append(pushArgs, branch)
	}
	_, err := s.run(ctx, dir, pushArgs...)
	return err
}

// ConfigureIdentity sets the commit identity for a worktree.
func (s *Syncer) ConfigureIdentity(ctx context.Context, dir, name, email string) error {
	if _, err := s.run(ctx, dir, "config", "user.name", name); err != nil {
		return err
	}
	_, err := s.run(ctx, dir, "config", "user.email", email)
	return err
}

// CurrentBranch returns the branch checked out in dir.
func (s *Syncer) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return s.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}
