// Package config resolves the orchestrator home, the server runtime
// configuration, and the per-repository scope file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv is the environment variable overriding the orchestrator home.
const HomeEnv = "FALCON_HOME"

// systemDirs are roots the home must never land in. A mistyped override
// here means worktrees and pm.db get created somewhere catastrophic.
var systemDirs = []string{
	"/bin", "/boot", "/dev", "/etc", "/lib", "/lib64",
	"/proc", "/sbin", "/sys", "/usr", "/var",
}

// ResolveHome validates and normalizes the orchestrator home directory.
// Precedence: explicit argument, then FALCON_HOME, then ~/.falcon. The
// result is absolute, symlink-free, and outside system directories.
func ResolveHome(explicit string) (string, error) {
	home := explicit
	if home == "" {
		home = os.Getenv(HomeEnv)
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		home = filepath.Join(userHome, ".falcon")
	}

	if !filepath.IsAbs(home) {
		return "", fmt.Errorf("home %q must be an absolute path", home)
	}
	for _, part := range strings.Split(home, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("home %q must not contain '..'", home)
		}
	}

	home = filepath.Clean(home)
	if resolved, err := filepath.EvalSymlinks(home); err == nil {
		home = resolved
	}

	if home == string(filepath.Separator) {
		return "", fmt.Errorf("home must not be the filesystem root")
	}
	for _, dir := range systemDirs {
		if home == dir || strings.HasPrefix(home, dir+string(filepath.Separator)) {
			return "", fmt.Errorf("home %q is inside system directory %s", home, dir)
		}
	}
	return home, nil
}
