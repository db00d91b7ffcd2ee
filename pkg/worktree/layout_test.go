package worktree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(filepath.Join(string(filepath.Separator), "srv", "falcon"))
	require.NoError(t, err)
	return l
}

func TestNewLayout(t *testing.T) {
	l := testLayout(t)
	assert.Equal(t, filepath.Join(string(filepath.Separator), "srv", "falcon"), l.Home())

	_, err := NewLayout("")
	assert.Error(t, err)
	_, err = NewLayout("relative/home")
	assert.Error(t, err)
	_, err = NewLayout(filepath.Join(string(filepath.Separator), "srv", "..", "etc"))
	assert.Error(t, err)
}

func TestLayoutPaths(t *testing.T) {
	l := testLayout(t)

	dir, err := l.ProjectDir("payments")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Home(), "projects", "payments"), dir)

	dir, err = l.PrimaryDir("payments")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Home(), "projects", "payments", "primary"), dir)

	dir, err = l.AgentDir("payments", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Home(), "projects", "payments", "agents", "agent-1"), dir)

	dir, err = l.IssueDir("payments", "issue-9")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Home(), "projects", "payments", "issues", "issue-9"), dir)

	assert.Equal(t, filepath.Join(l.Home(), "pm.db"), l.DatabasePath())
}

func TestLayoutRejectsTraversal(t *testing.T) {
	l := testLayout(t)
	bad := []string{"", "..", "../other", "a/b", "/abs"}
	for _, slug := range bad {
		_, err := l.ProjectDir(slug)
		assert.Error(t, err, "slug %q", slug)
	}

	_, err := l.AgentDir("payments", "../../escape")
	assert.Error(t, err)
	_, err = l.IssueDir("payments", "x/y")
	assert.Error(t, err)
}
