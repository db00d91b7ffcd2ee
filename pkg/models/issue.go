package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/falcon-pm/falcon/pkg/stage"
)

// IssueStatus is the coarse workflow status of an issue. The fine-grained
// position in the pipeline is tracked separately by the stage.
type IssueStatus string

// Issue status values.
const (
	StatusBacklog    IssueStatus = "backlog"
	StatusTodo       IssueStatus = "todo"
	StatusInProgress IssueStatus = "in_progress"
	StatusDone       IssueStatus = "done"
)

// Valid reports whether s is a known issue status.
func (s IssueStatus) Valid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Issue is a unit of work owned by a project. Number is a project-scoped
// monotonic integer; ID is a globally unique UUID.
type Issue struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Number      int         `json:"number"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      IssueStatus `json:"status"`
	Stage       stage.Stage `json:"stage"`
	Priority    int         `json:"priority"`
	LabelIDs    []string    `json:"label_ids,omitempty"`
	BranchName  string      `json:"branch_name,omitempty"`
	PRNumber    int         `json:"pr_number,omitempty"`
	PRURL       string      `json:"pr_url,omitempty"`
	AgentID     string      `json:"agent_id,omitempty"`
	Version     int64       `json:"version"` // optimistic concurrency token
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses every run of non-alphanumeric
// characters into a single hyphen.
func Slugify(s string) string {
	slug := slugUnsafe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(slug, "-")
}

// BranchNameFor derives the git branch name for an issue. Derived once on
// first start and then stored on the issue record.
func BranchNameFor(number int, title string) string {
	slug := Slugify(title)
	const maxSlug = 60
	if len(slug) > maxSlug {
		slug = strings.Trim(slug[:maxSlug], "-")
	}
	if slug == "" {
		return fmt.Sprintf("issue/%d", number)
	}
	return fmt.Sprintf("issue/%d-%s", number, slug)
}
