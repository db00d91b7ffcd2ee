package models

import "time"

// ProjectLifecycle is the coarse lifecycle of a project.
type ProjectLifecycle string

// Project lifecycle values.
const (
	ProjectActive   ProjectLifecycle = "active"
	ProjectArchived ProjectLifecycle = "archived"
)

// Project is identified by its canonical repository origin URL plus an
// optional subdirectory. The identity pair is immutable; name and config
// may change over the project's life.
type Project struct {
	ID        string           `json:"id"`
	Slug      string           `json:"slug"`
	Name      string           `json:"name"`
	RepoURL   string           `json:"repo_url"` // canonical origin URL
	Subdir    string           `json:"subdir,omitempty"`
	Lifecycle ProjectLifecycle `json:"lifecycle"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Label is a project-scoped issue label.
type Label struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	BuiltIn   bool      `json:"built_in"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is a free-form note attached to an issue.
type Comment struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
