package models

import "time"

// DocumentKind tags the origin of a guidance or source document.
type DocumentKind string

// Document kinds.
const (
	DocKindGit     DocumentKind = "git"
	DocKindTracker DocumentKind = "external-tracker"
	DocKindWeb     DocumentKind = "web"
	DocKindExt     DocumentKind = "external"
)

// Document is a guidance artifact attached to an issue (context pack, spec,
// or supporting reference).
type Document struct {
	ID        string       `json:"id"`
	IssueID   string       `json:"issue_id"`
	Kind      DocumentKind `json:"kind"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	Hash      string       `json:"hash"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DocumentChange is a tagged variant describing a change to a source
// document. Exactly the fields of the matching kind are set; handlers
// dispatch on Kind and treat unknown tags as a no-op.
type DocumentChange struct {
	Kind DocumentKind `json:"kind"`

	// git
	Repo string `json:"repo,omitempty"`
	Path string `json:"path,omitempty"`

	// external-tracker
	DocID string `json:"doc_id,omitempty"`

	// web
	URL string `json:"url,omitempty"`

	// external
	ExternalID string `json:"external_id,omitempty"`
}

// Identifier returns the fingerprint identifier this change addresses, or
// "" for unknown kinds.
func (c DocumentChange) Identifier() string {
	switch c.Kind {
	case DocKindGit:
		return c.Repo + ":" + c.Path
	case DocKindTracker:
		return c.DocID
	case DocKindWeb:
		return c.URL
	case DocKindExt:
		return c.ExternalID
	}
	return ""
}

// Finding is a confirmed PR-review finding fed into the attribution engine.
type Finding struct {
	ID          string    `json:"id"`
	IssueID     string    `json:"issue_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Severity    string    `json:"severity"`
	CreatedAt   time.Time `json:"created_at"`
}
