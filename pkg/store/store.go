// Package store defines the repository contracts the orchestrator persists
// through, plus two implementations: a sqlite-backed store for the pm.db
// file and an in-memory store for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/falcon-pm/falcon/pkg/models"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned on duplicate identity (slug or name taken).
	ErrConflict = errors.New("entity already exists")

	// ErrVersionMismatch is returned when an optimistic update loses the
	// read-modify-write race.
	ErrVersionMismatch = errors.New("concurrent modification detected")
)

// Projects persists project records.
type Projects interface {
	Create(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	GetBySlug(ctx context.Context, slug string) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	Update(ctx context.Context, p *models.Project) error
	Delete(ctx context.Context, id string) error
}

// Issues persists issues. Create assigns the next project-scoped number.
// Update enforces optimistic concurrency on Issue.Version.
type Issues interface {
	Create(ctx context.Context, i *models.Issue) error
	Get(ctx context.Context, id string) (*models.Issue, error)
	GetByNumber(ctx context.Context, projectID string, number int) (*models.Issue, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.Issue, error)
	Update(ctx context.Context, i *models.Issue) error
	Delete(ctx context.Context, id string) error
}

// Comments persists issue comments.
type Comments interface {
	Create(ctx context.Context, c *models.Comment) error
	ListByIssue(ctx context.Context, issueID string) ([]*models.Comment, error)
	DeleteByIssue(ctx context.Context, issueID string) error
}

// Labels persists labels and issue-label bindings.
type Labels interface {
	Create(ctx context.Context, l *models.Label) error
	GetByName(ctx context.Context, projectID, name string) (*models.Label, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.Label, error)
	Bind(ctx context.Context, issueID, labelID string) error
	Unbind(ctx context.Context, issueID, labelID string) error
	UnbindAll(ctx context.Context, issueID string) error
	// ListByIssue returns the label IDs bound to an issue.
	ListByIssue(ctx context.Context, issueID string) ([]string, error)
}

// Documents persists guidance documents attached to issues.
type Documents interface {
	Create(ctx context.Context, d *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	ListByIssue(ctx context.Context, issueID string) ([]*models.Document, error)
	Update(ctx context.Context, d *models.Document) error
	DeleteByIssue(ctx context.Context, issueID string) error
}

// Agents persists agent registry records. Update enforces optimistic
// concurrency on Agent.Version so concurrent dispatches cannot both claim
// the same idle agent.
type Agents interface {
	Create(ctx context.Context, a *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	GetByName(ctx context.Context, projectID, name string) (*models.Agent, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.Agent, error)
	Update(ctx context.Context, a *models.Agent) error
}

// Alerts persists provisional alerts.
type Alerts interface {
	Create(ctx context.Context, a *models.ProvisionalAlert) error
	Get(ctx context.Context, id string) (*models.ProvisionalAlert, error)
	Update(ctx context.Context, a *models.ProvisionalAlert) error
	ListPending(ctx context.Context, projectID string) ([]*models.ProvisionalAlert, error)
}

// Patterns persists pattern definitions and their occurrences.
type Patterns interface {
	Create(ctx context.Context, p *models.Pattern) error
	Get(ctx context.Context, id string) (*models.Pattern, error)
	Update(ctx context.Context, p *models.Pattern) error
	ListActive(ctx context.Context, projectID string) ([]*models.Pattern, error)

	CreateOccurrence(ctx context.Context, o *models.Occurrence) error
	UpdateOccurrence(ctx context.Context, o *models.Occurrence) error
	ListOccurrencesByAlert(ctx context.Context, alertID string) ([]*models.Occurrence, error)
	ListOccurrencesByPattern(ctx context.Context, patternID string) ([]*models.Occurrence, error)
	// RelinkOccurrences moves every occurrence of an alert onto a pattern,
	// in the same transaction scope as the promotion that created it.
	RelinkOccurrences(ctx context.Context, alertID, patternID string) error
	// ListOccurrencesByDocument returns occurrences whose fingerprint
	// references the given (kind, identifier) source document.
	ListOccurrencesByDocument(ctx context.Context, kind, identifier string) ([]*models.Occurrence, error)
	// CountIgnored counts occurrences of a pattern since the cutoff that
	// were injected but not adhered to.
	CountIgnored(ctx context.Context, patternID string, since time.Time) (int, error)
}

// Salience persists salience issues keyed by a stable content hash.
type Salience interface {
	Upsert(ctx context.Context, s *models.SalienceIssue) error
	ListByProject(ctx context.Context, projectID string) ([]*models.SalienceIssue, error)
}

// KillSwitches persists per-(workspace, project) gate state.
type KillSwitches interface {
	Get(ctx context.Context, workspaceID, projectID string) (*models.KillSwitchStatus, error)
	Set(ctx context.Context, s *models.KillSwitchStatus) error
	// ListDueForResume returns auto-paused statuses whose AutoResumeAt has
	// passed as of now.
	ListDueForResume(ctx context.Context, now time.Time) ([]*models.KillSwitchStatus, error)
}

// AttributionRecord is one attribution outcome feeding the rolling health
// metrics.
type AttributionRecord struct {
	ID          string
	ProjectID   string
	FailureMode models.FailureMode
	QuoteType   models.QuoteType
	Confirmed   bool // human confirmed the attribution was correct
	Improved    bool // a later run showed observable improvement
	CreatedAt   time.Time
}

// Attributions persists attribution outcomes and computes windowed health
// metrics over them.
type Attributions interface {
	Record(ctx context.Context, r *AttributionRecord) error
	Metrics(ctx context.Context, projectID string, window time.Duration) (*models.HealthMetrics, error)
}

// Store groups every repository. A Store owns exactly one underlying
// database; Close releases it.
type Store interface {
	Projects() Projects
	Issues() Issues
	Comments() Comments
	Labels() Labels
	Documents() Documents
	Agents() Agents
	Alerts() Alerts
	Patterns() Patterns
	Salience() Salience
	KillSwitches() KillSwitches
	Attributions() Attributions
	Close() error
}
