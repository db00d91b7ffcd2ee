package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/stage"
)

// isUniqueViolation detects sqlite unique-constraint failures without
// importing driver internals.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type sqlProjects struct{ db *sql.DB }

func (r *sqlProjects) Create(ctx context.Context, p *models.Project) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (id, slug, name, repo_url, subdir, lifecycle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.Name, p.RepoURL, p.Subdir, p.Lifecycle,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (r *sqlProjects) scan(row *sql.Row) (*models.Project, error) {
	var p models.Project
	var created, updated string
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.RepoURL, &p.Subdir, &p.Lifecycle, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return &p, nil
}

const projectColumns = "id, slug, name, repo_url, subdir, lifecycle, created_at, updated_at"

func (r *sqlProjects) Get(ctx context.Context, id string) (*models.Project, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = ?", id))
}

func (r *sqlProjects) GetBySlug(ctx context.Context, slug string) (*models.Project, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE slug = ?", slug))
}

func (r *sqlProjects) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+projectColumns+" FROM projects ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Project
	for rows.Next() {
		var p models.Project
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.RepoURL, &p.Subdir,
			&p.Lifecycle, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *sqlProjects) Update(ctx context.Context, p *models.Project) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, lifecycle = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Lifecycle, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlProjects) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqlIssues struct{ db *sql.DB }

const issueColumns = `id, project_id, number, title, description, status, stage, priority,
	branch_name, pr_number, pr_url, agent_id, version, created_at, updated_at, started_at, completed_at`

func (r *sqlIssues) Create(ctx context.Context, i *models.Issue) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(number), 0) + 1 FROM issues WHERE project_id = ?",
		i.ProjectID).Scan(&next); err != nil {
		return fmt.Errorf("next issue number: %w", err)
	}
	i.Number = next
	i.Version = 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.ProjectID, i.Number, i.Title, i.Description, i.Status, i.Stage,
		i.Priority, i.BranchName, i.PRNumber, i.PRURL, i.AgentID, i.Version,
		formatTime(i.CreatedAt), formatTime(i.UpdatedAt),
		formatTimePtr(i.StartedAt), formatTimePtr(i.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return tx.Commit()
}

func scanIssue(scan func(dest ...any) error) (*models.Issue, error) {
	var i models.Issue
	var st, sg, created, updated string
	var started, completed sql.NullString
	err := scan(&i.ID, &i.ProjectID, &i.Number, &i.Title, &i.Description, &st, &sg,
		&i.Priority, &i.BranchName, &i.PRNumber, &i.PRURL, &i.AgentID, &i.Version,
		&created, &updated, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan issue: %w", err)
	}
	i.Status = models.IssueStatus(st)
	i.Stage = stage.Stage(sg)
	i.CreatedAt, i.UpdatedAt = parseTime(created), parseTime(updated)
	i.StartedAt, i.CompletedAt = parseTimePtr(started), parseTimePtr(completed)
	return &i, nil
}

func (r *sqlIssues) Get(ctx context.Context, id string) (*models.Issue, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	return scanIssue(row.Scan)
}

func (r *sqlIssues) GetByNumber(ctx context.Context, projectID string, number int) (*models.Issue, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE project_id = ? AND number = ?", projectID, number)
	return scanIssue(row.Scan)
}

func (r *sqlIssues) ListByProject(ctx context.Context, projectID string) ([]*models.Issue, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE project_id = ? ORDER BY number", projectID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Update writes the issue iff the stored version matches, bumping the
// version. Losing the race returns ErrVersionMismatch.
func (r *sqlIssues) Update(ctx context.Context, i *models.Issue) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE issues SET title = ?, description = ?, status = ?, stage = ?, priority = ?,
		   branch_name = ?, pr_number = ?, pr_url = ?, agent_id = ?, version = version + 1,
		   updated_at = ?, started_at = ?, completed_at = ?
		 WHERE id = ? AND version = ?`,
		i.Title, i.Description, i.Status, i.Stage, i.Priority,
		i.BranchName, i.PRNumber, i.PRURL, i.AgentID,
		formatTime(i.UpdatedAt), formatTimePtr(i.StartedAt), formatTimePtr(i.CompletedAt),
		i.ID, i.Version)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Absent or stale; distinguish for the caller.
		var exists int
		if err := r.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM issues WHERE id = ?", i.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	i.Version++
	return nil
}

func (r *sqlIssues) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	return requireAffected(res)
}

type sqlComments struct{ db *sql.DB }

func (r *sqlComments) Create(ctx context.Context, c *models.Comment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO comments (id, issue_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.IssueID, c.Author, c.Body, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (r *sqlComments) ListByIssue(ctx context.Context, issueID string) ([]*models.Comment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, issue_id, author, body, created_at FROM comments
		 WHERE issue_id = ? ORDER BY created_at`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Comment
	for rows.Next() {
		var c models.Comment
		var created string
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Author, &c.Body, &created); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *sqlComments) DeleteByIssue(ctx context.Context, issueID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM comments WHERE issue_id = ?", issueID)
	return err
}

type sqlLabels struct{ db *sql.DB }

func (r *sqlLabels) Create(ctx context.Context, l *models.Label) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO labels (id, project_id, name, color, built_in, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProjectID, l.Name, l.Color, l.BuiltIn, formatTime(l.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert label: %w", err)
	}
	return nil
}

func (r *sqlLabels) GetByName(ctx context.Context, projectID, name string) (*models.Label, error) {
	var l models.Label
	var created string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, color, built_in, created_at FROM labels
		 WHERE project_id = ? AND name = ?`, projectID, name).
		Scan(&l.ID, &l.ProjectID, &l.Name, &l.Color, &l.BuiltIn, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get label: %w", err)
	}
	l.CreatedAt = parseTime(created)
	return &l, nil
}

func (r *sqlLabels) ListByProject(ctx context.Context, projectID string) ([]*models.Label, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, name, color, built_in, created_at FROM labels
		 WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Label
	for rows.Next() {
		var l models.Label
		var created string
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name, &l.Color, &l.BuiltIn, &created); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		l.CreatedAt = parseTime(created)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *sqlLabels) Bind(ctx context.Context, issueID, labelID string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO issue_labels (issue_id, label_id) VALUES (?, ?)", issueID, labelID)
	return err
}

func (r *sqlLabels) Unbind(ctx context.Context, issueID, labelID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM issue_labels WHERE issue_id = ? AND label_id = ?", issueID, labelID)
	return err
}

func (r *sqlLabels) UnbindAll(ctx context.Context, issueID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM issue_labels WHERE issue_id = ?", issueID)
	return err
}

func (r *sqlLabels) ListByIssue(ctx context.Context, issueID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT label_id FROM issue_labels WHERE issue_id = ? ORDER BY label_id", issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan issue label: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type sqlDocuments struct{ db *sql.DB }

func (r *sqlDocuments) Create(ctx context.Context, d *models.Document) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, issue_id, kind, title, content, hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.IssueID, d.Kind, d.Title, d.Content, d.Hash,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *sqlDocuments) Get(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	var kind, created, updated string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, issue_id, kind, title, content, hash, created_at, updated_at
		 FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.IssueID, &kind, &d.Title, &d.Content, &d.Hash, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.Kind = models.DocumentKind(kind)
	d.CreatedAt, d.UpdatedAt = parseTime(created), parseTime(updated)
	return &d, nil
}

func (r *sqlDocuments) ListByIssue(ctx context.Context, issueID string) ([]*models.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, issue_id, kind, title, content, hash, created_at, updated_at
		 FROM documents WHERE issue_id = ? ORDER BY created_at`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Document
	for rows.Next() {
		var d models.Document
		var kind, created, updated string
		if err := rows.Scan(&d.ID, &d.IssueID, &kind, &d.Title, &d.Content, &d.Hash,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Kind = models.DocumentKind(kind)
		d.CreatedAt, d.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *sqlDocuments) Update(ctx context.Context, d *models.Document) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, content = ?, hash = ?, updated_at = ? WHERE id = ?`,
		d.Title, d.Content, d.Hash, formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlDocuments) DeleteByIssue(ctx context.Context, issueID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM documents WHERE issue_id = ?", issueID)
	return err
}

type sqlAgents struct{ db *sql.DB }

const agentColumns = "id, project_id, name, worktree_path, model, state, issue_id, last_error, version, created_at, updated_at"

func (r *sqlAgents) Create(ctx context.Context, a *models.Agent) error {
	a.Version = 1
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Name, a.WorktreePath, a.Model, a.State, a.IssueID, a.LastError,
		a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func scanAgent(scan func(dest ...any) error) (*models.Agent, error) {
	var a models.Agent
	var state, created, updated string
	err := scan(&a.ID, &a.ProjectID, &a.Name, &a.WorktreePath, &a.Model, &state,
		&a.IssueID, &a.LastError, &a.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.State = models.AgentState(state)
	a.CreatedAt, a.UpdatedAt = parseTime(created), parseTime(updated)
	return &a, nil
}

func (r *sqlAgents) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	return scanAgent(row.Scan)
}

func (r *sqlAgents) GetByName(ctx context.Context, projectID, name string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE project_id = ? AND name = ?", projectID, name)
	return scanAgent(row.Scan)
}

func (r *sqlAgents) ListByProject(ctx context.Context, projectID string) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE project_id = ? ORDER BY name", projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update writes the agent iff the stored version matches, bumping the
// version. Losing the race returns ErrVersionMismatch.
func (r *sqlAgents) Update(ctx context.Context, a *models.Agent) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET worktree_path = ?, model = ?, state = ?, issue_id = ?,
		   last_error = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		a.WorktreePath, a.Model, a.State, a.IssueID, a.LastError,
		formatTime(a.UpdatedAt), a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM agents WHERE id = ?", a.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	a.Version++
	return nil
}
