package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/falcon-pm/falcon/pkg/models"
)

// JSON-text columns hold slice fields. Encoding failures on these small
// value types are programming errors, so encode panics are acceptable to
// surface via the returned error instead.
func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

type sqlAlerts struct{ db *sql.DB }

const alertColumns = `id, project_id, message, finding_id, issue_id, touches,
	file_patterns, carrier_stage, failure_mode, finding_category, severity_max,
	quote_type, status, promoted_pattern_id, expires_at, created_at`

func (r *sqlAlerts) Create(ctx context.Context, a *models.ProvisionalAlert) error {
	touches, err := encodeJSON(a.Touches)
	if err != nil {
		return err
	}
	patterns, err := encodeJSON(a.FilePatterns)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Message, a.FindingID, a.IssueID, touches, patterns,
		a.CarrierStage, a.FailureMode, a.FindingCategory, a.SeverityMax, a.QuoteType,
		a.Status, a.PromotedPatternID, formatTime(a.ExpiresAt), formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func scanAlert(scan func(dest ...any) error) (*models.ProvisionalAlert, error) {
	var a models.ProvisionalAlert
	var touches, patterns, carrier, mode, quote, status, expires, created string
	err := scan(&a.ID, &a.ProjectID, &a.Message, &a.FindingID, &a.IssueID,
		&touches, &patterns, &carrier, &mode, &a.FindingCategory, &a.SeverityMax,
		&quote, &status, &a.PromotedPatternID, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	if err := decodeJSON(touches, &a.Touches); err != nil {
		return nil, err
	}
	if err := decodeJSON(patterns, &a.FilePatterns); err != nil {
		return nil, err
	}
	a.CarrierStage = models.CarrierStage(carrier)
	a.FailureMode = models.FailureMode(mode)
	a.QuoteType = models.QuoteType(quote)
	a.Status = models.AlertStatus(status)
	a.ExpiresAt, a.CreatedAt = parseTime(expires), parseTime(created)
	return &a, nil
}

func (r *sqlAlerts) Get(ctx context.Context, id string) (*models.ProvisionalAlert, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)
	return scanAlert(row.Scan)
}

func (r *sqlAlerts) Update(ctx context.Context, a *models.ProvisionalAlert) error {
	touches, err := encodeJSON(a.Touches)
	if err != nil {
		return err
	}
	patterns, err := encodeJSON(a.FilePatterns)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET message = ?, touches = ?, file_patterns = ?,
		   carrier_stage = ?, failure_mode = ?, finding_category = ?, severity_max = ?,
		   quote_type = ?, status = ?, promoted_pattern_id = ?, expires_at = ? WHERE id = ?`,
		a.Message, touches, patterns,
		a.CarrierStage, a.FailureMode, a.FindingCategory, a.SeverityMax,
		a.QuoteType, a.Status, a.PromotedPatternID,
		formatTime(a.ExpiresAt), a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlAlerts) ListPending(ctx context.Context, projectID string) ([]*models.ProvisionalAlert, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+alertColumns+" FROM alerts WHERE project_id = ? AND status = ? ORDER BY created_at",
		projectID, models.AlertPending)
	if err != nil {
		return nil, fmt.Errorf("list pending alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ProvisionalAlert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type sqlPatterns struct{ db *sql.DB }

const patternColumns = `id, project_id, carrier_stage, pattern_content, alternative,
	finding_category, failure_mode, severity_max, touches, technologies, confidence,
	permanent, status, created_at, updated_at`

func (r *sqlPatterns) Create(ctx context.Context, p *models.Pattern) error {
	touches, err := encodeJSON(p.Touches)
	if err != nil {
		return err
	}
	techs, err := encodeJSON(p.Technologies)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO patterns (`+patternColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.CarrierStage, p.PatternContent, p.Alternative,
		p.FindingCategory, p.FailureMode, p.SeverityMax, touches, techs,
		p.Confidence, p.Permanent, p.Status,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

func scanPattern(scan func(dest ...any) error) (*models.Pattern, error) {
	var p models.Pattern
	var carrier, mode, status, touches, techs, created, updated string
	err := scan(&p.ID, &p.ProjectID, &carrier, &p.PatternContent, &p.Alternative,
		&p.FindingCategory, &mode, &p.SeverityMax, &touches, &techs,
		&p.Confidence, &p.Permanent, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	if err := decodeJSON(touches, &p.Touches); err != nil {
		return nil, err
	}
	if err := decodeJSON(techs, &p.Technologies); err != nil {
		return nil, err
	}
	p.CarrierStage = models.CarrierStage(carrier)
	p.FailureMode = models.FailureMode(mode)
	p.Status = models.PatternStatus(status)
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return &p, nil
}

func (r *sqlPatterns) Get(ctx context.Context, id string) (*models.Pattern, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+patternColumns+" FROM patterns WHERE id = ?", id)
	return scanPattern(row.Scan)
}

func (r *sqlPatterns) Update(ctx context.Context, p *models.Pattern) error {
	touches, err := encodeJSON(p.Touches)
	if err != nil {
		return err
	}
	techs, err := encodeJSON(p.Technologies)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE patterns SET pattern_content = ?, alternative = ?, finding_category = ?,
		   severity_max = ?, touches = ?, technologies = ?, confidence = ?,
		   permanent = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.PatternContent, p.Alternative, p.FindingCategory, p.SeverityMax,
		touches, techs, p.Confidence, p.Permanent, p.Status,
		formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update pattern: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlPatterns) ListActive(ctx context.Context, projectID string) ([]*models.Pattern, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+patternColumns+" FROM patterns WHERE project_id = ? AND status = ? ORDER BY created_at",
		projectID, models.PatternActive)
	if err != nil {
		return nil, fmt.Errorf("list active patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const occurrenceColumns = `id, project_id, alert_id, pattern_id, issue_id, finding_id,
	quote_type, doc_kind, doc_identifier, doc_hash, was_injected, was_adhered_to,
	status, inactive_reason, created_at`

func (r *sqlPatterns) CreateOccurrence(ctx context.Context, o *models.Occurrence) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO occurrences (`+occurrenceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ProjectID, o.AlertID, o.PatternID, o.IssueID, o.FindingID,
		o.QuoteType, o.Fingerprint.Kind, o.Fingerprint.Identifier, o.Fingerprint.Hash,
		o.WasInjected, o.WasAdheredTo, o.Status, o.InactiveReason,
		formatTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}
	return nil
}

func (r *sqlPatterns) UpdateOccurrence(ctx context.Context, o *models.Occurrence) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE occurrences SET alert_id = ?, pattern_id = ?, was_injected = ?,
		   was_adhered_to = ?, status = ?, inactive_reason = ? WHERE id = ?`,
		o.AlertID, o.PatternID, o.WasInjected, o.WasAdheredTo,
		o.Status, o.InactiveReason, o.ID)
	if err != nil {
		return fmt.Errorf("update occurrence: %w", err)
	}
	return requireAffected(res)
}

func scanOccurrence(scan func(dest ...any) error) (*models.Occurrence, error) {
	var o models.Occurrence
	var quote, status, created string
	err := scan(&o.ID, &o.ProjectID, &o.AlertID, &o.PatternID, &o.IssueID, &o.FindingID,
		&quote, &o.Fingerprint.Kind, &o.Fingerprint.Identifier, &o.Fingerprint.Hash,
		&o.WasInjected, &o.WasAdheredTo, &status, &o.InactiveReason, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan occurrence: %w", err)
	}
	o.QuoteType = models.QuoteType(quote)
	o.Status = models.OccurrenceStatus(status)
	o.CreatedAt = parseTime(created)
	return &o, nil
}

func (r *sqlPatterns) listOccurrences(ctx context.Context, where string, args ...any) ([]*models.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+occurrenceColumns+" FROM occurrences WHERE "+where+" ORDER BY created_at", args...)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *sqlPatterns) ListOccurrencesByAlert(ctx context.Context, alertID string) ([]*models.Occurrence, error) {
	return r.listOccurrences(ctx, "alert_id = ?", alertID)
}

func (r *sqlPatterns) ListOccurrencesByPattern(ctx context.Context, patternID string) ([]*models.Occurrence, error) {
	return r.listOccurrences(ctx, "pattern_id = ?", patternID)
}

func (r *sqlPatterns) RelinkOccurrences(ctx context.Context, alertID, patternID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE occurrences SET alert_id = '', pattern_id = ? WHERE alert_id = ?",
		patternID, alertID)
	if err != nil {
		return fmt.Errorf("relink occurrences: %w", err)
	}
	return nil
}

func (r *sqlPatterns) ListOccurrencesByDocument(ctx context.Context, kind, identifier string) ([]*models.Occurrence, error) {
	return r.listOccurrences(ctx, "doc_kind = ? AND doc_identifier = ?", kind, identifier)
}

func (r *sqlPatterns) CountIgnored(ctx context.Context, patternID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences
		 WHERE pattern_id = ? AND was_injected = 1 AND was_adhered_to = 0 AND created_at >= ?`,
		patternID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ignored occurrences: %w", err)
	}
	return n, nil
}

type sqlSalience struct{ db *sql.DB }

func (r *sqlSalience) Upsert(ctx context.Context, s *models.SalienceIssue) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO salience_issues (id, project_id, pattern_id, key, ignored_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET ignored_count = excluded.ignored_count,
		   updated_at = excluded.updated_at`,
		s.ID, s.ProjectID, s.PatternID, s.Key, s.IgnoredCount,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert salience issue: %w", err)
	}
	return nil
}

func (r *sqlSalience) ListByProject(ctx context.Context, projectID string) ([]*models.SalienceIssue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, pattern_id, key, ignored_count, created_at, updated_at
		 FROM salience_issues WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list salience issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SalienceIssue
	for rows.Next() {
		var s models.SalienceIssue
		var created, updated string
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.PatternID, &s.Key, &s.IgnoredCount,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("scan salience issue: %w", err)
		}
		s.CreatedAt, s.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, &s)
	}
	return out, rows.Err()
}

type sqlKillSwitches struct{ db *sql.DB }

func scanKillSwitch(scan func(dest ...any) error) (*models.KillSwitchStatus, error) {
	var s models.KillSwitchStatus
	var state, changed string
	var resumeAt sql.NullString
	err := scan(&s.WorkspaceID, &s.ProjectID, &state, &s.Reason, &s.AutoTriggered,
		&resumeAt, &changed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan kill switch: %w", err)
	}
	s.State = models.KillSwitchState(state)
	s.AutoResumeAt = parseTimePtr(resumeAt)
	s.ChangedAt = parseTime(changed)
	return &s, nil
}

func (r *sqlKillSwitches) Get(ctx context.Context, workspaceID, projectID string) (*models.KillSwitchStatus, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT workspace_id, project_id, state, reason, auto_triggered, auto_resume_at, changed_at
		 FROM kill_switches WHERE workspace_id = ? AND project_id = ?`, workspaceID, projectID)
	return scanKillSwitch(row.Scan)
}

func (r *sqlKillSwitches) Set(ctx context.Context, s *models.KillSwitchStatus) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO kill_switches (workspace_id, project_id, state, reason, auto_triggered, auto_resume_at, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id, project_id) DO UPDATE SET state = excluded.state,
		   reason = excluded.reason, auto_triggered = excluded.auto_triggered,
		   auto_resume_at = excluded.auto_resume_at, changed_at = excluded.changed_at`,
		s.WorkspaceID, s.ProjectID, s.State, s.Reason, s.AutoTriggered,
		formatTimePtr(s.AutoResumeAt), formatTime(s.ChangedAt))
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

func (r *sqlKillSwitches) ListDueForResume(ctx context.Context, now time.Time) ([]*models.KillSwitchStatus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT workspace_id, project_id, state, reason, auto_triggered, auto_resume_at, changed_at
		 FROM kill_switches
		 WHERE auto_triggered = 1 AND auto_resume_at IS NOT NULL AND auto_resume_at <= ?
		   AND state != ?`,
		formatTime(now), models.KillSwitchActive)
	if err != nil {
		return nil, fmt.Errorf("list due for resume: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.KillSwitchStatus
	for rows.Next() {
		s, err := scanKillSwitch(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type sqlAttributions struct{ db *sql.DB }

func (r *sqlAttributions) Record(ctx context.Context, rec *AttributionRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO attribution_records (id, project_id, failure_mode, quote_type, confirmed, improved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.FailureMode, rec.QuoteType,
		rec.Confirmed, rec.Improved, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert attribution record: %w", err)
	}
	return nil
}

// Metrics computes the rolling health numbers from records inside the
// window ending now. With no records every rate is zero.
func (r *sqlAttributions) Metrics(ctx context.Context, projectID string, window time.Duration) (*models.HealthMetrics, error) {
	end := time.Now().UTC()
	start := end.Add(-window)

	rows, err := r.db.QueryContext(ctx,
		`SELECT failure_mode, quote_type, confirmed, improved FROM attribution_records
		 WHERE project_id = ? AND created_at >= ?`, projectID, formatTime(start))
	if err != nil {
		return nil, fmt.Errorf("query attribution records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	m := &models.HealthMetrics{
		AttributionCounts: make(map[string]int),
		WindowStart:       start,
		WindowEnd:         end,
	}
	var total, confirmed, inferred, improved int
	for rows.Next() {
		var mode, quote string
		var conf, impr bool
		if err := rows.Scan(&mode, &quote, &conf, &impr); err != nil {
			return nil, fmt.Errorf("scan attribution record: %w", err)
		}
		total++
		m.AttributionCounts[mode]++
		if conf {
			confirmed++
		}
		if impr {
			improved++
		}
		if models.QuoteType(quote) == models.QuoteInferred {
			inferred++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	m.SampleCount = total
	if total > 0 {
		m.AttributionPrecisionScore = float64(confirmed) / float64(total)
		m.InferredRatio = float64(inferred) / float64(total)
		m.ObservedImprovementRate = float64(improved) / float64(total)
	}
	return m, nil
}
