package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// alertTTL is how long a provisional alert waits for corroborating
// occurrences before expiring.
const alertTTL = 30 * 24 * time.Hour

// FindingInput is everything the engine needs to attribute one confirmed
// finding.
type FindingInput struct {
	Finding     *models.Finding
	ProjectID   string
	ContextPack string
	Spec        string
	Fingerprint models.DocumentFingerprint
	Touches     []models.Touch
}

// Outcome is the full result of attributing one finding.
type Outcome struct {
	Evidence      *models.EvidenceBundle
	Resolution    Resolution
	Noncompliance *models.ExecutionNoncompliance
	Alert         *models.ProvisionalAlert
	Occurrence    *models.Occurrence
	Pattern       *models.Pattern // non-nil when this occurrence triggered promotion
}

// Engine runs the attribution pipeline: evidence extraction, failure-mode
// resolution, noncompliance checking, alert bookkeeping, and promotion.
type Engine struct {
	store     store.Store
	extractor Extractor
	promoter  *Promoter
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, extractor Extractor, promoter *Promoter) *Engine {
	return &Engine{store: st, extractor: extractor, promoter: promoter}
}

// ProcessFinding attributes one finding end to end. Extraction failures
// propagate without touching the pattern store; the caller may retry.
func (e *Engine) ProcessFinding(ctx context.Context, in FindingInput) (*Outcome, error) {
	evidence, err := e.extractor.Extract(ctx, in.Finding, in.ContextPack, in.Spec)
	if err != nil {
		return nil, fmt.Errorf("extract evidence: %w", err)
	}

	out := &Outcome{
		Evidence:   evidence,
		Resolution: ResolveFailureMode(*evidence),
	}
	log := slog.With("finding_id", in.Finding.ID, "project_id", in.ProjectID,
		"failure_mode", out.Resolution.FailureMode)

	if out.Resolution.FailureMode == models.FailureIncomplete ||
		out.Resolution.FailureMode == models.FailureMissingReference {
		out.Noncompliance = CheckNoncompliance(in.Finding, *evidence, in.ContextPack, in.Spec)
		if out.Noncompliance != nil {
			log.Info("Execution noncompliance detected",
				"stage", out.Noncompliance.ViolatedGuidanceStage,
				"location", out.Noncompliance.ViolatedGuidanceLocation)
		}
	}

	alert, err := e.findOrCreateAlert(ctx, in, evidence, out.Resolution.FailureMode)
	if err != nil {
		return nil, err
	}
	out.Alert = alert

	now := time.Now().UTC()
	occurrence := &models.Occurrence{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		IssueID:     in.Finding.IssueID,
		FindingID:   in.Finding.ID,
		QuoteType:   evidence.CarrierQuoteType,
		Fingerprint: in.Fingerprint,
		Status:      models.OccurrenceActive,
		CreatedAt:   now,
	}
	out.Occurrence = occurrence

	pattern, err := e.promoter.RecordOccurrence(ctx, alert, occurrence, PatternSeed{
		CarrierStage:    evidence.CarrierStage,
		FailureMode:     out.Resolution.FailureMode,
		FindingCategory: in.Finding.Category,
		SeverityMax:     in.Finding.Severity,
	})
	if err != nil {
		return nil, err
	}
	out.Pattern = pattern

	record := &store.AttributionRecord{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		FailureMode: out.Resolution.FailureMode,
		QuoteType:   evidence.CarrierQuoteType,
		CreatedAt:   now,
	}
	if err := e.store.Attributions().Record(ctx, record); err != nil {
		return nil, fmt.Errorf("record attribution: %w", err)
	}

	log.Info("Finding attributed", "alert_id", alert.ID, "promoted", pattern != nil)
	return out, nil
}

// findOrCreateAlert matches the finding against pending alerts by carrier
// quote (falling back to the finding title), creating a fresh alert with
// the default TTL when none matches. A fresh alert captures the evidence
// seed so the maintenance sweep can promote it later without the finding
// in hand.
func (e *Engine) findOrCreateAlert(ctx context.Context, in FindingInput,
	evidence *models.EvidenceBundle, mode models.FailureMode) (*models.ProvisionalAlert, error) {

	message := evidence.CarrierQuote
	if message == "" {
		message = in.Finding.Title
	}

	pending, err := e.store.Alerts().ListPending(ctx, in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list pending alerts: %w", err)
	}
	for _, a := range pending {
		if a.Message == message {
			return a, nil
		}
	}

	now := time.Now().UTC()
	alert := &models.ProvisionalAlert{
		ID:              uuid.NewString(),
		ProjectID:       in.ProjectID,
		Message:         message,
		FindingID:       in.Finding.ID,
		IssueID:         in.Finding.IssueID,
		Touches:         in.Touches,
		CarrierStage:    evidence.CarrierStage,
		FailureMode:     mode,
		FindingCategory: in.Finding.Category,
		SeverityMax:     in.Finding.Severity,
		QuoteType:       evidence.CarrierQuoteType,
		Status:          models.AlertPending,
		ExpiresAt:       now.Add(alertTTL),
		CreatedAt:       now,
	}
	if err := e.store.Alerts().Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return alert, nil
}
