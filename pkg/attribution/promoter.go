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

// Gate is the set of thresholds a provisional alert must clear to become a
// durable pattern.
type Gate struct {
	MinOccurrences  int
	MinUniqueIssues int
	MinConfidence   float64
	MaxAge          time.Duration
}

// DefaultGate returns the built-in promotion thresholds.
func DefaultGate() Gate {
	return Gate{
		MinOccurrences:  3,
		MinUniqueIssues: 2,
		MinConfidence:   0.70,
		MaxAge:          90 * 24 * time.Hour,
	}
}

// CreationGuard decides whether a pattern may be created for a project.
// The kill switch implements this; a nil guard always allows.
type CreationGuard interface {
	AllowPatternCreation(ctx context.Context, projectID string, quote models.QuoteType) (bool, string, error)
}

// PatternSeed carries the evidence-derived fields a new pattern needs
// beyond what the alert itself stores.
type PatternSeed struct {
	CarrierStage    models.CarrierStage
	FailureMode     models.FailureMode
	Alternative     string
	FindingCategory string
	SeverityMax     string
	Technologies    []string
}

// Promoter evaluates the pattern gate whenever an occurrence lands on a
// provisional alert, promoting the alert once every threshold is met.
type Promoter struct {
	store store.Store
	gate  Gate
	guard CreationGuard
}

// NewPromoter creates a Promoter. guard may be nil.
func NewPromoter(st store.Store, gate Gate, guard CreationGuard) *Promoter {
	return &Promoter{store: st, gate: gate, guard: guard}
}

// RecordOccurrence persists the occurrence against the alert and attempts
// promotion. Failure to promote is not an error; the blocking reason is
// logged.
func (p *Promoter) RecordOccurrence(ctx context.Context, alert *models.ProvisionalAlert,
	o *models.Occurrence, seed PatternSeed) (*models.Pattern, error) {

	o.AlertID = alert.ID
	o.PatternID = ""
	if err := p.store.Patterns().CreateOccurrence(ctx, o); err != nil {
		return nil, fmt.Errorf("record occurrence: %w", err)
	}
	return p.TryPromote(ctx, alert, o.QuoteType, seed)
}

// TryPromote checks the gate and promotes the alert when every threshold
// is met. Returns the new pattern, or nil when the gate blocks.
func (p *Promoter) TryPromote(ctx context.Context, alert *models.ProvisionalAlert,
	quote models.QuoteType, seed PatternSeed) (*models.Pattern, error) {

	log := slog.With("alert_id", alert.ID, "project_id", alert.ProjectID)

	if alert.Status == models.AlertPromoted {
		log.Debug("Alert already promoted")
		return nil, nil
	}

	occurrences, err := p.store.Patterns().ListOccurrencesByAlert(ctx, alert.ID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}

	if reason := p.gateBlocks(occurrences); reason != "" {
		log.Info("Promotion gate not met", "reason", reason)
		return nil, nil
	}

	if p.guard != nil {
		allowed, reason, err := p.guard.AllowPatternCreation(ctx, alert.ProjectID, quote)
		if err != nil {
			return nil, fmt.Errorf("consult kill switch: %w", err)
		}
		if !allowed {
			log.Warn("Pattern creation denied by kill switch", "reason", reason)
			return nil, nil
		}
	}

	now := time.Now().UTC()
	pattern := &models.Pattern{
		ID:              uuid.NewString(),
		ProjectID:       alert.ProjectID,
		CarrierStage:    seed.CarrierStage,
		PatternContent:  alert.Message,
		Alternative:     seed.Alternative,
		FindingCategory: seed.FindingCategory,
		FailureMode:     seed.FailureMode,
		SeverityMax:     seed.SeverityMax,
		Touches:         alert.Touches,
		Technologies:    seed.Technologies,
		Confidence:      averageConfidence(occurrences),
		Status:          models.PatternActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.store.Patterns().Create(ctx, pattern); err != nil {
		return nil, fmt.Errorf("create pattern: %w", err)
	}

	alert.Status = models.AlertPromoted
	alert.PromotedPatternID = pattern.ID
	if err := p.store.Alerts().Update(ctx, alert); err != nil {
		return nil, fmt.Errorf("mark alert promoted: %w", err)
	}
	if err := p.store.Patterns().RelinkOccurrences(ctx, alert.ID, pattern.ID); err != nil {
		return nil, fmt.Errorf("relink occurrences: %w", err)
	}

	log.Info("Alert promoted to pattern",
		"pattern_id", pattern.ID,
		"occurrences", len(occurrences),
		"confidence", pattern.Confidence)
	return pattern, nil
}

// gateBlocks returns the first unmet threshold as a human-readable reason,
// or "" when every gate passes.
func (p *Promoter) gateBlocks(occurrences []*models.Occurrence) string {
	if len(occurrences) < p.gate.MinOccurrences {
		return fmt.Sprintf("occurrences %d < %d", len(occurrences), p.gate.MinOccurrences)
	}

	issues := make(map[string]bool)
	for _, o := range occurrences {
		issues[o.IssueID] = true
	}
	if len(issues) < p.gate.MinUniqueIssues {
		return fmt.Sprintf("unique issues %d < %d", len(issues), p.gate.MinUniqueIssues)
	}

	if avg := averageConfidence(occurrences); avg < p.gate.MinConfidence {
		return fmt.Sprintf("average confidence %.3f < %.2f", avg, p.gate.MinConfidence)
	}

	cutoff := time.Now().UTC().Add(-p.gate.MaxAge)
	for _, o := range occurrences {
		if o.CreatedAt.Before(cutoff) {
			return fmt.Sprintf("oldest occurrence exceeds %s", p.gate.MaxAge)
		}
	}
	return ""
}

// averageConfidence derives per-occurrence confidence from the quote type.
// Occurrences store no confidence of their own; the quote-type map is the
// entire policy.
func averageConfidence(occurrences []*models.Occurrence) float64 {
	if len(occurrences) == 0 {
		return 0
	}
	var sum float64
	for _, o := range occurrences {
		sum += models.ConfidenceFor(o.QuoteType)
	}
	return sum / float64(len(occurrences))
}
