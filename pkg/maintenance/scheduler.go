// Package maintenance runs the daily background upkeep: pattern confidence
// decay, alert expiry and early promotion, salience detection, kill-switch
// auto-resume, and document-change invalidation.
package maintenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/attribution"
	"github.com/falcon-pm/falcon/pkg/killswitch"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// Config tunes the maintenance scheduler.
type Config struct {
	// Interval between maintenance sweeps.
	Interval time.Duration

	// DecayAfter is how old a pattern must be (since last update) before
	// its confidence decays.
	DecayAfter time.Duration

	// DecayStep is subtracted from confidence per sweep once decaying.
	DecayStep float64

	// ArchiveBelow archives non-permanent patterns whose confidence falls
	// under this floor.
	ArchiveBelow float64

	// SalienceWindow and SalienceMinIgnored control ignored-warning
	// detection.
	SalienceWindow     time.Duration
	SalienceMinIgnored int
}

// DefaultConfig returns the built-in maintenance settings.
func DefaultConfig() Config {
	return Config{
		Interval:           24 * time.Hour,
		DecayAfter:         30 * 24 * time.Hour,
		DecayStep:          0.05,
		ArchiveBelow:       0.4,
		SalienceWindow:     30 * 24 * time.Hour,
		SalienceMinIgnored: 3,
	}
}

// Scheduler runs the sweep on a ticker. All operations are idempotent, so
// overlapping process restarts are harmless.
type Scheduler struct {
	cfg        Config
	store      store.Store
	promoter   *attribution.Promoter
	killswitch *killswitch.Service

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a maintenance Scheduler.
func NewScheduler(cfg Config, st store.Store, promoter *attribution.Promoter,
	ks *killswitch.Service) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, promoter: promoter, killswitch: ks}
}

// Start launches the background maintenance loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Maintenance scheduler started", "interval", s.cfg.Interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Maintenance scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one full maintenance sweep over every project.
func (s *Scheduler) RunAll(ctx context.Context) {
	projects, err := s.store.Projects().List(ctx)
	if err != nil {
		slog.Error("Maintenance: failed to list projects", "error", err)
		return
	}
	for _, p := range projects {
		s.decayConfidence(ctx, p.ID)
		s.sweepAlerts(ctx, p.ID)
		s.detectSalience(ctx, p.ID)
		if s.killswitch != nil {
			if _, err := s.killswitch.EvaluateHealth(ctx, p.ID); err != nil {
				slog.Error("Maintenance: health evaluation failed",
					"project_id", p.ID, "error", err)
			}
		}
	}
	if s.killswitch != nil {
		if err := s.killswitch.AutoResumeDue(ctx); err != nil {
			slog.Error("Maintenance: auto-resume failed", "error", err)
		}
	}
}

// decayConfidence reduces confidence of stale patterns and archives
// non-permanent ones that fall below the floor.
func (s *Scheduler) decayConfidence(ctx context.Context, projectID string) {
	patterns, err := s.store.Patterns().ListActive(ctx, projectID)
	if err != nil {
		slog.Error("Maintenance: failed to list patterns", "project_id", projectID, "error", err)
		return
	}

	cutoff := time.Now().UTC().Add(-s.cfg.DecayAfter)
	for _, p := range patterns {
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		p.Confidence -= s.cfg.DecayStep
		if p.Confidence < 0 {
			p.Confidence = 0
		}
		archived := false
		if p.Confidence < s.cfg.ArchiveBelow && !p.Permanent {
			p.Status = models.PatternArchived
			archived = true
		}
		p.UpdatedAt = time.Now().UTC()
		if err := s.store.Patterns().Update(ctx, p); err != nil {
			slog.Error("Maintenance: failed to decay pattern", "pattern_id", p.ID, "error", err)
			continue
		}
		slog.Info("Maintenance: pattern confidence decayed",
			"pattern_id", p.ID, "confidence", p.Confidence, "archived", archived)
	}
}

// sweepAlerts expires alerts past their TTL and promotes any still-pending
// alert that already clears the gate.
func (s *Scheduler) sweepAlerts(ctx context.Context, projectID string) {
	pending, err := s.store.Alerts().ListPending(ctx, projectID)
	if err != nil {
		slog.Error("Maintenance: failed to list alerts", "project_id", projectID, "error", err)
		return
	}

	now := time.Now().UTC()
	for _, a := range pending {
		if now.After(a.ExpiresAt) {
			a.Status = models.AlertExpired
			if err := s.store.Alerts().Update(ctx, a); err != nil {
				slog.Error("Maintenance: failed to expire alert", "alert_id", a.ID, "error", err)
			} else {
				slog.Info("Maintenance: alert expired", "alert_id", a.ID)
			}
			continue
		}
		if s.promoter == nil {
			continue
		}
		// Early promotion: re-check the gate with whatever occurrences
		// have accumulated, reusing the seed and quote type captured
		// when the alert was created.
		if _, err := s.promoter.TryPromote(ctx, a, a.QuoteType,
			attribution.PatternSeed{
				CarrierStage:    a.CarrierStage,
				FailureMode:     a.FailureMode,
				FindingCategory: a.FindingCategory,
				SeverityMax:     a.SeverityMax,
			}); err != nil {
			slog.Error("Maintenance: early promotion failed", "alert_id", a.ID, "error", err)
		}
	}
}

// detectSalience flags active patterns whose injected warnings keep being
// ignored. The key hashes stable pattern identity so repeated sweeps
// upsert instead of duplicating.
func (s *Scheduler) detectSalience(ctx context.Context, projectID string) {
	patterns, err := s.store.Patterns().ListActive(ctx, projectID)
	if err != nil {
		slog.Error("Maintenance: failed to list patterns", "project_id", projectID, "error", err)
		return
	}

	since := time.Now().UTC().Add(-s.cfg.SalienceWindow)
	for _, p := range patterns {
		ignored, err := s.store.Patterns().CountIgnored(ctx, p.ID, since)
		if err != nil {
			slog.Error("Maintenance: failed to count ignored occurrences",
				"pattern_id", p.ID, "error", err)
			continue
		}
		if ignored < s.cfg.SalienceMinIgnored {
			continue
		}

		now := time.Now().UTC()
		issue := &models.SalienceIssue{
			ID:           uuid.NewString(),
			ProjectID:    projectID,
			PatternID:    p.ID,
			Key:          SalienceKey(p),
			IgnoredCount: ignored,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.Salience().Upsert(ctx, issue); err != nil {
			slog.Error("Maintenance: failed to upsert salience issue",
				"pattern_id", p.ID, "error", err)
			continue
		}
		slog.Warn("Maintenance: pattern warnings repeatedly ignored",
			"pattern_id", p.ID, "ignored", ignored)
	}
}

// SalienceKey derives the stable dedup key for a pattern: a hash over the
// carrier stage, the first 100 characters, and the full content.
func SalienceKey(p *models.Pattern) string {
	head := p.PatternContent
	if len(head) > 100 {
		head = head[:100]
	}
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", p.CarrierStage, head, p.PatternContent))
	return hex.EncodeToString(h[:])
}
