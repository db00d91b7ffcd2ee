// Package killswitch gates pattern creation per project based on manual
// control and rolling attribution health.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// Sentinel errors for the manual transitions.
var (
	// ErrReasonRequired is returned when a manual pause has no reason.
	ErrReasonRequired = errors.New("pause reason is required")

	// ErrAutoPaused is returned when resuming an auto-triggered pause
	// without force.
	ErrAutoPaused = errors.New("pause was auto-triggered; use force to resume")
)

// Thresholds are the rolling-window health limits. Precision and
// improvement rate are higher-is-better; inferred ratio is lower-is-better.
type Thresholds struct {
	MinPrecision       float64
	MaxInferredRatio   float64
	MinImprovementRate float64
}

// DefaultThresholds returns the built-in health limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinPrecision:       0.6,
		MaxInferredRatio:   0.4,
		MinImprovementRate: 0.3,
	}
}

// Config tunes the kill switch.
type Config struct {
	WorkspaceID string
	Thresholds  Thresholds

	// Margin is the fraction by which a metric must breach its threshold
	// before auto-pause triggers.
	Margin float64

	// Window is the rolling metrics window.
	Window time.Duration

	// AutoResumeDelay is how long after an auto-pause the project becomes
	// due for resume evaluation.
	AutoResumeDelay time.Duration
}

// DefaultConfig returns the built-in kill-switch settings.
func DefaultConfig(workspaceID string) Config {
	return Config{
		WorkspaceID:     workspaceID,
		Thresholds:      DefaultThresholds(),
		Margin:          0.10,
		Window:          30 * 24 * time.Hour,
		AutoResumeDelay: 24 * time.Hour,
	}
}

// Service owns the per-project gate state.
type Service struct {
	cfg   Config
	store store.Store
}

// NewService creates a kill-switch Service.
func NewService(cfg Config, st store.Store) *Service {
	return &Service{cfg: cfg, store: st}
}

// Status returns the project's gate state, defaulting to active when no
// record exists yet.
func (s *Service) Status(ctx context.Context, projectID string) (*models.KillSwitchStatus, error) {
	status, err := s.store.KillSwitches().Get(ctx, s.cfg.WorkspaceID, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.KillSwitchStatus{
			WorkspaceID: s.cfg.WorkspaceID,
			ProjectID:   projectID,
			State:       models.KillSwitchActive,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Pause manually pauses pattern creation. Pausing an already-paused
// project is a no-op and does not shorten an existing auto-resume timer.
func (s *Service) Pause(ctx context.Context, projectID string, state models.KillSwitchState, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if state != models.KillSwitchInferredPaused && state != models.KillSwitchFullyPaused {
		return fmt.Errorf("cannot pause into state %q", state)
	}

	status, err := s.Status(ctx, projectID)
	if err != nil {
		return err
	}
	if status.State != models.KillSwitchActive {
		slog.Info("Kill switch already paused", "project_id", projectID, "state", status.State)
		return nil
	}

	status.State = state
	status.Reason = reason
	status.AutoTriggered = false
	status.AutoResumeAt = nil
	status.ChangedAt = time.Now().UTC()
	return s.store.KillSwitches().Set(ctx, status)
}

// Resume re-enables pattern creation. An auto-triggered pause refuses to
// resume manually unless force is set.
func (s *Service) Resume(ctx context.Context, projectID string, force bool) error {
	status, err := s.Status(ctx, projectID)
	if err != nil {
		return err
	}
	if status.State == models.KillSwitchActive {
		return nil
	}
	if status.AutoTriggered && !force {
		return ErrAutoPaused
	}

	status.State = models.KillSwitchActive
	status.Reason = ""
	status.AutoTriggered = false
	status.AutoResumeAt = nil
	status.ChangedAt = time.Now().UTC()
	return s.store.KillSwitches().Set(ctx, status)
}

// AllowPatternCreation reports whether a pattern with the given quote type
// may be created. Injection of already-promoted patterns is never gated
// here.
func (s *Service) AllowPatternCreation(ctx context.Context, projectID string,
	quote models.QuoteType) (bool, string, error) {

	status, err := s.Status(ctx, projectID)
	if err != nil {
		return false, "", err
	}
	switch status.State {
	case models.KillSwitchFullyPaused:
		return false, fmt.Sprintf("pattern creation fully paused: %s", status.Reason), nil
	case models.KillSwitchInferredPaused:
		if quote == models.QuoteInferred {
			return false, fmt.Sprintf("inferred pattern creation paused: %s", status.Reason), nil
		}
	}
	return true, "", nil
}

// breach reports whether a metric breaches its threshold by more than the
// configured margin. higherIsBetter flips the comparison direction.
func (s *Service) breach(value, threshold float64, higherIsBetter bool) bool {
	if higherIsBetter {
		return value < threshold*(1-s.cfg.Margin)
	}
	return value > threshold*(1+s.cfg.Margin)
}

// EvaluateHealth computes the rolling metrics and auto-pauses the project
// when any metric breaches its threshold beyond the margin. Returns the
// metrics for logging and status surfaces.
func (s *Service) EvaluateHealth(ctx context.Context, projectID string) (*models.HealthMetrics, error) {
	metrics, err := s.store.Attributions().Metrics(ctx, projectID, s.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("compute health metrics: %w", err)
	}
	if metrics.SampleCount == 0 {
		// An empty window reports all-zero rates; that is absence of
		// data, not a breach.
		return metrics, nil
	}

	t := s.cfg.Thresholds
	var reason string
	state := models.KillSwitchActive
	switch {
	case s.breach(metrics.AttributionPrecisionScore, t.MinPrecision, true):
		state = models.KillSwitchFullyPaused
		reason = fmt.Sprintf("attribution precision %.2f below threshold %.2f",
			metrics.AttributionPrecisionScore, t.MinPrecision)
	case s.breach(metrics.ObservedImprovementRate, t.MinImprovementRate, true):
		state = models.KillSwitchFullyPaused
		reason = fmt.Sprintf("observed improvement rate %.2f below threshold %.2f",
			metrics.ObservedImprovementRate, t.MinImprovementRate)
	case s.breach(metrics.InferredRatio, t.MaxInferredRatio, false):
		state = models.KillSwitchInferredPaused
		reason = fmt.Sprintf("inferred ratio %.2f above threshold %.2f",
			metrics.InferredRatio, t.MaxInferredRatio)
	}
	if state == models.KillSwitchActive {
		return metrics, nil
	}

	status, err := s.Status(ctx, projectID)
	if err != nil {
		return metrics, err
	}
	if status.State != models.KillSwitchActive {
		// Already paused; leave the existing record and timer alone.
		return metrics, nil
	}

	resumeAt := time.Now().UTC().Add(s.cfg.AutoResumeDelay)
	status.State = state
	status.Reason = reason
	status.AutoTriggered = true
	status.AutoResumeAt = &resumeAt
	status.ChangedAt = time.Now().UTC()
	slog.Warn("Kill switch auto-paused", "project_id", projectID, "state", state, "reason", reason)
	return metrics, s.store.KillSwitches().Set(ctx, status)
}

// healthy reports whether every metric is within its raw threshold (no
// margin applied on the resume side).
func (s *Service) healthy(m *models.HealthMetrics) bool {
	t := s.cfg.Thresholds
	return m.AttributionPrecisionScore >= t.MinPrecision &&
		m.InferredRatio <= t.MaxInferredRatio &&
		m.ObservedImprovementRate >= t.MinImprovementRate
}

// AutoResumeDue resumes every auto-paused project whose timer has elapsed
// and whose metrics are all back within thresholds. Projects still
// unhealthy get their timer pushed out by another delay.
func (s *Service) AutoResumeDue(ctx context.Context) error {
	due, err := s.store.KillSwitches().ListDueForResume(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list due for resume: %w", err)
	}
	for _, status := range due {
		metrics, err := s.store.Attributions().Metrics(ctx, status.ProjectID, s.cfg.Window)
		if err != nil {
			slog.Error("Failed to compute metrics for auto-resume",
				"project_id", status.ProjectID, "error", err)
			continue
		}
		if !s.healthy(metrics) {
			resumeAt := time.Now().UTC().Add(s.cfg.AutoResumeDelay)
			status.AutoResumeAt = &resumeAt
			if err := s.store.KillSwitches().Set(ctx, status); err != nil {
				slog.Error("Failed to push auto-resume timer",
					"project_id", status.ProjectID, "error", err)
			}
			continue
		}

		status.State = models.KillSwitchActive
		status.Reason = ""
		status.AutoTriggered = false
		status.AutoResumeAt = nil
		status.ChangedAt = time.Now().UTC()
		if err := s.store.KillSwitches().Set(ctx, status); err != nil {
			slog.Error("Failed to auto-resume kill switch",
				"project_id", status.ProjectID, "error", err)
			continue
		}
		slog.Info("Kill switch auto-resumed", "project_id", status.ProjectID)
	}
	return nil
}
