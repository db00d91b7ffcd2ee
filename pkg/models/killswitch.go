package models

import "time"

// KillSwitchState gates pattern creation for a project.
type KillSwitchState string

// Kill-switch states. Injection of existing patterns is never gated.
const (
	// KillSwitchActive allows all pattern creation.
	KillSwitchActive KillSwitchState = "active"
	// KillSwitchInferredPaused still creates verbatim and paraphrase
	// patterns; inferred ones are logged and dropped.
	KillSwitchInferredPaused KillSwitchState = "inferred_paused"
	// KillSwitchFullyPaused saves no patterns at all.
	KillSwitchFullyPaused KillSwitchState = "fully_paused"
)

// KillSwitchStatus is the per-(workspace, project) gate record. State
// transitions carry monotonic timestamps.
type KillSwitchStatus struct {
	WorkspaceID   string          `json:"workspace_id"`
	ProjectID     string          `json:"project_id"`
	State         KillSwitchState `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	AutoTriggered bool            `json:"auto_triggered"`
	AutoResumeAt  *time.Time      `json:"auto_resume_at,omitempty"`
	ChangedAt     time.Time       `json:"changed_at"`
}

// HealthMetrics are the rolling 30-day attribution health numbers that
// drive kill-switch auto-pause and auto-resume. SampleCount distinguishes
// an empty window, where every rate is zero, from genuinely bad rates.
type HealthMetrics struct {
	AttributionPrecisionScore float64        `json:"attribution_precision_score"` // higher is better
	InferredRatio             float64        `json:"inferred_ratio"`              // lower is better
	ObservedImprovementRate   float64        `json:"observed_improvement_rate"`   // higher is better
	AttributionCounts         map[string]int `json:"attribution_counts"`          // per failure-mode kind
	SampleCount               int            `json:"sample_count"`
	WindowStart               time.Time      `json:"window_start"`
	WindowEnd                 time.Time      `json:"window_end"`
}
