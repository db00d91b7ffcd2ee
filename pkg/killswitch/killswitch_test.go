package killswitch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

func newService(st store.Store) *Service {
	return NewService(DefaultConfig("ws-1"), st)
}

// record inserts one attribution outcome for the health metrics window.
func record(t *testing.T, st store.Store, id string, quote models.QuoteType, confirmed, improved bool) {
	t.Helper()
	require.NoError(t, st.Attributions().Record(context.Background(), &store.AttributionRecord{
		ID: id, ProjectID: "p-1", FailureMode: models.FailureIncorrect,
		QuoteType: quote, Confirmed: confirmed, Improved: improved,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestStatus_DefaultsToActive(t *testing.T) {
	s := newService(store.NewMemoryStore())
	status, err := s.Status(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)
	assert.Equal(t, "ws-1", status.WorkspaceID)
}

func TestPause(t *testing.T) {
	ctx := context.Background()
	s := newService(store.NewMemoryStore())

	assert.ErrorIs(t, s.Pause(ctx, "p-1", models.KillSwitchFullyPaused, ""), ErrReasonRequired)
	assert.Error(t, s.Pause(ctx, "p-1", models.KillSwitchActive, "nonsense target"))

	require.NoError(t, s.Pause(ctx, "p-1", models.KillSwitchFullyPaused, "bad patterns shipped"))
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchFullyPaused, status.State)
	assert.Equal(t, "bad patterns shipped", status.Reason)
	assert.False(t, status.AutoTriggered)

	// Pausing again is a no-op and keeps the original reason.
	require.NoError(t, s.Pause(ctx, "p-1", models.KillSwitchInferredPaused, "different reason"))
	status, err = s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchFullyPaused, status.State)
	assert.Equal(t, "bad patterns shipped", status.Reason)
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	s := newService(store.NewMemoryStore())

	// Resuming an active project is a no-op.
	require.NoError(t, s.Resume(ctx, "p-1", false))

	require.NoError(t, s.Pause(ctx, "p-1", models.KillSwitchInferredPaused, "drift"))
	require.NoError(t, s.Resume(ctx, "p-1", false))
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)
	assert.Empty(t, status.Reason)
}

func TestResume_AutoPausedNeedsForce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	now := time.Now().UTC()
	resumeAt := now.Add(24 * time.Hour)
	require.NoError(t, st.KillSwitches().Set(ctx, &models.KillSwitchStatus{
		WorkspaceID: "ws-1", ProjectID: "p-1",
		State: models.KillSwitchFullyPaused, Reason: "precision collapsed",
		AutoTriggered: true, AutoResumeAt: &resumeAt, ChangedAt: now,
	}))

	assert.ErrorIs(t, s.Resume(ctx, "p-1", false), ErrAutoPaused)
	require.NoError(t, s.Resume(ctx, "p-1", true))
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)
}

func TestAllowPatternCreation(t *testing.T) {
	ctx := context.Background()
	s := newService(store.NewMemoryStore())

	allowed, _, err := s.AllowPatternCreation(ctx, "p-1", models.QuoteInferred)
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, s.Pause(ctx, "p-1", models.KillSwitchInferredPaused, "too much inference"))
	allowed, reason, err := s.AllowPatternCreation(ctx, "p-1", models.QuoteInferred)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "inferred pattern creation paused")

	allowed, _, err = s.AllowPatternCreation(ctx, "p-1", models.QuoteVerbatim)
	require.NoError(t, err)
	assert.True(t, allowed, "inferred pause still admits verbatim patterns")

	require.NoError(t, s.Resume(ctx, "p-1", false))
	require.NoError(t, s.Pause(ctx, "p-1", models.KillSwitchFullyPaused, "all stop"))
	allowed, reason, err = s.AllowPatternCreation(ctx, "p-1", models.QuoteVerbatim)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, reason, "fully paused")
}

func TestEvaluateHealth_LowPrecisionFullyPauses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	// 1 confirmed of 4, all improved: precision 0.25 breaches 0.6 with
	// margin; improvement rate stays healthy.
	record(t, st, "r-1", models.QuoteVerbatim, true, true)
	record(t, st, "r-2", models.QuoteVerbatim, false, true)
	record(t, st, "r-3", models.QuoteVerbatim, false, true)
	record(t, st, "r-4", models.QuoteVerbatim, false, true)

	_, err := s.EvaluateHealth(ctx, "p-1")
	require.NoError(t, err)

	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchFullyPaused, status.State)
	assert.True(t, status.AutoTriggered)
	require.NotNil(t, status.AutoResumeAt)
	assert.Contains(t, status.Reason, "precision")
}

func TestEvaluateHealth_HighInferredRatioPausesInferred(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	// All confirmed and improved so the fully-paused checks stay quiet;
	// 3 of 4 inferred is 0.75, past 0.4 * 1.1.
	record(t, st, "r-1", models.QuoteInferred, true, true)
	record(t, st, "r-2", models.QuoteInferred, true, true)
	record(t, st, "r-3", models.QuoteInferred, true, true)
	record(t, st, "r-4", models.QuoteVerbatim, true, true)

	_, err := s.EvaluateHealth(ctx, "p-1")
	require.NoError(t, err)

	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchInferredPaused, status.State)
	assert.Contains(t, status.Reason, "inferred ratio")
}

func TestEvaluateHealth_WithinMarginStaysActive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	// Precision 0.55 is below the 0.6 threshold but inside the 10% margin
	// (floor 0.54), so no auto-pause fires. 20 records, 11 confirmed.
	for i := 0; i < 20; i++ {
		record(t, st, string(rune('a'+i)), models.QuoteVerbatim, i < 11, true)
	}

	_, err := s.EvaluateHealth(ctx, "p-1")
	require.NoError(t, err)
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)
}

func TestEvaluateHealth_EmptyWindowStaysActive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	// No attribution records yet: every rate reads zero, which would
	// breach all thresholds if it counted as evidence.
	m, err := s.EvaluateHealth(ctx, "p-1")
	require.NoError(t, err)
	assert.Zero(t, m.SampleCount)

	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)
}

func TestEvaluateHealth_NeverOverwritesExistingPause(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	require.NoError(t, s.Pause(ctx, "p-1", models.KillSwitchInferredPaused, "manual hold"))
	record(t, st, "r-1", models.QuoteVerbatim, false, false)

	_, err := s.EvaluateHealth(ctx, "p-1")
	require.NoError(t, err)
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchInferredPaused, status.State)
	assert.Equal(t, "manual hold", status.Reason)
	assert.False(t, status.AutoTriggered)
}

func TestAutoResumeDue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.KillSwitches().Set(ctx, &models.KillSwitchStatus{
		WorkspaceID: "ws-1", ProjectID: "p-1",
		State: models.KillSwitchFullyPaused, Reason: "precision collapsed",
		AutoTriggered: true, AutoResumeAt: &past, ChangedAt: past,
	}))

	// Healthy metrics: all confirmed, none inferred, all improved.
	record(t, st, "r-1", models.QuoteVerbatim, true, true)
	record(t, st, "r-2", models.QuoteVerbatim, true, true)

	require.NoError(t, s.AutoResumeDue(ctx))
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)
}

func TestAutoResumeDue_UnhealthyPushesTimer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	s := newService(st)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.KillSwitches().Set(ctx, &models.KillSwitchStatus{
		WorkspaceID: "ws-1", ProjectID: "p-1",
		State: models.KillSwitchFullyPaused, Reason: "precision collapsed",
		AutoTriggered: true, AutoResumeAt: &past, ChangedAt: past,
	}))
	record(t, st, "r-1", models.QuoteVerbatim, false, false)

	require.NoError(t, s.AutoResumeDue(ctx))
	status, err := s.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchFullyPaused, status.State)
	require.NotNil(t, status.AutoResumeAt)
	assert.True(t, status.AutoResumeAt.After(time.Now().UTC()))
}
