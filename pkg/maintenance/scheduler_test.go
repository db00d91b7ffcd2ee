package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/attribution"
	"github.com/falcon-pm/falcon/pkg/killswitch"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

func seedProject(t *testing.T, st store.Store) {
	t.Helper()
	require.NoError(t, st.Projects().Create(context.Background(), &models.Project{
		ID: "p-1", Slug: "proj", Name: "Proj", Lifecycle: models.ProjectActive,
		CreatedAt: time.Now().UTC(),
	}))
}

func activePattern(id string, confidence float64, updatedAt time.Time) *models.Pattern {
	return &models.Pattern{
		ID: id, ProjectID: "p-1", CarrierStage: models.CarrierContextPack,
		PatternContent: "guidance " + id, FailureMode: models.FailureIncomplete,
		Confidence: confidence, Status: models.PatternActive,
		CreatedAt: updatedAt, UpdatedAt: updatedAt,
	}
}

func TestDecayConfidence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	s := NewScheduler(DefaultConfig(), st, nil, nil)

	stale := time.Now().UTC().Add(-60 * 24 * time.Hour)
	fresh := time.Now().UTC()
	require.NoError(t, st.Patterns().Create(ctx, activePattern("stale", 0.8, stale)))
	require.NoError(t, st.Patterns().Create(ctx, activePattern("fresh", 0.8, fresh)))

	s.RunAll(ctx)

	got, err := st.Patterns().Get(ctx, "stale")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.Confidence, 1e-9)
	assert.Equal(t, models.PatternActive, got.Status)

	got, err = st.Patterns().Get(ctx, "fresh")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9, "recently updated patterns do not decay")
}

func TestDecayArchivesBelowFloor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	s := NewScheduler(DefaultConfig(), st, nil, nil)

	stale := time.Now().UTC().Add(-60 * 24 * time.Hour)
	low := activePattern("low", 0.41, stale)
	perm := activePattern("perm", 0.41, stale)
	perm.Permanent = true
	require.NoError(t, st.Patterns().Create(ctx, low))
	require.NoError(t, st.Patterns().Create(ctx, perm))

	s.RunAll(ctx)

	got, err := st.Patterns().Get(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, models.PatternArchived, got.Status)

	got, err = st.Patterns().Get(ctx, "perm")
	require.NoError(t, err)
	assert.Equal(t, models.PatternActive, got.Status, "permanent patterns decay but never archive")
	assert.InDelta(t, 0.36, got.Confidence, 1e-9)
}

func TestSweepAlerts_ExpiresPastTTL(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	s := NewScheduler(DefaultConfig(), st, nil, nil)

	now := time.Now().UTC()
	expired := &models.ProvisionalAlert{
		ID: "old", ProjectID: "p-1", Message: "m", Status: models.AlertPending,
		ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-31 * 24 * time.Hour),
	}
	live := &models.ProvisionalAlert{
		ID: "live", ProjectID: "p-1", Message: "m", Status: models.AlertPending,
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}
	require.NoError(t, st.Alerts().Create(ctx, expired))
	require.NoError(t, st.Alerts().Create(ctx, live))

	s.RunAll(ctx)

	got, err := st.Alerts().Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.AlertExpired, got.Status)
	got, err = st.Alerts().Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, models.AlertPending, got.Status)
}

func TestSweepAlerts_EarlyPromotion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	promoter := attribution.NewPromoter(st, attribution.DefaultGate(), nil)
	s := NewScheduler(DefaultConfig(), st, promoter, nil)

	now := time.Now().UTC()
	alert := &models.ProvisionalAlert{
		ID: "al-1", ProjectID: "p-1", Message: "never do the thing",
		CarrierStage: models.CarrierSpec, FailureMode: models.FailureAmbiguous,
		FindingCategory: "SECURITY", SeverityMax: "high", QuoteType: models.QuoteVerbatim,
		Status: models.AlertPending, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
	require.NoError(t, st.Alerts().Create(ctx, alert))
	for i, issue := range []string{"i-1", "i-1", "i-2"} {
		require.NoError(t, st.Patterns().CreateOccurrence(ctx, &models.Occurrence{
			ID: fmt.Sprintf("o-%d", i), ProjectID: "p-1", AlertID: "al-1",
			IssueID: issue, FindingID: fmt.Sprintf("f-%d", i),
			QuoteType: models.QuoteVerbatim, Status: models.OccurrenceActive, CreatedAt: now,
		}))
	}

	s.RunAll(ctx)

	got, err := st.Alerts().Get(ctx, "al-1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertPromoted, got.Status)
	require.NotEmpty(t, got.PromotedPatternID)

	// The promoted pattern inherits the seed captured at alert creation.
	p, err := st.Patterns().Get(ctx, got.PromotedPatternID)
	require.NoError(t, err)
	assert.Equal(t, models.CarrierSpec, p.CarrierStage)
	assert.Equal(t, models.FailureAmbiguous, p.FailureMode)
	assert.Equal(t, "SECURITY", p.FindingCategory)
	assert.Equal(t, "high", p.SeverityMax)
}

func TestSweepAlerts_InferredAlertRespectsPause(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	ks := killswitch.NewService(killswitch.DefaultConfig("ws-1"), st)
	require.NoError(t, ks.Pause(ctx, "p-1", models.KillSwitchInferredPaused, "too much inference"))
	promoter := attribution.NewPromoter(st, attribution.DefaultGate(), ks)
	s := NewScheduler(DefaultConfig(), st, promoter, ks)

	now := time.Now().UTC()
	alert := &models.ProvisionalAlert{
		ID: "al-1", ProjectID: "p-1", Message: "maybe avoid the thing",
		QuoteType: models.QuoteInferred,
		Status:    models.AlertPending, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
	require.NoError(t, st.Alerts().Create(ctx, alert))
	for i, issue := range []string{"i-1", "i-1", "i-2"} {
		require.NoError(t, st.Patterns().CreateOccurrence(ctx, &models.Occurrence{
			ID: fmt.Sprintf("o-%d", i), ProjectID: "p-1", AlertID: "al-1",
			IssueID: issue, FindingID: fmt.Sprintf("f-%d", i),
			QuoteType: models.QuoteVerbatim, Status: models.OccurrenceActive, CreatedAt: now,
		}))
	}

	s.RunAll(ctx)

	// The occurrences clear the gate, but the alert's inferred quote type
	// keeps it pending while inferred creation is paused.
	got, err := st.Alerts().Get(ctx, "al-1")
	require.NoError(t, err)
	assert.Equal(t, models.AlertPending, got.Status)
	assert.Empty(t, got.PromotedPatternID)
}

func TestRunAll_AutoPausesUnhealthyProject(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	ks := killswitch.NewService(killswitch.DefaultConfig("ws-1"), st)
	s := NewScheduler(DefaultConfig(), st, nil, ks)

	// A project with no attribution records stays active.
	s.RunAll(ctx)
	status, err := ks.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchActive, status.State)

	// Collapsed precision trips the automatic pause on the next sweep.
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, st.Attributions().Record(ctx, &store.AttributionRecord{
			ID: fmt.Sprintf("r-%d", i), ProjectID: "p-1",
			FailureMode: models.FailureIncorrect, QuoteType: models.QuoteVerbatim,
			Confirmed: i == 0, Improved: true, CreatedAt: now,
		}))
	}
	s.RunAll(ctx)

	status, err = ks.Status(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.KillSwitchFullyPaused, status.State)
	assert.True(t, status.AutoTriggered)
}

func TestDetectSalience(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedProject(t, st)
	s := NewScheduler(DefaultConfig(), st, nil, nil)

	now := time.Now().UTC()
	require.NoError(t, st.Patterns().Create(ctx, activePattern("pat-1", 0.9, now)))
	require.NoError(t, st.Patterns().Create(ctx, activePattern("pat-2", 0.9, now)))

	// pat-1: three injected-but-ignored occurrences. pat-2: two, under the
	// threshold.
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Patterns().CreateOccurrence(ctx, &models.Occurrence{
			ID: fmt.Sprintf("ig-%d", i), ProjectID: "p-1", PatternID: "pat-1",
			QuoteType: models.QuoteVerbatim, WasInjected: true, WasAdheredTo: false,
			Status: models.OccurrenceActive, CreatedAt: now,
		}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, st.Patterns().CreateOccurrence(ctx, &models.Occurrence{
			ID: fmt.Sprintf("ok-%d", i), ProjectID: "p-1", PatternID: "pat-2",
			QuoteType: models.QuoteVerbatim, WasInjected: true, WasAdheredTo: false,
			Status: models.OccurrenceActive, CreatedAt: now,
		}))
	}

	s.RunAll(ctx)

	issues, err := st.Salience().ListByProject(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "pat-1", issues[0].PatternID)
	assert.Equal(t, 3, issues[0].IgnoredCount)

	// Repeated sweeps upsert by key instead of duplicating.
	s.RunAll(ctx)
	issues, err = st.Salience().ListByProject(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, issues, 1)
}

func TestSalienceKey(t *testing.T) {
	a := activePattern("a", 0.9, time.Now())
	b := activePattern("b", 0.9, time.Now())
	assert.NotEqual(t, SalienceKey(a), SalienceKey(b))
	assert.Equal(t, SalienceKey(a), SalienceKey(a))
	assert.Len(t, SalienceKey(a), 64)
}

func TestSchedulerStartStop(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	s := NewScheduler(cfg, st, nil, nil)

	s.Start(context.Background())
	s.Start(context.Background()) // idempotent
	s.Stop()
}
