package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/stage"
)

func seedProject(t *testing.T, st Store, id, slug string) *models.Project {
	t.Helper()
	p := &models.Project{
		ID: id, Slug: slug, Name: slug, RepoURL: "https://example.com/" + slug + ".git",
		Lifecycle: models.ProjectActive, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Projects().Create(context.Background(), p))
	return p
}

func TestMemoryProjects(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedProject(t, st, "p-1", "alpha")

	// Duplicate slug conflicts.
	err := st.Projects().Create(ctx, &models.Project{ID: "p-2", Slug: "alpha"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := st.Projects().GetBySlug(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)

	_, err = st.Projects().Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Projects().Delete(ctx, "p-1"))
	assert.ErrorIs(t, st.Projects().Delete(ctx, "p-1"), ErrNotFound)
}

func TestMemoryIssues_NumberingAndVersioning(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedProject(t, st, "p-1", "alpha")
	seedProject(t, st, "p-2", "beta")

	a := &models.Issue{ID: "i-1", ProjectID: "p-1", Title: "one", Status: models.StatusBacklog, Stage: stage.Backlog}
	b := &models.Issue{ID: "i-2", ProjectID: "p-1", Title: "two", Status: models.StatusBacklog, Stage: stage.Backlog}
	c := &models.Issue{ID: "i-3", ProjectID: "p-2", Title: "other project", Status: models.StatusBacklog, Stage: stage.Backlog}
	require.NoError(t, st.Issues().Create(ctx, a))
	require.NoError(t, st.Issues().Create(ctx, b))
	require.NoError(t, st.Issues().Create(ctx, c))

	assert.Equal(t, 1, a.Number)
	assert.Equal(t, 2, b.Number)
	assert.Equal(t, 1, c.Number, "numbers are project scoped")

	got, err := st.Issues().GetByNumber(ctx, "p-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "i-2", got.ID)

	// Optimistic concurrency: a stale copy loses.
	fresh, err := st.Issues().Get(ctx, "i-1")
	require.NoError(t, err)
	stale, err := st.Issues().Get(ctx, "i-1")
	require.NoError(t, err)

	fresh.Title = "first writer"
	require.NoError(t, st.Issues().Update(ctx, fresh))
	stale.Title = "second writer"
	assert.ErrorIs(t, st.Issues().Update(ctx, stale), ErrVersionMismatch)

	list, err := st.Issues().ListByProject(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first writer", list[0].Title)
}

func TestMemoryLabels_Bindings(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedProject(t, st, "p-1", "alpha")

	bug := &models.Label{ID: "l-1", ProjectID: "p-1", Name: "bug"}
	require.NoError(t, st.Labels().Create(ctx, bug))
	assert.ErrorIs(t, st.Labels().Create(ctx,
		&models.Label{ID: "l-2", ProjectID: "p-1", Name: "bug"}), ErrConflict)

	require.NoError(t, st.Labels().Bind(ctx, "i-1", "l-1"))
	require.NoError(t, st.Labels().Bind(ctx, "i-1", "l-1")) // idempotent

	ids, err := st.Labels().ListByIssue(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"l-1"}, ids)

	require.NoError(t, st.Labels().Unbind(ctx, "i-1", "l-1"))
	ids, err = st.Labels().ListByIssue(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryAgents_Versioning(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedProject(t, st, "p-1", "alpha")

	a := &models.Agent{ID: "a-1", ProjectID: "p-1", Name: "agent-1", Model: "sonnet", State: models.AgentIdle}
	require.NoError(t, st.Agents().Create(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	// Two dispatchers hold the same idle agent; only the first claim lands.
	fresh, err := st.Agents().Get(ctx, "a-1")
	require.NoError(t, err)
	stale, err := st.Agents().Get(ctx, "a-1")
	require.NoError(t, err)

	fresh.State = models.AgentCheckout
	fresh.IssueID = "i-1"
	require.NoError(t, st.Agents().Update(ctx, fresh))
	stale.State = models.AgentCheckout
	stale.IssueID = "i-2"
	assert.ErrorIs(t, st.Agents().Update(ctx, stale), ErrVersionMismatch)

	got, err := st.Agents().Get(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "i-1", got.IssueID)

	// The winner's copy carries the bumped version and can keep writing.
	fresh.State = models.AgentWorking
	require.NoError(t, st.Agents().Update(ctx, fresh))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedProject(t, st, "p-1", "alpha")

	got, err := st.Projects().Get(ctx, "p-1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := st.Projects().Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", again.Name)
}

func TestMemoryKillSwitches_DueForResume(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, st.KillSwitches().Set(ctx, &models.KillSwitchStatus{
		WorkspaceID: "w", ProjectID: "due",
		State: models.KillSwitchInferredPaused, AutoTriggered: true, AutoResumeAt: &past,
	}))
	require.NoError(t, st.KillSwitches().Set(ctx, &models.KillSwitchStatus{
		WorkspaceID: "w", ProjectID: "not-yet",
		State: models.KillSwitchFullyPaused, AutoTriggered: true, AutoResumeAt: &future,
	}))
	require.NoError(t, st.KillSwitches().Set(ctx, &models.KillSwitchStatus{
		WorkspaceID: "w", ProjectID: "manual",
		State: models.KillSwitchFullyPaused, AutoTriggered: false, AutoResumeAt: &past,
	}))

	due, err := st.KillSwitches().ListDueForResume(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ProjectID)
}

func TestMemoryAttributions_Metrics(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	now := time.Now().UTC()

	records := []*AttributionRecord{
		{ID: "r-1", ProjectID: "p-1", FailureMode: models.FailureIncorrect,
			QuoteType: models.QuoteVerbatim, Confirmed: true, Improved: true, CreatedAt: now},
		{ID: "r-2", ProjectID: "p-1", FailureMode: models.FailureIncomplete,
			QuoteType: models.QuoteInferred, CreatedAt: now},
		{ID: "r-3", ProjectID: "p-1", FailureMode: models.FailureIncomplete,
			QuoteType: models.QuoteVerbatim, Confirmed: true, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "r-4", ProjectID: "p-other", FailureMode: models.FailureIncorrect,
			QuoteType: models.QuoteVerbatim, CreatedAt: now},
	}
	for _, r := range records {
		require.NoError(t, st.Attributions().Record(ctx, r))
	}

	m, err := st.Attributions().Metrics(ctx, "p-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, m.SampleCount)
	assert.Equal(t, 1, m.AttributionCounts[string(models.FailureIncorrect)])
	assert.Equal(t, 1, m.AttributionCounts[string(models.FailureIncomplete)])
	assert.InDelta(t, 0.5, m.AttributionPrecisionScore, 1e-9)
	assert.InDelta(t, 0.5, m.InferredRatio, 1e-9)
	assert.InDelta(t, 0.5, m.ObservedImprovementRate, 1e-9)

	empty, err := st.Attributions().Metrics(ctx, "p-empty", 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, empty.SampleCount)
}
