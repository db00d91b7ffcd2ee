package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/stage"
	"github.com/falcon-pm/falcon/pkg/store"
)

func seedProject(t *testing.T, st store.Store) *models.Project {
	t.Helper()
	p := &models.Project{
		ID: "p-1", Slug: "proj", Name: "Proj", RepoURL: "https://example.com/proj.git",
		Lifecycle: models.ProjectActive, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Projects().Create(context.Background(), p))
	return p
}

func newIssueService(t *testing.T) (*IssueService, store.Store, *bus.BroadcastBus) {
	t.Helper()
	st := store.NewMemoryStore()
	broadcast := bus.NewBroadcastBus()
	seedProject(t, st)
	return NewIssueService(st, broadcast), st, broadcast
}

func newIssue(t *testing.T, s *IssueService, title string) *models.Issue {
	t.Helper()
	issue, err := s.CreateIssue(context.Background(), CreateIssueRequest{
		ProjectID: "p-1", Title: title,
	})
	require.NoError(t, err)
	return issue
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestCreateIssue(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)

	_, err := s.CreateIssue(ctx, CreateIssueRequest{Title: "t"})
	assert.True(t, IsValidationError(err))
	_, err = s.CreateIssue(ctx, CreateIssueRequest{ProjectID: "p-1"})
	assert.True(t, IsValidationError(err))
	_, err = s.CreateIssue(ctx, CreateIssueRequest{ProjectID: "missing", Title: "t"})
	assert.ErrorIs(t, err, ErrNotFound)

	issue, err := s.CreateIssue(ctx, CreateIssueRequest{
		ProjectID: "p-1", Title: "Add login", Description: "oauth", Priority: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusBacklog, issue.Status)
	assert.Equal(t, stage.Backlog, issue.Stage)
	assert.Equal(t, 1, issue.Number)
	assert.Equal(t, 2, issue.Priority)

	second := newIssue(t, s, "Second")
	assert.Equal(t, 2, second.Number)
}

func TestGetIssue_ResolvesLabels(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	require.NoError(t, st.Labels().Create(ctx, &models.Label{ID: "l-1", ProjectID: "p-1", Name: "bug"}))
	require.NoError(t, st.Labels().Bind(ctx, issue.ID, "l-1"))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"l-1"}, got.LabelIDs)

	_, err = s.GetIssue(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIssue(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	_, err := s.UpdateIssue(ctx, issue.ID, UpdateIssueRequest{Title: strPtr("")})
	assert.True(t, IsValidationError(err))

	got, err := s.UpdateIssue(ctx, issue.ID, UpdateIssueRequest{
		Description: strPtr("new body"), Priority: intPtr(5),
	})
	require.NoError(t, err)
	assert.Equal(t, "Add login", got.Title, "nil pointer leaves the field unchanged")
	assert.Equal(t, "new body", got.Description)
	assert.Equal(t, 5, got.Priority)

	got, err = s.UpdateIssue(ctx, issue.ID, UpdateIssueRequest{Title: strPtr("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, "new body", got.Description)
}

func TestAdvanceStage(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	_, err := s.AdvanceStage(ctx, issue.ID, stage.Done)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.AdvanceStage(ctx, issue.ID, stage.Todo)
	require.NoError(t, err)
	assert.Equal(t, stage.Todo, got.Stage)
	assert.Equal(t, models.StatusTodo, got.Status)

	started, err := s.StartIssue(ctx, issue.ID)
	require.NoError(t, err)
	got, err = s.AdvanceStage(ctx, issue.ID, stage.ContextReview)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, started.StartedAt, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestAdvanceStage_ContextPackOnlyViaStart(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	_, err := s.AdvanceStage(ctx, issue.ID, stage.Todo)
	require.NoError(t, err)

	// Jumping the stage directly would skip StartedAt and the branch
	// derivation that StartIssue performs.
	_, err = s.AdvanceStage(ctx, issue.ID, stage.ContextPack)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.StartIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.ContextPack, got.Stage)
	require.NotNil(t, got.StartedAt)
	assert.NotEmpty(t, got.BranchName)
}

func TestAdvanceStage_DoneSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	got, err := s.StartIssue(ctx, issue.ID)
	require.NoError(t, err)
	path := []stage.Stage{
		stage.ContextReview, stage.Implement,
		stage.PRReview, stage.PRHumanReview, stage.Testing, stage.DocReview,
		stage.MergeReady, stage.Done,
	}
	for _, next := range path {
		got, err = s.AdvanceStage(ctx, issue.ID, next)
		require.NoError(t, err, "advance to %s", next)
	}
	assert.Equal(t, models.StatusDone, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.CompletedAt, time.Minute)
}

func TestStartIssue(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login page")

	got, err := s.StartIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, stage.ContextPack, got.Stage)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, models.BranchNameFor(issue.Number, issue.Title), got.BranchName)

	// Already past the startable stages.
	_, err = s.StartIssue(ctx, issue.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartIssue_FromTodo(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	_, err := s.AdvanceStage(ctx, issue.ID, stage.Todo)
	require.NoError(t, err)
	got, err := s.StartIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.ContextPack, got.Stage)
}

func TestStartIssue_StatusMismatchRejected(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	// A startable stage with a non-startable status is inconsistent and
	// must not begin work.
	stored, err := st.Issues().Get(ctx, issue.ID)
	require.NoError(t, err)
	stored.Status = models.StatusInProgress
	require.NoError(t, st.Issues().Update(ctx, stored))

	_, err = s.StartIssue(ctx, issue.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartIssue_KeepsExistingBranchName(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	stored, err := st.Issues().Get(ctx, issue.ID)
	require.NoError(t, err)
	stored.BranchName = "issue/1-earlier-title"
	require.NoError(t, st.Issues().Update(ctx, stored))

	got, err := s.StartIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "issue/1-earlier-title", got.BranchName)
}

func TestDeleteIssue_Cascades(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newIssueService(t)
	issue := newIssue(t, s, "Add login")

	require.NoError(t, st.Comments().Create(ctx, &models.Comment{
		ID: "c-1", IssueID: issue.ID, Body: "note", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.Documents().Create(ctx, &models.Document{
		ID: "d-1", IssueID: issue.ID, Kind: models.DocKindGit, Title: "ctx",
		Content: "x", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.Labels().Create(ctx, &models.Label{ID: "l-1", ProjectID: "p-1", Name: "bug"}))
	require.NoError(t, st.Labels().Bind(ctx, issue.ID, "l-1"))

	require.NoError(t, s.DeleteIssue(ctx, issue.ID))

	_, err := st.Issues().Get(ctx, issue.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	comments, err := st.Comments().ListByIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)
	docs, err := st.Documents().ListByIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
	ids, err := st.Labels().ListByIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIssueEvents(t *testing.T) {
	ctx := context.Background()
	s, _, broadcast := newIssueService(t)

	projectCh, cancelProject := broadcast.Subscribe(bus.ProjectChannel("p-1"))
	defer cancelProject()

	issue := newIssue(t, s, "Add login")
	created := nextEvent(t, projectCh)
	assert.Equal(t, bus.EventIssueCreated, created.Type)
	assert.Equal(t, issue.ID, created.IssueID)

	issueCh, cancelIssue := broadcast.Subscribe(bus.IssueChannel(issue.ID))
	defer cancelIssue()

	_, err := s.AdvanceStage(ctx, issue.ID, stage.Todo)
	require.NoError(t, err)
	require.NoError(t, s.DeleteIssue(ctx, issue.ID))

	assert.Equal(t, bus.EventIssueUpdated, nextEvent(t, issueCh).Type)
	assert.Equal(t, bus.EventIssueDeleted, nextEvent(t, issueCh).Type)
}
