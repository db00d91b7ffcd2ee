package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/store"
)

func TestAddComment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	broadcast := bus.NewBroadcastBus()
	seedProject(t, st)
	issues := NewIssueService(st, nil)
	s := NewCommentService(st, broadcast)

	issue := newIssue(t, issues, "Add login")

	_, err := s.AddComment(ctx, issue.ID, "reviewer", "")
	assert.True(t, IsValidationError(err))
	_, err = s.AddComment(ctx, "missing", "reviewer", "note")
	assert.ErrorIs(t, err, ErrNotFound)

	ch, cancel := broadcast.Subscribe(bus.IssueChannel(issue.ID))
	defer cancel()

	first, err := s.AddComment(ctx, issue.ID, "reviewer", "looks wrong")
	require.NoError(t, err)
	second, err := s.AddComment(ctx, issue.ID, "agent-1", "fixed")
	require.NoError(t, err)

	list, err := s.ListComments(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	ev := nextEvent(t, ch)
	assert.Equal(t, bus.EventCommentCreated, ev.Type)
	assert.Equal(t, issue.ID, ev.IssueID)
}
