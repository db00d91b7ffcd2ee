package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falcon-pm/falcon/pkg/lifecycle"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

func newAgentService(t *testing.T) (*AgentService, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	seedProject(t, st)
	return NewAgentService(st), st
}

func TestRegisterAgent(t *testing.T) {
	ctx := context.Background()
	s, _ := newAgentService(t)

	_, err := s.RegisterAgent(ctx, RegisterAgentRequest{Name: "a", Model: "sonnet"})
	assert.True(t, IsValidationError(err))
	_, err = s.RegisterAgent(ctx, RegisterAgentRequest{ProjectID: "p-1", Model: "sonnet"})
	assert.True(t, IsValidationError(err))
	_, err = s.RegisterAgent(ctx, RegisterAgentRequest{ProjectID: "p-1", Name: "a"})
	assert.True(t, IsValidationError(err))
	_, err = s.RegisterAgent(ctx, RegisterAgentRequest{ProjectID: "missing", Name: "a", Model: "sonnet"})
	assert.ErrorIs(t, err, ErrNotFound)

	agent, err := s.RegisterAgent(ctx, RegisterAgentRequest{
		ProjectID: "p-1", Name: "agent-1", Model: "sonnet",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AgentInit, agent.State)

	_, err = s.RegisterAgent(ctx, RegisterAgentRequest{
		ProjectID: "p-1", Name: "agent-1", Model: "opus",
	})
	assert.ErrorIs(t, err, ErrAlreadyExists, "names are unique per project")
}

func TestActivateAgent(t *testing.T) {
	ctx := context.Background()
	s, _ := newAgentService(t)

	agent, err := s.RegisterAgent(ctx, RegisterAgentRequest{
		ProjectID: "p-1", Name: "agent-1", Model: "sonnet",
	})
	require.NoError(t, err)

	got, err := s.ActivateAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, got.State)

	_, err = s.ActivateAgent(ctx, agent.ID)
	var ite *lifecycle.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)

	_, err = s.ActivateAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseAgent_ClearsError(t *testing.T) {
	ctx := context.Background()
	s, st := newAgentService(t)

	agent, err := s.RegisterAgent(ctx, RegisterAgentRequest{
		ProjectID: "p-1", Name: "agent-1", Model: "sonnet",
	})
	require.NoError(t, err)

	// Park the agent the way a failed dispatch would.
	stored, err := st.Agents().Get(ctx, agent.ID)
	require.NoError(t, err)
	stored.State = models.AgentError
	stored.IssueID = "i-1"
	stored.LastError = "subprocess exited with code 3"
	stored.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.Agents().Update(ctx, stored))

	got, err := s.ReleaseAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, got.State)
	assert.Empty(t, got.IssueID)
	assert.Empty(t, got.LastError)
}

func TestListAgents_NameOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newAgentService(t)

	for _, name := range []string{"beta", "alpha"} {
		_, err := s.RegisterAgent(ctx, RegisterAgentRequest{
			ProjectID: "p-1", Name: name, Model: "sonnet",
		})
		require.NoError(t, err)
	}

	agents, err := s.ListAgents(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].Name)
	assert.Equal(t, "beta", agents[1].Name)
}
