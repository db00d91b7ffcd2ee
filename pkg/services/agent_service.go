package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/lifecycle"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// AgentService manages the agent registry. Lifecycle transitions go
// through the FSM; state is persisted only after a legal transition.
// Worktrees are provisioned lazily by the dispatcher on first checkout.
type AgentService struct {
	store store.Store
	locks *keyedMutex
}

// NewAgentService creates an AgentService.
func NewAgentService(st store.Store) *AgentService {
	return &AgentService{store: st, locks: newKeyedMutex()}
}

// RegisterAgentRequest is the input for RegisterAgent.
type RegisterAgentRequest struct {
	ProjectID string
	Name      string
	Model     string
}

// RegisterAgent adds an agent to a project in the INIT state. The
// (project, name) pair is unique.
func (s *AgentService) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*models.Agent, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.Model == "" {
		return nil, NewValidationError("model", "required")
	}
	if _, err := s.store.Projects().Get(ctx, req.ProjectID); err != nil {
		return nil, mapStoreErr(err)
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Model:     req.Model,
		State:     models.AgentInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Agents().Create(ctx, agent); err != nil {
		return nil, mapStoreErr(err)
	}
	return agent, nil
}

// ActivateAgent moves a freshly registered agent from INIT to IDLE.
func (s *AgentService) ActivateAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.transition(ctx, id, func(m *lifecycle.Machine) error {
		return m.Activate()
	})
}

// ReleaseAgent moves a DONE or ERROR agent back to IDLE, clearing its
// issue binding and last error.
func (s *AgentService) ReleaseAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.transition(ctx, id, func(m *lifecycle.Machine) error {
		return m.Release()
	})
}

// transition loads the agent, applies the FSM move, and persists the new
// state. The per-agent lock serializes concurrent transitions.
func (s *AgentService) transition(ctx context.Context, id string,
	move func(*lifecycle.Machine) error) (*models.Agent, error) {

	unlock := s.locks.Lock(id)
	defer unlock()

	agent, err := s.store.Agents().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	fsm := lifecycle.Restore(agent.State, agent.IssueID, agent.LastError)
	if err := move(fsm); err != nil {
		return nil, err
	}
	fsm.Snapshot(agent)
	agent.UpdatedAt = time.Now().UTC()
	if err := s.store.Agents().Update(ctx, agent); err != nil {
		return nil, mapStoreErr(err)
	}
	return agent, nil
}

// GetAgent returns an agent by ID.
func (s *AgentService) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := s.store.Agents().Get(ctx, id)
	return a, mapStoreErr(err)
}

// ListAgents returns a project's agents in name order.
func (s *AgentService) ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	return s.store.Agents().ListByProject(ctx, projectID)
}
