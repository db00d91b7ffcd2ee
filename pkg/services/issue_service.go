package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/stage"
	"github.com/falcon-pm/falcon/pkg/store"
)

// statusForStage maps each stage onto the coarse status an issue must
// carry while at it.
func statusForStage(s stage.Stage) models.IssueStatus {
	switch s {
	case stage.Backlog:
		return models.StatusBacklog
	case stage.Todo:
		return models.StatusTodo
	case stage.Done:
		return models.StatusDone
	}
	return models.StatusInProgress
}

// IssueService manages issues. All mutations serialize per issue.
type IssueService struct {
	store     store.Store
	broadcast *bus.BroadcastBus
	locks     *keyedMutex
}

// NewIssueService creates an IssueService.
func NewIssueService(st store.Store, broadcast *bus.BroadcastBus) *IssueService {
	return &IssueService{store: st, broadcast: broadcast, locks: newKeyedMutex()}
}

// CreateIssueRequest is the input for CreateIssue.
type CreateIssueRequest struct {
	ProjectID   string
	Title       string
	Description string
	Priority    int
}

// CreateIssue creates an issue in the backlog. The store assigns the
// project-scoped number.
func (s *IssueService) CreateIssue(ctx context.Context, req CreateIssueRequest) (*models.Issue, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}
	if _, err := s.store.Projects().Get(ctx, req.ProjectID); err != nil {
		return nil, mapStoreErr(err)
	}

	now := time.Now().UTC()
	issue := &models.Issue{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.StatusBacklog,
		Stage:       stage.Backlog,
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Issues().Create(ctx, issue); err != nil {
		return nil, mapStoreErr(err)
	}
	s.publish(bus.EventIssueCreated, issue)
	return issue, nil
}

// GetIssue returns an issue with its label bindings resolved.
func (s *IssueService) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := s.store.Issues().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	labels, err := s.store.Labels().ListByIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	issue.LabelIDs = labels
	return issue, nil
}

// ListIssues returns a project's issues in number order.
func (s *IssueService) ListIssues(ctx context.Context, projectID string) ([]*models.Issue, error) {
	return s.store.Issues().ListByProject(ctx, projectID)
}

// UpdateIssueRequest carries the editable fields; nil pointers leave the
// field unchanged.
type UpdateIssueRequest struct {
	Title       *string
	Description *string
	Priority    *int
}

// UpdateIssue edits the issue's descriptive fields.
func (s *IssueService) UpdateIssue(ctx context.Context, id string, req UpdateIssueRequest) (*models.Issue, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	issue, err := s.store.Issues().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if req.Title != nil {
		if *req.Title == "" {
			return nil, NewValidationError("title", "must not be empty")
		}
		issue.Title = *req.Title
	}
	if req.Description != nil {
		issue.Description = *req.Description
	}
	if req.Priority != nil {
		issue.Priority = *req.Priority
	}
	issue.UpdatedAt = time.Now().UTC()
	if err := s.store.Issues().Update(ctx, issue); err != nil {
		return nil, mapStoreErr(err)
	}
	s.publish(bus.EventIssueUpdated, issue)
	return issue, nil
}

// AdvanceStage moves the issue along the pipeline graph and keeps its
// status in sync with the new stage. Illegal moves fail with
// ErrInvalidTransition. Entering context_pack is reserved for StartIssue,
// which also stamps StartedAt and derives the branch name.
func (s *IssueService) AdvanceStage(ctx context.Context, id string, to stage.Stage) (*models.Issue, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	issue, err := s.store.Issues().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if to == stage.ContextPack {
		return nil, fmt.Errorf("%w: stage %s is entered by starting the issue", ErrInvalidTransition, to)
	}
	if !stage.CanTransition(issue.Stage, to) {
		return nil, fmt.Errorf("%w: stage %s -> %s", ErrInvalidTransition, issue.Stage, to)
	}

	now := time.Now().UTC()
	issue.Stage = to
	issue.Status = statusForStage(to)
	issue.UpdatedAt = now
	if to == stage.Done {
		issue.CompletedAt = &now
	}
	if err := s.store.Issues().Update(ctx, issue); err != nil {
		return nil, mapStoreErr(err)
	}
	s.publish(bus.EventIssueUpdated, issue)
	return issue, nil
}

// StartIssue is the distinguished composite operation beginning agent
// work: it is the only operation that simultaneously sets
// status=in_progress and stage=context_pack, and it is permitted only
// from the backlog and todo stages.
func (s *IssueService) StartIssue(ctx context.Context, id string) (*models.Issue, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	issue, err := s.store.Issues().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !issue.Stage.Startable() {
		return nil, fmt.Errorf("%w: cannot start from stage %s", ErrInvalidTransition, issue.Stage)
	}
	if issue.Status != models.StatusBacklog && issue.Status != models.StatusTodo {
		return nil, fmt.Errorf("%w: cannot start from status %s", ErrInvalidTransition, issue.Status)
	}

	now := time.Now().UTC()
	issue.Status = models.StatusInProgress
	issue.Stage = stage.ContextPack
	issue.StartedAt = &now
	if issue.BranchName == "" {
		issue.BranchName = models.BranchNameFor(issue.Number, issue.Title)
	}
	issue.UpdatedAt = now
	if err := s.store.Issues().Update(ctx, issue); err != nil {
		return nil, mapStoreErr(err)
	}
	s.publish(bus.EventIssueUpdated, issue)
	return issue, nil
}

// DeleteIssue removes the issue and its comments, documents, and label
// bindings.
func (s *IssueService) DeleteIssue(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	issue, err := s.store.Issues().Get(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := s.store.Comments().DeleteByIssue(ctx, id); err != nil {
		return err
	}
	if err := s.store.Documents().DeleteByIssue(ctx, id); err != nil {
		return err
	}
	if err := s.store.Labels().UnbindAll(ctx, id); err != nil {
		return err
	}
	if err := s.store.Issues().Delete(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	s.publish(bus.EventIssueDeleted, issue)
	return nil
}

func (s *IssueService) publish(eventType string, issue *models.Issue) {
	if s.broadcast == nil {
		return
	}
	event := bus.Event{
		Type:      eventType,
		At:        time.Now().UTC(),
		ProjectID: issue.ProjectID,
		IssueID:   issue.ID,
		Payload:   issue,
	}
	s.broadcast.Publish(bus.ProjectChannel(issue.ProjectID), event)
	s.broadcast.Publish(bus.IssueChannel(issue.ID), event)
}
