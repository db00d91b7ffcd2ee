package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// LabelService manages project labels and issue bindings.
type LabelService struct {
	store     store.Store
	broadcast *bus.BroadcastBus
}

// NewLabelService creates a LabelService.
func NewLabelService(st store.Store, broadcast *bus.BroadcastBus) *LabelService {
	return &LabelService{store: st, broadcast: broadcast}
}

// CreateLabel adds a user-defined label to a project. The name is unique
// within the project.
func (s *LabelService) CreateLabel(ctx context.Context, projectID, name, color string) (*models.Label, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}
	if _, err := s.store.Projects().Get(ctx, projectID); err != nil {
		return nil, mapStoreErr(err)
	}

	label := &models.Label{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Color:     color,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Labels().Create(ctx, label); err != nil {
		return nil, mapStoreErr(err)
	}

	if s.broadcast != nil {
		s.broadcast.Publish(bus.ProjectChannel(projectID), bus.Event{
			Type:      bus.EventLabelCreated,
			At:        time.Now().UTC(),
			ProjectID: projectID,
			Payload:   label,
		})
	}
	return label, nil
}

// ListLabels returns a project's labels in name order.
func (s *LabelService) ListLabels(ctx context.Context, projectID string) ([]*models.Label, error) {
	return s.store.Labels().ListByProject(ctx, projectID)
}

// BindLabel attaches a label to an issue. Binding twice is a no-op.
func (s *LabelService) BindLabel(ctx context.Context, issueID, labelID string) error {
	if _, err := s.store.Issues().Get(ctx, issueID); err != nil {
		return mapStoreErr(err)
	}
	return s.store.Labels().Bind(ctx, issueID, labelID)
}

// UnbindLabel detaches a label from an issue.
func (s *LabelService) UnbindLabel(ctx context.Context, issueID, labelID string) error {
	return s.store.Labels().Unbind(ctx, issueID, labelID)
}
