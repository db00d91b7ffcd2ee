package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// CommentService manages issue comments.
type CommentService struct {
	store     store.Store
	broadcast *bus.BroadcastBus
}

// NewCommentService creates a CommentService.
func NewCommentService(st store.Store, broadcast *bus.BroadcastBus) *CommentService {
	return &CommentService{store: st, broadcast: broadcast}
}

// AddComment appends a comment to an issue.
func (s *CommentService) AddComment(ctx context.Context, issueID, author, body string) (*models.Comment, error) {
	if body == "" {
		return nil, NewValidationError("body", "required")
	}
	issue, err := s.store.Issues().Get(ctx, issueID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	comment := &models.Comment{
		ID:        uuid.NewString(),
		IssueID:   issueID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Comments().Create(ctx, comment); err != nil {
		return nil, mapStoreErr(err)
	}

	if s.broadcast != nil {
		event := bus.Event{
			Type:      bus.EventCommentCreated,
			At:        time.Now().UTC(),
			ProjectID: issue.ProjectID,
			IssueID:   issueID,
			Payload:   comment,
		}
		s.broadcast.Publish(bus.ProjectChannel(issue.ProjectID), event)
		s.broadcast.Publish(bus.IssueChannel(issueID), event)
	}
	return comment, nil
}

// ListComments returns an issue's comments in creation order.
func (s *CommentService) ListComments(ctx context.Context, issueID string) ([]*models.Comment, error) {
	return s.store.Comments().ListByIssue(ctx, issueID)
}
