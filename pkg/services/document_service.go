package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// DocumentService manages the guidance documents attached to issues.
type DocumentService struct {
	store     store.Store
	broadcast *bus.BroadcastBus
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(st store.Store, broadcast *bus.BroadcastBus) *DocumentService {
	return &DocumentService{store: st, broadcast: broadcast}
}

// contentHash fingerprints document content for change detection.
func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// AttachDocument attaches a guidance document to an issue.
func (s *DocumentService) AttachDocument(ctx context.Context, issueID string,
	kind models.DocumentKind, title, content string) (*models.Document, error) {

	if title == "" {
		return nil, NewValidationError("title", "required")
	}
	issue, err := s.store.Issues().Get(ctx, issueID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:        uuid.NewString(),
		IssueID:   issueID,
		Kind:      kind,
		Title:     title,
		Content:   content,
		Hash:      contentHash(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Documents().Create(ctx, doc); err != nil {
		return nil, mapStoreErr(err)
	}

	if s.broadcast != nil {
		event := bus.Event{
			Type:      bus.EventDocumentCreated,
			At:        now,
			ProjectID: issue.ProjectID,
			IssueID:   issueID,
			Payload:   doc,
		}
		s.broadcast.Publish(bus.ProjectChannel(issue.ProjectID), event)
		s.broadcast.Publish(bus.IssueChannel(issueID), event)
	}
	return doc, nil
}

// UpdateDocument replaces a document's content, refreshing its hash.
func (s *DocumentService) UpdateDocument(ctx context.Context, id, content string) (*models.Document, error) {
	doc, err := s.store.Documents().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	doc.Content = content
	doc.Hash = contentHash(content)
	doc.UpdatedAt = time.Now().UTC()
	if err := s.store.Documents().Update(ctx, doc); err != nil {
		return nil, mapStoreErr(err)
	}
	return doc, nil
}

// ListDocuments returns an issue's documents in creation order.
func (s *DocumentService) ListDocuments(ctx context.Context, issueID string) ([]*models.Document, error) {
	return s.store.Documents().ListByIssue(ctx, issueID)
}
