package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// mapStoreErr translates store sentinels into service sentinels so
// callers never depend on the persistence layer.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrAlreadyExists
	case errors.Is(err, store.ErrVersionMismatch):
		return ErrConcurrentModification
	}
	return err
}

// ProjectService manages project records and their built-in labels.
type ProjectService struct {
	store     store.Store
	broadcast *bus.BroadcastBus
	locks     *keyedMutex
}

// NewProjectService creates a ProjectService.
func NewProjectService(st store.Store, broadcast *bus.BroadcastBus) *ProjectService {
	return &ProjectService{store: st, broadcast: broadcast, locks: newKeyedMutex()}
}

// CreateProjectRequest is the input for CreateProject.
type CreateProjectRequest struct {
	Name    string
	RepoURL string
	Subdir  string
}

// CreateProject registers a project and seeds its built-in labels. The
// slug is derived from the name; a taken slug is a conflict.
func (s *ProjectService) CreateProject(ctx context.Context, req CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.RepoURL == "" {
		return nil, NewValidationError("repo_url", "required")
	}
	slug := models.Slugify(req.Name)
	if slug == "" {
		return nil, NewValidationError("name", "must contain at least one alphanumeric character")
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      req.Name,
		RepoURL:   req.RepoURL,
		Subdir:    req.Subdir,
		Lifecycle: models.ProjectActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Projects().Create(ctx, project); err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.SeedLabels(ctx, project.ID); err != nil {
		return nil, fmt.Errorf("seed labels: %w", err)
	}

	s.publish(bus.EventProjectCreated, project)
	return project, nil
}

// GetProject returns a project by ID.
func (s *ProjectService) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := s.store.Projects().Get(ctx, id)
	return p, mapStoreErr(err)
}

// GetProjectBySlug returns a project by slug.
func (s *ProjectService) GetProjectBySlug(ctx context.Context, slug string) (*models.Project, error) {
	p, err := s.store.Projects().GetBySlug(ctx, slug)
	return p, mapStoreErr(err)
}

// ListProjects returns all projects in creation order.
func (s *ProjectService) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.store.Projects().List(ctx)
}

// RenameProject changes the display name. The slug and identity pair are
// immutable.
func (s *ProjectService) RenameProject(ctx context.Context, id, name string) (*models.Project, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	project, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	project.Name = name
	project.UpdatedAt = time.Now().UTC()
	if err := s.store.Projects().Update(ctx, project); err != nil {
		return nil, mapStoreErr(err)
	}
	s.publish(bus.EventProjectUpdated, project)
	return project, nil
}

// ArchiveProject moves the project to the archived lifecycle. Archiving
// an archived project is a no-op.
func (s *ProjectService) ArchiveProject(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	project, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if project.Lifecycle == models.ProjectArchived {
		return nil
	}
	project.Lifecycle = models.ProjectArchived
	project.UpdatedAt = time.Now().UTC()
	if err := s.store.Projects().Update(ctx, project); err != nil {
		return mapStoreErr(err)
	}
	s.publish(bus.EventProjectUpdated, project)
	return nil
}

// DeleteProject removes the project. Issues, labels, agents, and their
// children cascade in the store.
func (s *ProjectService) DeleteProject(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	project, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := s.store.Projects().Delete(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	s.publish(bus.EventProjectDeleted, project)
	return nil
}

// builtinLabels is the seed set applied to every new project.
var builtinLabels = []struct {
	name  string
	color string
}{
	{"bug", "#d73a4a"},
	{"feature", "#a2eeef"},
	{"chore", "#cfd3d7"},
	{"docs", "#0075ca"},
	{"urgent", "#b60205"},
}

// SeedLabels creates the built-in labels for a project. Idempotent:
// labels that already exist are left untouched, so applying the seed
// twice leaves the built-in count unchanged.
func (s *ProjectService) SeedLabels(ctx context.Context, projectID string) error {
	for _, seed := range builtinLabels {
		label := &models.Label{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Name:      seed.name,
			Color:     seed.color,
			BuiltIn:   true,
			CreatedAt: time.Now().UTC(),
		}
		err := s.store.Labels().Create(ctx, label)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *ProjectService) publish(eventType string, project *models.Project) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Publish(bus.ProjectChannel(project.ID), bus.Event{
		Type:      eventType,
		At:        time.Now().UTC(),
		ProjectID: project.ID,
		Payload:   project,
	})
}
