// Package project manages per-project namespaces. Deletion cascades in
// a fixed order (vectors, graph, document state, extraction cache) so a
// concurrent reader never observes graph nodes pointing at vectors that
// are already gone.
package project

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/storage"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// CacheInvalidator drops a project's extraction cache entries. A nil
// invalidator skips that step.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, projectID uuid.UUID) error
}

// Service owns project lifecycle against one backend.
type Service struct {
	store  storage.Store
	cache  CacheInvalidator
	logger observability.Logger
}

// NewService creates the lifecycle service. cache may be nil.
func NewService(store storage.Store, cache CacheInvalidator, logger observability.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger.WithPrefix("project"),
	}
}

// CreateProject allocates the project's graph namespace. Creating an
// existing project is a no-op.
func (s *Service) CreateProject(ctx context.Context, projectID uuid.UUID) error {
	if err := s.store.Graph.CreateProjectGraph(ctx, projectID); err != nil {
		return fmt.Errorf("failed to create project graph: %w", err)
	}
	s.logger.Info("project created", map[string]interface{}{
		"project_id": projectID.String(),
	})
	return nil
}

// Exists reports whether the project has a graph namespace.
func (s *Service) Exists(ctx context.Context, projectID uuid.UUID) (bool, error) {
	return s.store.Graph.GraphExists(ctx, projectID)
}

// DeleteProject removes everything the project owns. Deleting a missing
// project is a no-op. Queries against the deleted id afterwards return
// zero sources without error.
func (s *Service) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	if err := s.store.Vectors.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete project vectors: %w", err)
	}
	if err := s.store.Graph.DeleteProjectGraph(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete project graph: %w", err)
	}
	if err := s.store.DocStatus.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete document statuses: %w", err)
	}
	if err := s.store.KV.DeleteByProject(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete project kv entries: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, projectID); err != nil {
			return fmt.Errorf("failed to invalidate extraction cache: %w", err)
		}
	}
	s.logger.Info("project deleted", map[string]interface{}{
		"project_id": projectID.String(),
	})
	return nil
}
