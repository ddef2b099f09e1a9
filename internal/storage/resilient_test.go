package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/resilience"
)

// flakyGraph fails the first n calls with err, then succeeds. Only the
// methods exercised by the tests are implemented.
type flakyGraph struct {
	GraphStorage
	calls    int
	failures int
	err      error
}

func (f *flakyGraph) UpsertEntity(_ context.Context, _ uuid.UUID, _ *models.Entity) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyGraph) GetEntity(_ context.Context, _ uuid.UUID, name string) (*models.Entity, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &models.Entity{Name: name}, nil
}

func fastRetryer() *resilience.Retryer {
	return resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Millisecond,
		MaxDuration:  time.Second,
	}, observability.NewNoopLogger(), observability.NewNoopEmitter())
}

func TestWithRetryRetriesTransientWrite(t *testing.T) {
	graph := &flakyGraph{failures: 2, err: errors.New("database is locked")}
	store := WithRetry(Store{Graph: graph}, fastRetryer())

	err := store.Graph.UpsertEntity(context.Background(), uuid.New(), &models.Entity{Name: "Go"})
	require.NoError(t, err)
	assert.Equal(t, 3, graph.calls)
}

func TestWithRetryRetriesDeadlock(t *testing.T) {
	// SQLSTATE 40001, serialization_failure
	graph := &flakyGraph{failures: 1, err: &pq.Error{Code: "40001"}}
	store := WithRetry(Store{Graph: graph}, fastRetryer())

	entity, err := store.Graph.GetEntity(context.Background(), uuid.New(), "Go")
	require.NoError(t, err)
	assert.Equal(t, "Go", entity.Name)
	assert.Equal(t, 2, graph.calls)
}

func TestWithRetryDoesNotRetryNotFound(t *testing.T) {
	graph := &flakyGraph{failures: 100, err: fmt.Errorf("get entity: %w", ErrNotFound)}
	store := WithRetry(Store{Graph: graph}, fastRetryer())

	_, err := store.Graph.GetEntity(context.Background(), uuid.New(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, graph.calls)
}

func TestWithRetryDoesNotRetryConstraintViolation(t *testing.T) {
	// SQLSTATE 23505, unique_violation
	graph := &flakyGraph{failures: 100, err: &pq.Error{Code: "23505"}}
	store := WithRetry(Store{Graph: graph}, fastRetryer())

	err := store.Graph.UpsertEntity(context.Background(), uuid.New(), &models.Entity{Name: "Go"})
	require.Error(t, err)
	assert.Equal(t, 1, graph.calls)
}

func TestWithRetryExhaustionPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	graph := &flakyGraph{failures: 100, err: cause}
	store := WithRetry(Store{Graph: graph}, fastRetryer())

	err := store.Graph.UpsertEntity(context.Background(), uuid.New(), &models.Entity{Name: "Go"})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, graph.calls)
}
