package database

import (
	"context"

	"github.com/siherrmann/persona/helper"
	"github.com/siherrmann/persona/model"
)

// Retrying decorators retry idempotent point writes on ErrStoreUnavailable.
// Searches fail fast. Update is not retried because it increments the
// version, and UpsertEdge is not retried because edges are not deduplicated.

type retryingVectorStore struct {
	VectorStore
	policy helper.RetryPolicy
}

func NewRetryingVectorStore(store VectorStore, policy helper.RetryPolicy) VectorStore {
	return &retryingVectorStore{VectorStore: store, policy: policy}
}

func (s *retryingVectorStore) UpsertChunk(ctx context.Context, chunk *model.Chunk) error {
	return helper.Retry(ctx, s.policy, func() error {
		return s.VectorStore.UpsertChunk(ctx, chunk)
	})
}

func (s *retryingVectorStore) DeleteEntityChunks(ctx context.Context, entityID string) (int, error) {
	var deleted int
	err := helper.Retry(ctx, s.policy, func() error {
		n, err := s.VectorStore.DeleteEntityChunks(ctx, entityID)
		deleted += n
		return err
	})
	return deleted, err
}

type retryingDocumentStore struct {
	DocumentStore
	policy helper.RetryPolicy
}

func NewRetryingDocumentStore(store DocumentStore, policy helper.RetryPolicy) DocumentStore {
	return &retryingDocumentStore{DocumentStore: store, policy: policy}
}

func (s *retryingDocumentStore) Upsert(ctx context.Context, entity *model.Entity) error {
	return helper.Retry(ctx, s.policy, func() error {
		return s.DocumentStore.Upsert(ctx, entity)
	})
}

func (s *retryingDocumentStore) Delete(ctx context.Context, entityID string) error {
	return helper.Retry(ctx, s.policy, func() error {
		return s.DocumentStore.Delete(ctx, entityID)
	})
}

type retryingGraphStore struct {
	GraphStore
	policy helper.RetryPolicy
}

func NewRetryingGraphStore(store GraphStore, policy helper.RetryPolicy) GraphStore {
	return &retryingGraphStore{GraphStore: store, policy: policy}
}

func (s *retryingGraphStore) UpsertNode(ctx context.Context, label string, id string, properties model.Metadata) error {
	return helper.Retry(ctx, s.policy, func() error {
		return s.GraphStore.UpsertNode(ctx, label, id, properties)
	})
}

func (s *retryingGraphStore) DeleteNode(ctx context.Context, id string) error {
	return helper.Retry(ctx, s.policy, func() error {
		return s.GraphStore.DeleteNode(ctx, id)
	})
}
