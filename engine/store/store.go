// Package store provides the vector store adapter: model-scoped idempotent
// upsert, similarity query, and full export of indexed vectors.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

// Adapter is the capability interface over a vector store. Implementations
// are stateless services; they hold no ownership over vectors beyond a call.
//
// Upsert is idempotent: re-upserting an unchanged (record_id, model_id) pair
// produces no observable state change. Partial failure is expressed through
// UpsertResult so callers retry only the failed ids.
type Adapter interface {
	Upsert(ctx context.Context, vectors []domain.IndexedVector) (domain.UpsertResult, error)
	// Query returns at most k matches for modelID, descending by similarity.
	Query(ctx context.Context, embedding domain.Embedding, k int, modelID string, filter map[string]string) ([]domain.Match, error)
	// ExportAll reads every indexed vector for modelID. Read-only.
	ExportAll(ctx context.Context, modelID string) ([]domain.IndexedVector, error)
	Count(ctx context.Context, modelID string) (int, error)
}

// pointNamespace seeds deterministic point IDs so the same
// (record_id, model_id) always maps to the same point.
var pointNamespace = uuid.NameSpaceURL

// PointID derives the stable point UUID for a (record_id, model_id) pair.
func PointID(recordID, modelID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(recordID+":"+modelID)).String()
}

// validateDims rejects vectors whose length disagrees with the configured
// dimensionality before anything is written. Model/config drift is fatal,
// never retried.
func validateDims(vectors []domain.IndexedVector, dims int) error {
	for _, v := range vectors {
		if err := domain.ValidateVector(v, dims); err != nil {
			return fmt.Errorf("store: record %s model %s: %w", v.RecordID, v.ModelID, err)
		}
	}
	return nil
}
