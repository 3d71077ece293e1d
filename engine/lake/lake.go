// Package lake provides the data lake client: cursor-paginated, resumable
// reads of raw records from the external document store.
package lake

import (
	"context"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
)

// Batch is one page of records. NextCursor resumes reading after the last
// record in Records; fetching with the same cursor returns the same records
// (the lake is assumed append-only during a pipeline run).
type Batch struct {
	Records    []domain.Record
	NextCursor string
	HasMore    bool
}

// Client fetches paginated records from the data lake. Cursors are opaque
// tokens owned by the implementation. Implementations are stateless between
// calls and hold no ownership over records.
type Client interface {
	FetchBatch(ctx context.Context, cursor string, maxSize int) (Batch, error)
}
