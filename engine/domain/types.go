// Package domain defines the core types, error taxonomy, and validation for
// the Babylon feature pipeline. It acts as the validation gate at pipeline
// entry points.
package domain

// Record is a raw unit of content fetched from the data lake. Records are
// immutable once fetched.
type Record struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Embedding is a fixed-length vector produced from a Record's text by a
// specific model. Embeddings are only comparable when they share a model id
// and dimensionality.
type Embedding = []float32

// IndexedVector is the persisted unit in the vector store. The
// (RecordID, ModelID) pair is unique in the store; re-indexing with the same
// model overwrites rather than duplicates.
type IndexedVector struct {
	RecordID  string         `json:"record_id"`
	ModelID   string         `json:"model_id"`
	Embedding Embedding      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpsertResult reports per-id outcomes of an upsert so callers can retry
// only what failed.
type UpsertResult struct {
	Succeeded []string
	Failed    []string
}

// Match is a single similarity-search hit.
type Match struct {
	RecordID string  `json:"record_id"`
	Score    float32 `json:"score"`
}

// SkippedRecord notes a record excluded from a batch with the reason, for
// operator-facing logs.
type SkippedRecord struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// Point is one projected vector for visualization.
type Point struct {
	RecordID string    `json:"record_id"`
	Coords   []float64 `json:"coords"`
	Label    string    `json:"label"`
}
