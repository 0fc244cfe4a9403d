package vector

import (
	"context"
	"errors"
)

var (
	// ErrInvalidK rejects search requests with k < 1.
	ErrInvalidK = errors.New("k must be at least 1")
	// ErrDimensionMismatch is an internal invariant violation: vectors
	// of different lengths in one workspace index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrModelMismatch rejects queries embedded with a different model
	// than the workspace's index. Vectors from incompatible spaces are
	// never compared silently.
	ErrModelMismatch = errors.New("embedding model mismatch")
	// ErrEmptyInsert rejects an insert with no entries.
	ErrEmptyInsert = errors.New("insert requires at least one entry")
)

// Entry is one chunk vector to be inserted.
type Entry struct {
	ChunkID string
	Vector  []float32
}

// Hit is one search result, highest similarity first.
type Hit struct {
	ChunkID    string
	DocumentID string
	Score      float32
}

// Index is a per-workspace nearest-neighbor store over chunk vectors.
//
// Insert is atomic per document: concurrent searches see either all of
// a document's chunks or none. Search returns hits ordered by
// descending cosine similarity with ties broken by ascending chunk id;
// filter, when non-nil, restricts results to the given document ids.
// Requesting more hits than exist returns everything available.
type Index interface {
	Insert(ctx context.Context, workspaceID, documentID, model string, entries []Entry) error
	RemoveDocument(ctx context.Context, workspaceID, documentID string) error
	Search(ctx context.Context, workspaceID, model string, query []float32, k int, filter []string) ([]Hit, error)
}
