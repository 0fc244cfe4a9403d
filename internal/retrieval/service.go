package retrieval

import (
	"context"
	"fmt"
	"time"

	"paperdesk/apps/backend/internal/vector"
)

// RetrievedChunk is a chunk pulled back for grounding, with its
// similarity score and the provenance a citation needs.
type RetrievedChunk struct {
	ChunkID       string
	DocumentID    string
	DocumentTitle string
	Text          string
	PageNumber    *int
	Score         float32
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// ChunkHydrator resolves index hits back to chunk text and document
// provenance.
type ChunkHydrator interface {
	HydrateChunks(ctx context.Context, chunkIDs []string) (map[string]RetrievedChunk, error)
}

type Service struct {
	embedder Embedder
	index    vector.Index
	hydrator ChunkHydrator
	logger   *QueryLogger
}

func NewService(e Embedder, idx vector.Index, h ChunkHydrator, l *QueryLogger) *Service {
	return &Service{embedder: e, index: idx, hydrator: h, logger: l}
}

// Retrieve embeds the query with the same model the index was built
// with and returns the top-k chunks by the index's ranking. filter,
// when non-nil, scopes results to the given document ids. An empty
// result is not an error; answer synthesis decides what to do with it.
func (s *Service) Retrieve(ctx context.Context, workspaceID, query string, k int, filter []string) ([]RetrievedChunk, error) {
	start := time.Now()

	if k < 1 {
		return nil, vector.ErrInvalidK
	}

	vecs, err := s.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}

	hits, err := s.index.Search(ctx, workspaceID, s.embedder.Model(), vecs[0], k, filter)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	if len(hits) == 0 {
		s.log(query, 0, start)
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	hydrated, err := s.hydrator.HydrateChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}

	// Preserve the index's ranking; drop hits whose chunk row has gone
	// (deleted document racing a search).
	results := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		rc, ok := hydrated[h.ChunkID]
		if !ok {
			continue
		}
		rc.Score = h.Score
		results = append(results, rc)
	}

	s.log(query, len(results), start)
	return results, nil
}

func (s *Service) log(query string, n int, start time.Time) {
	if s.logger == nil {
		return
	}
	s.logger.Log(QueryLogEntry{Query: query, NumResults: n, Duration: time.Since(start)})
}
