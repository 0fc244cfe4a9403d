package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type record struct {
	chunkID    string
	documentID string
	vector     []float32
	norm       float64
}

// namespace holds one workspace's vectors. The model id and dimension
// are pinned by the first insert; later inserts must match.
type namespace struct {
	model string
	dim   int
	docs  map[string][]record
}

// MemoryIndex is the in-process Index backend. It guarantees the exact
// ranking semantics retrieval is specified against: cosine similarity,
// descending, ties by ascending chunk id.
type MemoryIndex struct {
	mu         sync.RWMutex
	workspaces map[string]*namespace
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{workspaces: make(map[string]*namespace)}
}

func (m *MemoryIndex) Insert(ctx context.Context, workspaceID, documentID, model string, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyInsert
	}

	// Validate and precompute norms before taking the write lock, so
	// the insert is all-or-nothing.
	dim := len(entries[0].Vector)
	records := make([]record, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != dim {
			return fmt.Errorf("%w: entry %s has %d dims, expected %d", ErrDimensionMismatch, e.ChunkID, len(e.Vector), dim)
		}
		records = append(records, record{
			chunkID:    e.ChunkID,
			documentID: documentID,
			vector:     e.Vector,
			norm:       norm(e.Vector),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.workspaces[workspaceID]
	if !ok {
		ns = &namespace{model: model, dim: dim, docs: make(map[string][]record)}
		m.workspaces[workspaceID] = ns
	}
	if ns.model != model {
		return fmt.Errorf("%w: index built with %q, insert uses %q", ErrModelMismatch, ns.model, model)
	}
	if ns.dim != dim {
		return fmt.Errorf("%w: index holds %d dims, insert has %d", ErrDimensionMismatch, ns.dim, dim)
	}

	// Re-inserting a document replaces its previous vectors.
	ns.docs[documentID] = records
	return nil
}

func (m *MemoryIndex) RemoveDocument(ctx context.Context, workspaceID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.workspaces[workspaceID]
	if !ok {
		return nil
	}
	delete(ns.docs, documentID)
	if len(ns.docs) == 0 {
		delete(m.workspaces, workspaceID)
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, workspaceID, model string, query []float32, k int, filter []string) ([]Hit, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ns, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, nil
	}
	if ns.model != model {
		return nil, fmt.Errorf("%w: index built with %q, query uses %q", ErrModelMismatch, ns.model, model)
	}
	if len(query) != ns.dim {
		return nil, fmt.Errorf("%w: query has %d dims, index holds %d", ErrDimensionMismatch, len(query), ns.dim)
	}

	var allowed map[string]struct{}
	if filter != nil {
		allowed = make(map[string]struct{}, len(filter))
		for _, id := range filter {
			allowed[id] = struct{}{}
		}
	}

	qNorm := norm(query)
	var hits []Hit
	for docID, records := range ns.docs {
		if allowed != nil {
			if _, ok := allowed[docID]; !ok {
				continue
			}
		}
		for _, r := range records {
			hits = append(hits, Hit{
				ChunkID:    r.chunkID,
				DocumentID: r.documentID,
				Score:      cosine(query, qNorm, r.vector, r.norm),
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float32 {
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (aNorm * bNorm))
}
