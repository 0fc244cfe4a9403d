package weaviate

import (
	"context"
	"fmt"
	"sort"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"paperdesk/apps/backend/internal/vector"
)

// Store implements vector.Index on a Weaviate cluster. The model id is
// stored on every object and applied as a search filter, so vectors
// from a different embedding model never match a query.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Insert(ctx context.Context, workspaceID, documentID, model string, entries []vector.Entry) error {
	if len(entries) == 0 {
		return vector.ErrEmptyInsert
	}
	dim := len(entries[0].Vector)
	for _, e := range entries {
		if len(e.Vector) != dim {
			return fmt.Errorf("%w: entry %s has %d dims, expected %d", vector.ErrDimensionMismatch, e.ChunkID, len(e.Vector), dim)
		}
	}

	// Replace semantics for re-ingestion: clear the document's previous
	// vectors before writing the new batch.
	if err := s.RemoveDocument(ctx, workspaceID, documentID); err != nil {
		return err
	}

	objects := make([]*models.Object, 0, len(entries))
	for _, e := range entries {
		vec := make(models.C11yVector, len(e.Vector))
		copy(vec, e.Vector)
		objects = append(objects, &models.Object{
			Class: vector.ClassPaperChunk,
			Properties: map[string]interface{}{
				"chunkId":     e.ChunkID,
				"documentId":  documentID,
				"workspaceId": workspaceID,
				"model":       model,
			},
			Vector: vec,
		})
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		// Leave no partial document behind.
		_ = s.RemoveDocument(ctx, workspaceID, documentID)
		return err
	}
	for _, obj := range res {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			_ = s.RemoveDocument(ctx, workspaceID, documentID)
			return fmt.Errorf("batch insert error: %s", obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (s *Store) RemoveDocument(ctx context.Context, workspaceID, documentID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassPaperChunk).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"workspaceId"}).
					WithOperator(filters.Equal).
					WithValueString(workspaceID),
				filters.Where().
					WithPath([]string{"documentId"}).
					WithOperator(filters.Equal).
					WithValueString(documentID),
			})).
		Do(ctx)
	return err
}

func (s *Store) Search(ctx context.Context, workspaceID, model string, query []float32, k int, filter []string) ([]vector.Hit, error) {
	if k < 1 {
		return nil, vector.ErrInvalidK
	}

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"workspaceId"}).
			WithOperator(filters.Equal).
			WithValueString(workspaceID),
		filters.Where().
			WithPath([]string{"model"}).
			WithOperator(filters.Equal).
			WithValueString(model),
	}
	if filter != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.ContainsAny).
			WithValueString(filter...))
	}

	near := s.client.GraphQL().NearVectorArgBuilder().WithVector(query)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "documentId"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassPaperChunk).
		WithNearVector(near).
		WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var hits []vector.Hit
	if data, ok := res.Data["Get"].(map[string]interface{}); ok {
		if rows, ok := data[vector.ClassPaperChunk].([]interface{}); ok {
			for _, row := range rows {
				props, ok := row.(map[string]interface{})
				if !ok {
					continue
				}
				hit := vector.Hit{}
				if id, ok := props["chunkId"].(string); ok {
					hit.ChunkID = id
				}
				if id, ok := props["documentId"].(string); ok {
					hit.DocumentID = id
				}
				if additional, ok := props["_additional"].(map[string]interface{}); ok {
					if distance, ok := additional["distance"].(float64); ok {
						// Weaviate reports cosine distance; similarity is its complement.
						hit.Score = float32(1 - distance)
					}
				}
				hits = append(hits, hit)
			}
		}
	}

	// Weaviate orders by distance but makes no promise about ties.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	return hits, nil
}
