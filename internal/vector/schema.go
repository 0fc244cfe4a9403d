package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassPaperChunk is the Weaviate class holding chunk vectors when the
// weaviate backend is selected.
const ClassPaperChunk = "PaperChunk"

// SchemaClient is the subset of Weaviate schema operations bootstrap
// needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema creates the PaperChunk class if missing and backfills
// any properties added since the class was first created.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassPaperChunk)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "chunkId",
			DataType: []string{"string"}, // uuid as string, exact match
		},
		{
			Name:     "documentId",
			DataType: []string{"string"},
		},
		{
			Name:     "workspaceId",
			DataType: []string{"string"},
		},
		{
			Name:     "model",
			DataType: []string{"string"},
		},
	}

	if !exists {
		class := &models.Class{
			Class:       ClassPaperChunk,
			Description: "An embedded chunk of an ingested document",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassPaperChunk)
	if err != nil {
		return err
	}

	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}

	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, ClassPaperChunk, p); err != nil {
				return err
			}
		}
	}

	return nil
}
