package document_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/internal/testutils"
)

func TestDocumentRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := document.NewPostgresRepo(s.DB)
	ctx := context.Background()

	doc := &document.Document{
		WorkspaceID: "ws-1",
		Title:       "Attention Is All You Need",
		Filename:    "attention.pdf",
		FilePath:    "/uploads/attention.pdf",
		FileSize:    1024,
		Status:      document.StatusUploaded,
	}
	require.NoError(t, repo.Save(ctx, doc))
	assert.NotEmpty(t, doc.ID)

	// Walk the full status chain the way the pipeline does.
	for _, to := range []document.Status{
		document.StatusProcessing,
		document.StatusExtracted,
		document.StatusChunked,
	} {
		from := doc.Status
		require.NoError(t, repo.UpdateStatus(ctx, doc.ID, from, to))
		doc.Status = to
	}

	// Skipping a stage is rejected by the DB-guarded update.
	err := repo.UpdateStatus(ctx, doc.ID, document.StatusProcessing, document.StatusExtracted)
	assert.ErrorIs(t, err, document.ErrInvalidTransition)

	// Chunks and embeddings
	page := 1
	chunks := []document.Chunk{
		{DocumentID: doc.ID, ChunkIndex: 0, Text: "first passage", PageNumber: &page, StartChar: 0, EndChar: 13},
		{DocumentID: doc.ID, ChunkIndex: 1, Text: "second passage", PageNumber: &page, StartChar: 10, EndChar: 24},
	}
	require.NoError(t, repo.ReplaceChunks(ctx, doc.ID, chunks))
	assert.NotEmpty(t, chunks[0].ID)

	unembedded, err := repo.UnembeddedChunks(ctx, doc.ID, "gemini-embedding-001")
	require.NoError(t, err)
	assert.Len(t, unembedded, 2)

	require.NoError(t, repo.SaveEmbeddings(ctx, []document.Embedding{
		{ChunkID: chunks[0].ID, Model: "gemini-embedding-001", Vector: []float32{0.1, 0.2}},
	}))

	unembedded, err = repo.UnembeddedChunks(ctx, doc.ID, "gemini-embedding-001")
	require.NoError(t, err)
	require.Len(t, unembedded, 1)
	assert.Equal(t, chunks[1].ID, unembedded[0].ID)

	// Hydration joins back to the document title.
	hydrated, err := repo.HydrateChunks(ctx, []string{chunks[0].ID})
	require.NoError(t, err)
	require.Contains(t, hydrated, chunks[0].ID)
	assert.Equal(t, "Attention Is All You Need", hydrated[chunks[0].ID].DocumentTitle)

	// Failure and retry reset
	require.NoError(t, repo.MarkFailed(ctx, doc.ID, document.ReasonEmbedFailed))
	failed, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, failed.Status)
	assert.Equal(t, string(document.ReasonEmbedFailed), failed.FailureReason)

	require.NoError(t, repo.ResetForRetry(ctx, doc.ID, document.ResumeStatus(document.ReasonEmbedFailed)))
	reset, err := repo.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusChunked, reset.Status)
	assert.Empty(t, reset.FailureReason)

	// Deleting the document cascades chunks and embeddings.
	require.NoError(t, repo.Delete(ctx, doc.ID))
	_, err = repo.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, document.ErrNotFound)

	remaining, err := repo.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
