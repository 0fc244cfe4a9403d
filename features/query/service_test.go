package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"paperdesk/apps/backend/internal/retrieval"
	"paperdesk/apps/backend/internal/synthesis"
)

type mockRetriever struct {
	mock.Mock
}

func (m *mockRetriever) Retrieve(ctx context.Context, workspaceID, query string, k int, filter []string) ([]retrieval.RetrievedChunk, error) {
	args := m.Called(ctx, workspaceID, query, k, filter)
	if chunks := args.Get(0); chunks != nil {
		return chunks.([]retrieval.RetrievedChunk), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSynthesizer struct {
	mock.Mock
}

func (m *mockSynthesizer) Synthesize(ctx context.Context, query string, chunks []retrieval.RetrievedChunk, history []synthesis.Turn) (*synthesis.Answer, error) {
	args := m.Called(ctx, query, chunks, history)
	if a := args.Get(0); a != nil {
		return a.(*synthesis.Answer), args.Error(1)
	}
	return nil, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_Ask(t *testing.T) {
	retriever := new(mockRetriever)
	synthesizer := new(mockSynthesizer)
	svc := NewService(retriever, synthesizer, 5, discardLogger())

	chunks := []retrieval.RetrievedChunk{
		{ChunkID: "chunk-1", DocumentID: "doc-1", DocumentTitle: "Paper", Text: "attention mechanism", Score: 0.9},
	}
	retriever.On("Retrieve", mock.Anything, "ws-1", "what is attention?", 3, []string(nil)).Return(chunks, nil)
	synthesizer.On("Synthesize", mock.Anything, "what is attention?", chunks, []synthesis.Turn(nil)).Return(&synthesis.Answer{
		Text:      "Attention weighs token relevance [Document: Paper]",
		Citations: []synthesis.Citation{{DocumentID: "doc-1", DocumentTitle: "Paper", ChunkID: "chunk-1"}},
	}, nil)

	result, err := svc.Ask(context.Background(), "ws-1", "what is attention?", 3, nil)

	assert.NoError(t, err)
	assert.Contains(t, result.Answer, "Attention weighs")
	assert.Len(t, result.Citations, 1)
	retriever.AssertExpectations(t)
}

func TestService_Ask_DefaultsTopK(t *testing.T) {
	retriever := new(mockRetriever)
	synthesizer := new(mockSynthesizer)
	svc := NewService(retriever, synthesizer, 5, discardLogger())

	retriever.On("Retrieve", mock.Anything, "ws-1", "q", 5, []string(nil)).Return(nil, nil)
	synthesizer.On("Synthesize", mock.Anything, "q", []retrieval.RetrievedChunk(nil), []synthesis.Turn(nil)).Return(&synthesis.Answer{Text: "I could not find relevant information in the documents."}, nil)

	result, err := svc.Ask(context.Background(), "ws-1", "q", 0, nil)

	assert.NoError(t, err)
	assert.NotNil(t, result.Citations)
	assert.Empty(t, result.Citations)
	retriever.AssertExpectations(t)
}

func TestService_Ask_EmptyQuery(t *testing.T) {
	svc := NewService(new(mockRetriever), new(mockSynthesizer), 5, discardLogger())

	_, err := svc.Ask(context.Background(), "ws-1", "", 3, nil)

	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestService_Ask_RetrieveError(t *testing.T) {
	retriever := new(mockRetriever)
	svc := NewService(retriever, new(mockSynthesizer), 5, discardLogger())

	retriever.On("Retrieve", mock.Anything, "ws-1", "q", 5, []string(nil)).Return(nil, errors.New("index unavailable"))

	_, err := svc.Ask(context.Background(), "ws-1", "q", 5, nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retrieve")
}

func TestService_Ask_ScopedToDocuments(t *testing.T) {
	retriever := new(mockRetriever)
	synthesizer := new(mockSynthesizer)
	svc := NewService(retriever, synthesizer, 5, discardLogger())

	retriever.On("Retrieve", mock.Anything, "ws-1", "q", 5, []string{"doc-2"}).Return(nil, nil)
	synthesizer.On("Synthesize", mock.Anything, "q", []retrieval.RetrievedChunk(nil), []synthesis.Turn(nil)).Return(&synthesis.Answer{Text: "no relevant context"}, nil)

	_, err := svc.Ask(context.Background(), "ws-1", "q", 5, []string{"doc-2"})

	assert.NoError(t, err)
	retriever.AssertExpectations(t)
}
