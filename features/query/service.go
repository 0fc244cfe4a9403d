package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paperdesk/apps/backend/internal/retrieval"
	"paperdesk/apps/backend/internal/synthesis"
)

var ErrEmptyQuery = errors.New("query must not be empty")

type Retriever interface {
	Retrieve(ctx context.Context, workspaceID, query string, k int, filter []string) ([]retrieval.RetrievedChunk, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, query string, chunks []retrieval.RetrievedChunk, history []synthesis.Turn) (*synthesis.Answer, error)
}

// Result is one answered question: the grounded answer plus the
// citations backing it. Citations is empty when nothing relevant was
// retrieved and the answer says so.
type Result struct {
	Answer    string               `json:"answer"`
	Citations []synthesis.Citation `json:"citations"`
}

type Service struct {
	retriever   Retriever
	synthesizer Synthesizer
	defaultTopK int
	logger      *slog.Logger
}

func NewService(retriever Retriever, synthesizer Synthesizer, defaultTopK int, logger *slog.Logger) *Service {
	if defaultTopK < 1 {
		defaultTopK = 5
	}
	return &Service{retriever: retriever, synthesizer: synthesizer, defaultTopK: defaultTopK, logger: logger}
}

// Ask answers a one-off question against the workspace's indexed
// documents. documentIDs, when non-empty, restricts retrieval to those
// documents.
func (s *Service) Ask(ctx context.Context, workspaceID, question string, k int, documentIDs []string) (*Result, error) {
	if question == "" {
		return nil, ErrEmptyQuery
	}
	if k < 1 {
		k = s.defaultTopK
	}

	chunks, err := s.retriever.Retrieve(ctx, workspaceID, question, k, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	answer, err := s.synthesizer.Synthesize(ctx, question, chunks, nil)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	citations := answer.Citations
	if citations == nil {
		citations = []synthesis.Citation{}
	}

	s.logger.InfoContext(ctx, "query answered",
		slog.String("workspace_id", workspaceID),
		slog.Int("retrieved", len(chunks)),
		slog.Int("citations", len(citations)))
	return &Result{Answer: answer.Text, Citations: citations}, nil
}
