package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/internal/retrieval"
	"paperdesk/apps/backend/internal/synthesis"
)

var (
	ErrNoDocuments = errors.New("at least one document id is required")
	// ErrNotIndexed rejects summarization over documents whose ingestion
	// has not finished; a partial summary would silently miss content.
	ErrNotIndexed = errors.New("document is not indexed")
)

type DocumentReader interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	GetChunks(ctx context.Context, documentID string) ([]document.Chunk, error)
	CountIndexed(ctx context.Context, workspaceID string, documentIDs []string) (int, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, chunks []retrieval.RetrievedChunk, summaryType synthesis.SummaryType) (*synthesis.Summary, error)
}

type Service struct {
	docs         DocumentReader
	summarizer   Summarizer
	chunksPerDoc int
	logger       *slog.Logger
}

func NewService(docs DocumentReader, summarizer Summarizer, chunksPerDoc int, logger *slog.Logger) *Service {
	if chunksPerDoc < 1 {
		chunksPerDoc = 6
	}
	return &Service{docs: docs, summarizer: summarizer, chunksPerDoc: chunksPerDoc, logger: logger}
}

// Summarize builds a summary over the given documents. Every document
// must be fully indexed; the leading chunks of each are used as its
// representative content so every requested document contributes.
func (s *Service) Summarize(ctx context.Context, workspaceID string, documentIDs []string, summaryType synthesis.SummaryType) (*synthesis.Summary, error) {
	if err := summaryType.Validate(); err != nil {
		return nil, err
	}
	if len(documentIDs) == 0 {
		return nil, ErrNoDocuments
	}

	// One query gates the whole set; the per-document walk below only
	// runs when it fails, to report which document and why.
	indexed, err := s.docs.CountIndexed(ctx, workspaceID, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("count indexed: %w", err)
	}
	if indexed != len(documentIDs) {
		return nil, s.rejectReason(ctx, workspaceID, documentIDs)
	}

	var chunks []retrieval.RetrievedChunk
	for _, id := range documentIDs {
		doc, err := s.docs.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		docChunks, err := s.docs.GetChunks(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load chunks for %s: %w", id, err)
		}
		if len(docChunks) > s.chunksPerDoc {
			docChunks = docChunks[:s.chunksPerDoc]
		}
		for _, c := range docChunks {
			chunks = append(chunks, retrieval.RetrievedChunk{
				ChunkID:       c.ID,
				DocumentID:    doc.ID,
				DocumentTitle: doc.Title,
				Text:          c.Text,
				PageNumber:    c.PageNumber,
			})
		}
	}

	result, err := s.summarizer.Summarize(ctx, chunks, summaryType)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	// All chunks came from the requested documents, so an out-of-scope
	// citation means citation extraction itself broke.
	if err := synthesis.ValidateScope(result.Citations, documentIDs); err != nil {
		return nil, fmt.Errorf("internal: %w", err)
	}

	s.logger.InfoContext(ctx, "summary generated",
		slog.String("workspace_id", workspaceID),
		slog.Int("documents", len(documentIDs)),
		slog.String("type", string(summaryType)))
	return result, nil
}

// rejectReason names the document that made the indexed-count gate
// fail: missing, owned by another workspace, or still mid-ingestion.
func (s *Service) rejectReason(ctx context.Context, workspaceID string, documentIDs []string) error {
	for _, id := range documentIDs {
		doc, err := s.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc.WorkspaceID != workspaceID {
			return fmt.Errorf("%w: %s", document.ErrNotFound, id)
		}
		if doc.Status != document.StatusIndexed {
			return fmt.Errorf("%w: %s is %s", ErrNotIndexed, id, doc.Status)
		}
	}
	return fmt.Errorf("%w: document set changed while summarizing", ErrNotIndexed)
}
