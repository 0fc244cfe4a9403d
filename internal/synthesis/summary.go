package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"paperdesk/apps/backend/internal/retrieval"
)

// SummaryType selects the synthesis mode for multi-document summaries.
type SummaryType string

const (
	SummaryShort       SummaryType = "short"
	SummaryDetailed    SummaryType = "detailed"
	SummaryRelatedWork SummaryType = "related_work"
)

var ErrInvalidSummaryType = errors.New("invalid summary type")

func (t SummaryType) Validate() error {
	switch t {
	case SummaryShort, SummaryDetailed, SummaryRelatedWork:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSummaryType, string(t))
}

// Summary is a synthesized multi-document summary. RelatedWork is only
// populated for the related_work type.
type Summary struct {
	Text        string
	RelatedWork string
	Citations   []Citation
}

// relatedWorkHeading splits the comparative section out of a
// related_work response.
const relatedWorkHeading = "Related Work:"

// Summarize synthesizes over chunks drawn from a selected document set.
// Citations cover every distinct document that contributed context, one
// per document, in chunk order.
func (s *Synthesizer) Summarize(ctx context.Context, chunks []retrieval.RetrievedChunk, summaryType SummaryType) (*Summary, error) {
	if err := summaryType.Validate(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to summarize")
	}

	text, err := s.generate(ctx, s.buildSummaryPrompt(chunks, summaryType))
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	out := &Summary{Citations: documentCitations(chunks)}
	if summaryType == SummaryRelatedWork {
		main, related, _ := strings.Cut(text, relatedWorkHeading)
		out.Text = strings.TrimSpace(main)
		out.RelatedWork = strings.TrimSpace(related)
	} else {
		out.Text = strings.TrimSpace(text)
	}
	return out, nil
}

func (s *Synthesizer) buildSummaryPrompt(chunks []retrieval.RetrievedChunk, summaryType SummaryType) string {
	context := s.contextBlock(chunks)

	switch summaryType {
	case SummaryRelatedWork:
		return fmt.Sprintf(`Summarize the following research documents, focusing on relationships and contrasts between them.

Documents:
%s
Provide:
1. A brief summary (2-3 sentences)
2. A section starting with the exact heading "Related Work:" comparing the documents, with inline citations in the format [Document: title, Page: X]

Summary:`, context)
	case SummaryDetailed:
		return fmt.Sprintf(`Provide a detailed, multi-section summary of the following research documents, covering each document's contribution.

Documents:
%s
Summary:`, context)
	default:
		return fmt.Sprintf(`Provide a brief single-paragraph summary of the following research documents.

Documents:
%s
Summary:`, context)
	}
}

func documentCitations(chunks []retrieval.RetrievedChunk) []Citation {
	seen := make(map[string]bool)
	var citations []Citation
	for _, c := range chunks {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true
		citations = append(citations, Citation{
			DocumentID:    c.DocumentID,
			DocumentTitle: c.DocumentTitle,
			PageNumber:    c.PageNumber,
			Snippet:       snippet(c.Text),
			ChunkID:       c.ChunkID,
		})
	}
	return citations
}
