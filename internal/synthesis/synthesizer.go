package synthesis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"paperdesk/apps/backend/internal/retrieval"
	"paperdesk/apps/backend/internal/retry"
)

// ErrCitationOutOfScope is an internal invariant violation: the model
// cited a document outside the allowed set. It is never returned to a
// caller as a valid answer.
var ErrCitationOutOfScope = errors.New("citation outside requested document set")

// snippetLen bounds the verbatim excerpt carried by a citation.
const snippetLen = 200

// Citation points from generated text back to the exact document, page
// and snippet that support it.
type Citation struct {
	DocumentID    string `json:"document_id"`
	DocumentTitle string `json:"document_title"`
	PageNumber    *int   `json:"page_number,omitempty"`
	Snippet       string `json:"snippet"`
	ChunkID       string `json:"chunk_id"`
}

// Turn is one prior chat exchange fed back as context.
type Turn struct {
	Role    string
	Content string
}

// Answer is a synthesized response plus the citations actually used.
type Answer struct {
	Text      string
	Citations []Citation
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Synthesizer struct {
	gen             Generator
	policy          retry.Policy
	maxContextChars int
	genTimeout      time.Duration
}

func New(gen Generator, policy retry.Policy, maxContextChars int, genTimeout time.Duration) *Synthesizer {
	if maxContextChars <= 0 {
		maxContextChars = 12000
	}
	if genTimeout <= 0 {
		genTimeout = 90 * time.Second
	}
	return &Synthesizer{gen: gen, policy: policy, maxContextChars: maxContextChars, genTimeout: genTimeout}
}

const systemPrompt = `You are a research assistant that answers questions based on provided document excerpts.
Always cite your sources using the format [Document: title, Page: X] when referencing information from the context.
If the answer cannot be found in the context, say so clearly.`

// Synthesize produces an answer grounded in the retrieved chunks, plus
// the citations the answer actually used. With no chunks it runs in
// no-context mode and returns zero citations rather than fabricating
// them. A generation failure is an error, never an empty success.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, chunks []retrieval.RetrievedChunk, history []Turn) (*Answer, error) {
	prompt := s.buildPrompt(query, chunks, history)

	text, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	if len(chunks) == 0 {
		return &Answer{Text: text}, nil
	}
	return &Answer{Text: text, Citations: extractCitations(text, chunks)}, nil
}

// generate bounds each attempt by the generation timeout, so one stuck
// upstream call cannot hold a request open past the retry budget.
func (s *Synthesizer) generate(ctx context.Context, prompt string) (string, error) {
	var text string
	err := s.policy.Do(ctx, func() error {
		genCtx, cancel := context.WithTimeout(ctx, s.genTimeout)
		defer cancel()
		var genErr error
		text, genErr = s.gen.Generate(genCtx, prompt)
		return genErr
	})
	return text, err
}

func (s *Synthesizer) buildPrompt(query string, chunks []retrieval.RetrievedChunk, history []Turn) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")

	if len(history) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, t := range history {
			if t.Role == "assistant" {
				b.WriteString("Assistant: ")
			} else {
				b.WriteString("User: ")
			}
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(chunks) > 0 {
		b.WriteString("Context from documents:\n")
		b.WriteString(s.contextBlock(chunks))
		b.WriteString("\n")
	} else {
		b.WriteString("No document context is available. Answer from general knowledge and say no documents were consulted.\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// contextBlock concatenates chunk excerpts in retrieval order until the
// context budget is spent.
func (s *Synthesizer) contextBlock(chunks []retrieval.RetrievedChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		block := fmt.Sprintf("[Document: %s, Page: %s]\n%s\n\n", c.DocumentTitle, pageLabel(c.PageNumber), c.Text)
		if b.Len()+len(block) > s.maxContextChars {
			break
		}
		b.WriteString(block)
	}
	return b.String()
}

func pageLabel(page *int) string {
	if page == nil {
		return "N/A"
	}
	return strconv.Itoa(*page)
}

var citationMarker = regexp.MustCompile(`\[Document:\s*([^,\]]+)(?:,\s*Page:\s*([^\]]+))?\]`)

// extractCitations reports which of the supplied chunks the generated
// text actually relied on. Explicit [Document: title, Page: X] markers
// win; a plain mention of a document's title is the fallback. Only
// supplied chunks can be cited.
func extractCitations(text string, chunks []retrieval.RetrievedChunk) []Citation {
	cited := make(map[string]bool)

	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		title := strings.TrimSpace(m[1])
		page := 0
		if m[2] != "" {
			page, _ = strconv.Atoi(strings.TrimSpace(m[2]))
		}
		for _, c := range chunks {
			if !strings.EqualFold(c.DocumentTitle, title) {
				continue
			}
			if page > 0 && c.PageNumber != nil && *c.PageNumber != page {
				continue
			}
			cited[c.ChunkID] = true
			break
		}
	}

	if len(cited) == 0 {
		for _, c := range chunks {
			if c.DocumentTitle != "" && strings.Contains(text, c.DocumentTitle) {
				cited[c.ChunkID] = true
			}
		}
	}

	var citations []Citation
	for _, c := range chunks {
		if !cited[c.ChunkID] {
			continue
		}
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

func snippet(text string) string {
	if len(text) <= snippetLen {
		return text
	}
	cut := snippetLen
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}

// ValidateScope rejects any citation referencing a document outside
// allowedDocIDs. Callers treat a failure as an internal defect.
func ValidateScope(citations []Citation, allowedDocIDs []string) error {
	allowed := make(map[string]struct{}, len(allowedDocIDs))
	for _, id := range allowedDocIDs {
		allowed[id] = struct{}{}
	}
	for _, c := range citations {
		if _, ok := allowed[c.DocumentID]; !ok {
			return fmt.Errorf("%w: document %s", ErrCitationOutOfScope, c.DocumentID)
		}
	}
	return nil
}
