package text

import (
	"strings"
	"unicode/utf8"
)

// Passage is one chunk of a document's extracted text. Offsets are byte
// positions into the source text, before trimming, so a passage is
// always traceable back to its exact source span.
type Passage struct {
	Index     int
	Text      string
	StartChar int
	EndChar   int
	// Page is the 1-based page owning the passage's first character,
	// 0 when no page provenance was supplied.
	Page int
}

// Chunker splits text into overlapping passages. Overlap keeps spans
// that straddle a boundary recoverable from at least one passage.
// Identical input and configuration always produce the identical
// passage sequence, which re-indexing relies on.
type Chunker struct {
	maxChars int
	overlap  int
}

func NewChunker(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = 1000
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = maxChars / 5
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

// Chunk splits text into passages of at most maxChars bytes with the
// configured overlap between consecutive passages. pageOffsets holds
// the starting offset of each page (pageOffsets[i] = start of page
// i+1); pass nil when page provenance is unknown.
func (c *Chunker) Chunk(text string, pageOffsets []int) []Passage {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var passages []Passage
	start := 0
	index := 0

	for start < len(text) {
		end := start + c.maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.breakPoint(text, start, end)
		}

		raw := text[start:end]
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			passages = append(passages, Passage{
				Index:     index,
				Text:      trimmed,
				StartChar: start,
				EndChar:   end,
				Page:      pageAt(pageOffsets, start),
			})
			index++
		}

		if end == len(text) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return passages
}

// breakPoint prefers a sentence or line boundary over a hard cut, but
// only past the halfway point so passages do not degenerate.
func (c *Chunker) breakPoint(text string, start, end int) int {
	// Never split a multi-byte rune.
	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}

	window := text[start:end]
	cut := strings.LastIndexByte(window, '.')
	if nl := strings.LastIndexByte(window, '\n'); nl > cut {
		cut = nl
	}
	if cut > c.maxChars/2 {
		return start + cut + 1
	}
	return end
}

func pageAt(pageOffsets []int, offset int) int {
	if len(pageOffsets) == 0 {
		return 0
	}
	page := 1
	for i, p := range pageOffsets {
		if offset >= p {
			page = i + 1
		} else {
			break
		}
	}
	return page
}
