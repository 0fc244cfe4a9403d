package document

import (
	"errors"
	"fmt"
	"time"
)

// Status is the ingestion state of a document. The UI polls and displays
// these values verbatim, so the vocabulary is fixed.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusChunked    Status = "chunked"
	StatusEmbedded   Status = "embedded"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// FailureReason identifies the stage a document failed at. A failed
// document is retryable from the last stage that completed.
type FailureReason string

const (
	ReasonExtractFailed FailureReason = "extract_failed"
	ReasonChunkFailed   FailureReason = "chunk_failed"
	ReasonEmbedFailed   FailureReason = "embed_failed"
	ReasonIndexFailed   FailureReason = "index_failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// forward is the pipeline order. A document only ever moves one step
// ahead, or to failed from any non-terminal state.
var forward = map[Status]Status{
	StatusUploaded:   StatusProcessing,
	StatusProcessing: StatusExtracted,
	StatusExtracted:  StatusChunked,
	StatusChunked:    StatusEmbedded,
	StatusEmbedded:   StatusIndexed,
}

// Terminal reports whether no further pipeline work applies.
func (s Status) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// Next returns the status following s in the pipeline order.
func (s Status) Next() (Status, bool) {
	n, ok := forward[s]
	return n, ok
}

// ValidateTransition rejects anything but a single forward step or a
// move to failed from a non-terminal state.
func ValidateTransition(from, to Status) error {
	if to == StatusFailed {
		if from.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil
	}
	if next, ok := forward[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ResumeStatus maps a failure reason to the status ingestion should
// resume from, i.e. the last stage that fully completed.
func ResumeStatus(reason FailureReason) Status {
	switch reason {
	case ReasonChunkFailed:
		return StatusExtracted
	case ReasonEmbedFailed:
		return StatusChunked
	case ReasonIndexFailed:
		return StatusEmbedded
	default:
		return StatusUploaded
	}
}

type Document struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Title         string    `json:"title"`
	Filename      string    `json:"filename"`
	FilePath      string    `json:"-"`
	FileSize      int64     `json:"file_size"`
	PageCount     *int      `json:"page_count,omitempty"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Chunk is one bounded passage of a document's extracted text, the unit
// of embedding and retrieval. Immutable once created.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	PageNumber *int   `json:"page_number,omitempty"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`
}

// Embedding is the stored vector for a chunk, tagged with the model
// that produced it so incompatible vector spaces are never mixed.
type Embedding struct {
	ChunkID string
	Model   string
	Vector  []float32
}
