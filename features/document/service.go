package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"paperdesk/apps/backend/internal/config"
	"paperdesk/apps/backend/internal/middleware"
	"paperdesk/apps/backend/internal/vector"
)

var ErrNotRetryable = errors.New("document is not in a failed state")

// IngestTask is the message published for every document that needs
// pipeline work, either a fresh upload or a retry.
type IngestTask struct {
	DocumentID    string `json:"document_id"`
	WorkspaceID   string `json:"workspace_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Repository interface {
	Save(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, workspaceID string) ([]Document, error)
	Delete(ctx context.Context, id string) error
	ResetForRetry(ctx context.Context, id string, resumeFrom Status) error
	DeleteChunkData(ctx context.Context, documentID string) error
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Canceller stops an in-flight pipeline run for a document. Cancel
// returns once no stage is executing for it.
type Canceller interface {
	Cancel(documentID string)
}

type Service struct {
	repo      Repository
	producer  Publisher
	index     vector.Index
	canceller Canceller
	uploadDir string
	logger    *slog.Logger
}

func NewService(repo Repository, producer Publisher, index vector.Index, canceller Canceller, uploadDir string, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		producer:  producer,
		index:     index,
		canceller: canceller,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

// Upload stores the file, records the document as uploaded, and enqueues
// an ingestion task. The document row and the file are both rolled back
// if the task cannot be published, so nothing is left invisible to the
// pipeline.
func (s *Service) Upload(ctx context.Context, workspaceID, title, filename string, file io.Reader) (*Document, error) {
	base := filepath.Base(filename)
	if title == "" {
		title = base
	}

	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	dest := filepath.Join(s.uploadDir, uuid.New().String()+"_"+base)
	out, err := os.Create(dest) // #nosec G304 -- path is UUID-based under the configured upload dir
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	size, err := io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("write upload file: %w", err)
	}

	doc := &Document{
		WorkspaceID: workspaceID,
		Title:       title,
		Filename:    base,
		FilePath:    dest,
		FileSize:    size,
		Status:      StatusUploaded,
	}
	if err := s.repo.Save(ctx, doc); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("save document: %w", err)
	}

	if err := s.publishTask(ctx, doc); err != nil {
		s.repo.Delete(ctx, doc.ID)
		os.Remove(dest)
		return nil, fmt.Errorf("enqueue ingestion: %w", err)
	}

	s.logger.InfoContext(ctx, "document uploaded",
		slog.String("document_id", doc.ID),
		slog.String("workspace_id", workspaceID),
		slog.Int64("file_size", size))
	return doc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, workspaceID string) ([]Document, error) {
	return s.repo.List(ctx, workspaceID)
}

// Delete removes a document everywhere: any in-flight pipeline run is
// cancelled first, then index entries, the database rows, and the file.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	s.canceller.Cancel(id)

	if err := s.index.RemoveDocument(ctx, doc.WorkspaceID, id); err != nil {
		return fmt.Errorf("remove from index: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.WarnContext(ctx, "failed to remove upload file",
			slog.String("document_id", id), slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "document deleted", slog.String("document_id", id))
	return nil
}

// Retry re-enqueues a failed document from the last stage that
// completed. Stale index entries from a failed index write are cleared
// so the pipeline starts from a clean slate.
func (s *Service) Retry(ctx context.Context, id string) (*Document, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, doc.Status)
	}

	resume := ResumeStatus(FailureReason(doc.FailureReason))
	if err := s.index.RemoveDocument(ctx, doc.WorkspaceID, id); err != nil {
		return nil, fmt.Errorf("clear index entries: %w", err)
	}
	if resume == StatusUploaded {
		// Restarting from the top re-extracts and re-chunks; the failed
		// run's chunks and embeddings are dropped rather than left behind.
		if err := s.repo.DeleteChunkData(ctx, id); err != nil {
			return nil, fmt.Errorf("clear chunk data: %w", err)
		}
	}
	if err := s.repo.ResetForRetry(ctx, id, resume); err != nil {
		return nil, err
	}
	doc.Status = resume
	doc.FailureReason = ""

	if err := s.publishTask(ctx, doc); err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}

	s.logger.InfoContext(ctx, "document retry enqueued",
		slog.String("document_id", id),
		slog.String("resume_from", string(resume)))
	return doc, nil
}

func (s *Service) publishTask(ctx context.Context, doc *Document) error {
	body, err := json.Marshal(IngestTask{
		DocumentID:    doc.ID,
		WorkspaceID:   doc.WorkspaceID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}
	return s.producer.Publish(config.TopicIngestTask, body)
}
