package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/internal/config"
	"paperdesk/apps/backend/internal/extract"
	"paperdesk/apps/backend/internal/retry"
	"paperdesk/apps/backend/internal/text"
	"paperdesk/apps/backend/internal/vector"
)

type Repository interface {
	Get(ctx context.Context, id string) (*document.Document, error)
	ListUnfinished(ctx context.Context) ([]document.Document, error)
	ListIndexed(ctx context.Context) ([]document.Document, error)
	UpdateStatus(ctx context.Context, id string, from, to document.Status) error
	MarkFailed(ctx context.Context, id string, reason document.FailureReason) error
	SetPageCount(ctx context.Context, id string, pages int) error
	ReplaceChunks(ctx context.Context, documentID string, chunks []document.Chunk) error
	GetChunks(ctx context.Context, documentID string) ([]document.Chunk, error)
	UnembeddedChunks(ctx context.Context, documentID, model string) ([]document.Chunk, error)
	SaveEmbeddings(ctx context.Context, embeddings []document.Embedding) error
	GetEmbeddings(ctx context.Context, documentID, model string) ([]document.Embedding, error)
}

type Extractor interface {
	Extract(path string) (*extract.Result, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Options bounds the embed stage. Zero values fall back to sensible
// defaults at construction.
type Options struct {
	EmbedBatchSize int
	EmbedTimeout   time.Duration
	EmbedPolicy    retry.Policy
}

// Runner drives a document through the ingestion stages, persisting
// the status after each stage so a crash or failure resumes from the
// last stage that completed instead of starting over.
type Runner struct {
	repo      Repository
	extractor Extractor
	chunker   *text.Chunker
	embedder  Embedder
	index     vector.Index
	producer  Publisher
	opts      Options
	leases    *leaseRegistry
	logger    *slog.Logger
}

func NewRunner(repo Repository, extractor Extractor, chunker *text.Chunker, embedder Embedder, index vector.Index, producer Publisher, opts Options, logger *slog.Logger) *Runner {
	if opts.EmbedBatchSize < 1 {
		opts.EmbedBatchSize = 16
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 60 * time.Second
	}
	return &Runner{
		repo:      repo,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		producer:  producer,
		opts:      opts,
		leases:    newLeaseRegistry(),
		logger:    logger,
	}
}

// Cancel stops an in-flight run for the document and waits for it to
// stop. Used by deletion so no stage writes after cleanup.
func (r *Runner) Cancel(documentID string) {
	r.leases.cancel(documentID)
}

// Process handles one ingestion task. A nil return acknowledges the
// message; an error requeues it. Terminal outcomes (indexed, failed,
// document deleted meanwhile) all acknowledge.
func (r *Runner) Process(ctx context.Context, task document.IngestTask) error {
	runCtx, release, ok := r.leases.acquire(ctx, task.DocumentID)
	if !ok {
		r.logger.InfoContext(ctx, "ingestion already running, dropping task",
			slog.String("document_id", task.DocumentID))
		return nil
	}
	defer release()

	doc, err := r.repo.Get(runCtx, task.DocumentID)
	if errors.Is(err, document.ErrNotFound) {
		// Deleted before the task was picked up.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status.Terminal() {
		return nil
	}
	return r.run(runCtx, doc)
}

// Resume re-enqueues every document stranded in a non-terminal state,
// typically after a restart killed its run mid-pipeline.
func (r *Runner) Resume(ctx context.Context) error {
	docs, err := r.repo.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished documents: %w", err)
	}
	for _, doc := range docs {
		body, err := json.Marshal(document.IngestTask{DocumentID: doc.ID, WorkspaceID: doc.WorkspaceID})
		if err != nil {
			return err
		}
		if err := r.producer.Publish(config.TopicIngestTask, body); err != nil {
			return fmt.Errorf("re-enqueue document %s: %w", doc.ID, err)
		}
		r.logger.InfoContext(ctx, "resuming stranded document",
			slog.String("document_id", doc.ID),
			slog.String("status", string(doc.Status)))
	}
	return nil
}

// RebuildIndex reloads every indexed document's persisted embeddings
// into the vector index. Required when the index lives in process
// memory: document statuses survive a restart in the database but the
// vectors do not.
func (r *Runner) RebuildIndex(ctx context.Context) error {
	docs, err := r.repo.ListIndexed(ctx)
	if err != nil {
		return fmt.Errorf("list indexed documents: %w", err)
	}
	for _, doc := range docs {
		if err := r.indexStage(ctx, &doc); err != nil {
			return fmt.Errorf("rebuild index for document %s: %w", doc.ID, err)
		}
	}
	r.logger.InfoContext(ctx, "vector index rebuilt", slog.Int("documents", len(docs)))
	return nil
}

func (r *Runner) run(ctx context.Context, doc *document.Document) error {
	// Extraction output is carried between stages in memory; a resume
	// that enters at the chunk stage re-extracts from the stored file.
	var extracted *extract.Result

	for !doc.Status.Terminal() {
		if ctx.Err() != nil {
			r.logger.InfoContext(ctx, "ingestion cancelled",
				slog.String("document_id", doc.ID),
				slog.String("status", string(doc.Status)))
			return nil
		}

		next, ok := doc.Status.Next()
		if !ok {
			return fmt.Errorf("no pipeline stage for status %s", doc.Status)
		}

		if err := r.runStage(ctx, doc, &extracted); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				r.logger.InfoContext(ctx, "ingestion cancelled",
					slog.String("document_id", doc.ID),
					slog.String("status", string(doc.Status)))
				return nil
			}
			reason := stageFailureReason(doc.Status)
			if markErr := r.repo.MarkFailed(ctx, doc.ID, reason); markErr != nil {
				return fmt.Errorf("mark failed after %s: %w", reason, markErr)
			}
			r.logger.ErrorContext(ctx, "ingestion stage failed",
				slog.String("document_id", doc.ID),
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()))
			return nil
		}

		if err := r.repo.UpdateStatus(ctx, doc.ID, doc.Status, next); err != nil {
			return fmt.Errorf("advance %s -> %s: %w", doc.Status, next, err)
		}
		doc.Status = next
	}

	r.logger.InfoContext(ctx, "document indexed", slog.String("document_id", doc.ID))
	return nil
}

// runStage does the work that moves doc from its current status to the
// next one. The uploaded stage is a pure transition claiming the
// document for processing.
func (r *Runner) runStage(ctx context.Context, doc *document.Document, extracted **extract.Result) error {
	switch doc.Status {
	case document.StatusUploaded:
		return nil
	case document.StatusProcessing:
		res, err := r.extractStage(ctx, doc)
		if err != nil {
			return err
		}
		*extracted = res
		return nil
	case document.StatusExtracted:
		return r.chunkStage(ctx, doc, extracted)
	case document.StatusChunked:
		return r.embedStage(ctx, doc)
	case document.StatusEmbedded:
		return r.indexStage(ctx, doc)
	default:
		return fmt.Errorf("unexpected status %s", doc.Status)
	}
}

func stageFailureReason(s document.Status) document.FailureReason {
	switch s {
	case document.StatusExtracted:
		return document.ReasonChunkFailed
	case document.StatusChunked:
		return document.ReasonEmbedFailed
	case document.StatusEmbedded:
		return document.ReasonIndexFailed
	default:
		return document.ReasonExtractFailed
	}
}

func (r *Runner) extractStage(ctx context.Context, doc *document.Document) (*extract.Result, error) {
	res, err := r.extractor.Extract(doc.FilePath)
	if err != nil {
		return nil, err
	}
	if err := r.repo.SetPageCount(ctx, doc.ID, res.PageCount); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) chunkStage(ctx context.Context, doc *document.Document, extracted **extract.Result) error {
	if *extracted == nil {
		res, err := r.extractor.Extract(doc.FilePath)
		if err != nil {
			return err
		}
		*extracted = res
	}
	res := *extracted

	passages := r.chunker.Chunk(res.Text, res.PageOffsets)
	if len(passages) == 0 {
		return errors.New("no chunks produced from extracted text")
	}

	chunks := make([]document.Chunk, len(passages))
	for i, p := range passages {
		chunks[i] = document.Chunk{
			DocumentID: doc.ID,
			ChunkIndex: p.Index,
			Text:       p.Text,
			StartChar:  p.StartChar,
			EndChar:    p.EndChar,
		}
		if p.Page > 0 {
			page := p.Page
			chunks[i].PageNumber = &page
		}
	}
	return r.repo.ReplaceChunks(ctx, doc.ID, chunks)
}

// embedStage embeds only the chunks that still lack a vector, so a
// retry after a mid-batch failure picks up where it stopped. Each batch
// is saved as soon as it succeeds.
func (r *Runner) embedStage(ctx context.Context, doc *document.Document) error {
	model := r.embedder.Model()
	chunks, err := r.repo.UnembeddedChunks(ctx, doc.ID, model)
	if err != nil {
		return err
	}

	for start := 0; start < len(chunks); start += r.opts.EmbedBatchSize {
		end := start + r.opts.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		batchCtx, cancel := context.WithTimeout(ctx, r.opts.EmbedTimeout)
		var vecs [][]float32
		err := r.opts.EmbedPolicy.Do(batchCtx, func() error {
			var embedErr error
			vecs, embedErr = r.embedder.EmbedBatch(batchCtx, texts)
			return embedErr
		})
		cancel()
		if err != nil {
			return fmt.Errorf("embed batch at chunk %d: %w", batch[0].ChunkIndex, err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed batch at chunk %d: got %d vectors for %d chunks", batch[0].ChunkIndex, len(vecs), len(batch))
		}

		embeddings := make([]document.Embedding, len(batch))
		for i, c := range batch {
			embeddings[i] = document.Embedding{ChunkID: c.ID, Model: model, Vector: vecs[i]}
		}
		if err := r.repo.SaveEmbeddings(ctx, embeddings); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) indexStage(ctx context.Context, doc *document.Document) error {
	model := r.embedder.Model()
	chunks, err := r.repo.GetChunks(ctx, doc.ID)
	if err != nil {
		return err
	}
	embeddings, err := r.repo.GetEmbeddings(ctx, doc.ID, model)
	if err != nil {
		return err
	}

	byChunk := make(map[string][]float32, len(embeddings))
	for _, e := range embeddings {
		byChunk[e.ChunkID] = e.Vector
	}

	entries := make([]vector.Entry, 0, len(chunks))
	for _, c := range chunks {
		vec, ok := byChunk[c.ID]
		if !ok {
			return fmt.Errorf("chunk %s has no embedding under model %s", c.ID, model)
		}
		entries = append(entries, vector.Entry{ChunkID: c.ID, Vector: vec})
	}
	return r.index.Insert(ctx, doc.WorkspaceID, doc.ID, model, entries)
}
