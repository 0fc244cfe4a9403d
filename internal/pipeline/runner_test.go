package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/internal/extract"
	"paperdesk/apps/backend/internal/retry"
	"paperdesk/apps/backend/internal/text"
	"paperdesk/apps/backend/internal/vector"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Get(ctx context.Context, id string) (*document.Document, error) {
	args := m.Called(ctx, id)
	if doc := args.Get(0); doc != nil {
		return doc.(*document.Document), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) ListUnfinished(ctx context.Context) ([]document.Document, error) {
	args := m.Called(ctx)
	if docs := args.Get(0); docs != nil {
		return docs.([]document.Document), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) ListIndexed(ctx context.Context) ([]document.Document, error) {
	args := m.Called(ctx)
	if docs := args.Get(0); docs != nil {
		return docs.([]document.Document), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) UpdateStatus(ctx context.Context, id string, from, to document.Status) error {
	return m.Called(ctx, id, from, to).Error(0)
}

func (m *mockRepo) MarkFailed(ctx context.Context, id string, reason document.FailureReason) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *mockRepo) SetPageCount(ctx context.Context, id string, pages int) error {
	return m.Called(ctx, id, pages).Error(0)
}

func (m *mockRepo) ReplaceChunks(ctx context.Context, documentID string, chunks []document.Chunk) error {
	return m.Called(ctx, documentID, chunks).Error(0)
}

func (m *mockRepo) GetChunks(ctx context.Context, documentID string) ([]document.Chunk, error) {
	args := m.Called(ctx, documentID)
	if chunks := args.Get(0); chunks != nil {
		return chunks.([]document.Chunk), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) UnembeddedChunks(ctx context.Context, documentID, model string) ([]document.Chunk, error) {
	args := m.Called(ctx, documentID, model)
	if chunks := args.Get(0); chunks != nil {
		return chunks.([]document.Chunk), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepo) SaveEmbeddings(ctx context.Context, embeddings []document.Embedding) error {
	return m.Called(ctx, embeddings).Error(0)
}

func (m *mockRepo) GetEmbeddings(ctx context.Context, documentID, model string) ([]document.Embedding, error) {
	args := m.Called(ctx, documentID, model)
	if embeddings := args.Get(0); embeddings != nil {
		return embeddings.([]document.Embedding), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(path string) (*extract.Result, error) {
	args := m.Called(path)
	if res := args.Get(0); res != nil {
		return res.(*extract.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if vecs := args.Get(0); vecs != nil {
		return vecs.([][]float32), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEmbedder) Model() string {
	return "gemini-embedding-001"
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(topic string, body []byte) error {
	return m.Called(topic, body).Error(0)
}

func newTestRunner(repo *mockRepo, extractor *mockExtractor, embedder *mockEmbedder, index vector.Index, producer *mockPublisher) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := Options{
		EmbedBatchSize: 2,
		EmbedTimeout:   time.Second,
		EmbedPolicy:    retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	return NewRunner(repo, extractor, text.NewChunker(1000, 200), embedder, index, producer, opts, logger)
}

func TestRunner_Process_FullPipeline(t *testing.T) {
	repo := new(mockRepo)
	extractor := new(mockExtractor)
	embedder := new(mockEmbedder)
	index := vector.NewMemoryIndex()
	runner := newTestRunner(repo, extractor, embedder, index, new(mockPublisher))

	doc := &document.Document{ID: "doc-1", WorkspaceID: "ws-1", FilePath: "/uploads/doc.pdf", Status: document.StatusUploaded}
	repo.On("Get", mock.Anything, "doc-1").Return(doc, nil)

	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusUploaded, document.StatusProcessing).Return(nil)
	extractor.On("Extract", "/uploads/doc.pdf").Return(&extract.Result{
		Text:        "Transformers use attention. They scale well.",
		PageCount:   1,
		PageOffsets: []int{0},
	}, nil)
	repo.On("SetPageCount", mock.Anything, "doc-1", 1).Return(nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusProcessing, document.StatusExtracted).Return(nil)

	repo.On("ReplaceChunks", mock.Anything, "doc-1", mock.MatchedBy(func(chunks []document.Chunk) bool {
		return len(chunks) == 1 && chunks[0].ChunkIndex == 0 && *chunks[0].PageNumber == 1
	})).Return(nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusExtracted, document.StatusChunked).Return(nil)

	chunk := document.Chunk{ID: "chunk-1", DocumentID: "doc-1", ChunkIndex: 0, Text: "Transformers use attention. They scale well."}
	repo.On("UnembeddedChunks", mock.Anything, "doc-1", "gemini-embedding-001").Return([]document.Chunk{chunk}, nil)
	embedder.On("EmbedBatch", mock.Anything, []string{chunk.Text}).Return([][]float32{{0.6, 0.8}}, nil)
	repo.On("SaveEmbeddings", mock.Anything, []document.Embedding{
		{ChunkID: "chunk-1", Model: "gemini-embedding-001", Vector: []float32{0.6, 0.8}},
	}).Return(nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusChunked, document.StatusEmbedded).Return(nil)

	repo.On("GetChunks", mock.Anything, "doc-1").Return([]document.Chunk{chunk}, nil)
	repo.On("GetEmbeddings", mock.Anything, "doc-1", "gemini-embedding-001").Return([]document.Embedding{
		{ChunkID: "chunk-1", Model: "gemini-embedding-001", Vector: []float32{0.6, 0.8}},
	}, nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusEmbedded, document.StatusIndexed).Return(nil)

	err := runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1", WorkspaceID: "ws-1"})

	assert.NoError(t, err)
	repo.AssertExpectations(t)

	hits, err := index.Search(context.Background(), "ws-1", "gemini-embedding-001", []float32{0.6, 0.8}, 1, nil)
	assert.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, "chunk-1", hits[0].ChunkID)
}

func TestRunner_Process_ExtractFailureMarksFailed(t *testing.T) {
	repo := new(mockRepo)
	extractor := new(mockExtractor)
	runner := newTestRunner(repo, extractor, new(mockEmbedder), vector.NewMemoryIndex(), new(mockPublisher))

	doc := &document.Document{ID: "doc-1", WorkspaceID: "ws-1", FilePath: "/uploads/broken.pdf", Status: document.StatusUploaded}
	repo.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusUploaded, document.StatusProcessing).Return(nil)
	extractor.On("Extract", "/uploads/broken.pdf").Return(nil, retry.Permanent(extract.ErrUnparseable))
	repo.On("MarkFailed", mock.Anything, "doc-1", document.ReasonExtractFailed).Return(nil)

	err := runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1"})

	// Failure is recorded on the document, not bounced back to NSQ.
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRunner_Process_EmbedFailureKeepsPartialBatches(t *testing.T) {
	repo := new(mockRepo)
	embedder := new(mockEmbedder)
	runner := newTestRunner(repo, new(mockExtractor), embedder, vector.NewMemoryIndex(), new(mockPublisher))

	doc := &document.Document{ID: "doc-1", WorkspaceID: "ws-1", Status: document.StatusChunked}
	repo.On("Get", mock.Anything, "doc-1").Return(doc, nil)

	chunks := []document.Chunk{
		{ID: "chunk-1", ChunkIndex: 0, Text: "first"},
		{ID: "chunk-2", ChunkIndex: 1, Text: "second"},
		{ID: "chunk-3", ChunkIndex: 2, Text: "third"},
	}
	repo.On("UnembeddedChunks", mock.Anything, "doc-1", "gemini-embedding-001").Return(chunks, nil)

	embedder.On("EmbedBatch", mock.Anything, []string{"first", "second"}).Return([][]float32{{0.1}, {0.2}}, nil)
	repo.On("SaveEmbeddings", mock.Anything, mock.MatchedBy(func(es []document.Embedding) bool {
		return len(es) == 2 && es[0].ChunkID == "chunk-1"
	})).Return(nil)
	embedder.On("EmbedBatch", mock.Anything, []string{"third"}).Return(nil, retry.Permanent(errors.New("quota exhausted")))
	repo.On("MarkFailed", mock.Anything, "doc-1", document.ReasonEmbedFailed).Return(nil)

	err := runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1"})

	assert.NoError(t, err)
	// The first batch was saved before the failure; a retry only embeds
	// what is still missing.
	repo.AssertCalled(t, "SaveEmbeddings", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestRunner_Process_ResumesFromPersistedStatus(t *testing.T) {
	repo := new(mockRepo)
	extractor := new(mockExtractor)
	runner := newTestRunner(repo, extractor, new(mockEmbedder), vector.NewMemoryIndex(), new(mockPublisher))

	// Resume at extracted: chunking re-reads the stored file, the
	// extract stage is not repeated.
	doc := &document.Document{ID: "doc-1", WorkspaceID: "ws-1", FilePath: "/uploads/doc.pdf", Status: document.StatusExtracted}
	repo.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	extractor.On("Extract", "/uploads/doc.pdf").Return(&extract.Result{Text: "some text", PageCount: 1, PageOffsets: []int{0}}, nil)
	repo.On("ReplaceChunks", mock.Anything, "doc-1", mock.Anything).Return(errors.New("db down"))
	repo.On("MarkFailed", mock.Anything, "doc-1", document.ReasonChunkFailed).Return(nil)

	err := runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1"})

	assert.NoError(t, err)
	repo.AssertNotCalled(t, "SetPageCount", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestRunner_Process_DeletedDocumentAcks(t *testing.T) {
	repo := new(mockRepo)
	runner := newTestRunner(repo, new(mockExtractor), new(mockEmbedder), vector.NewMemoryIndex(), new(mockPublisher))

	repo.On("Get", mock.Anything, "gone").Return(nil, document.ErrNotFound)

	err := runner.Process(context.Background(), document.IngestTask{DocumentID: "gone"})

	assert.NoError(t, err)
}

func TestRunner_Process_DuplicateTaskDropped(t *testing.T) {
	repo := new(mockRepo)
	extractor := new(mockExtractor)
	runner := newTestRunner(repo, extractor, new(mockEmbedder), vector.NewMemoryIndex(), new(mockPublisher))

	started := make(chan struct{})
	proceed := make(chan struct{})

	doc := &document.Document{ID: "doc-1", WorkspaceID: "ws-1", FilePath: "/uploads/doc.pdf", Status: document.StatusUploaded}
	repo.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusUploaded, document.StatusProcessing).Return(nil)
	extractor.On("Extract", "/uploads/doc.pdf").Run(func(mock.Arguments) {
		close(started)
		<-proceed
	}).Return(nil, errors.New("interrupted"))
	repo.On("MarkFailed", mock.Anything, "doc-1", document.ReasonExtractFailed).Return(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1"})
	}()

	<-started
	// Second delivery while the first run holds the lease.
	err := runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1"})
	assert.NoError(t, err)

	close(proceed)
	wg.Wait()

	repo.AssertNumberOfCalls(t, "Get", 1)
}

func TestRunner_Cancel_StopsInFlightRun(t *testing.T) {
	repo := new(mockRepo)
	extractor := new(mockExtractor)
	runner := newTestRunner(repo, extractor, new(mockEmbedder), vector.NewMemoryIndex(), new(mockPublisher))

	started := make(chan struct{})

	doc := &document.Document{ID: "doc-1", WorkspaceID: "ws-1", FilePath: "/uploads/doc.pdf", Status: document.StatusUploaded}
	repo.On("Get", mock.Anything, "doc-1").Return(doc, nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusUploaded, document.StatusProcessing).Return(nil)
	extractor.On("Extract", "/uploads/doc.pdf").Return(&extract.Result{Text: "text", PageCount: 1, PageOffsets: []int{0}}, nil)
	// Block inside the stage until Cancel fires, then the loop must exit
	// before reaching the chunk stage.
	repo.On("SetPageCount", mock.Anything, "doc-1", 1).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		close(started)
		<-ctx.Done()
	}).Return(nil)
	repo.On("UpdateStatus", mock.Anything, "doc-1", document.StatusProcessing, document.StatusExtracted).Return(nil).Maybe()

	done := make(chan error, 1)
	go func() {
		done <- runner.Process(context.Background(), document.IngestTask{DocumentID: "doc-1"})
	}()

	<-started
	runner.Cancel("doc-1")

	assert.NoError(t, <-done)
	// Cancellation is not a failure.
	repo.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunner_RebuildIndex_RestoresIndexedDocuments(t *testing.T) {
	repo := new(mockRepo)
	index := vector.NewMemoryIndex()
	runner := newTestRunner(repo, new(mockExtractor), new(mockEmbedder), index, new(mockPublisher))

	repo.On("ListIndexed", mock.Anything).Return([]document.Document{
		{ID: "doc-1", WorkspaceID: "ws-1", Status: document.StatusIndexed},
	}, nil)
	chunk := document.Chunk{ID: "chunk-1", DocumentID: "doc-1", ChunkIndex: 0, Text: "attention is all you need"}
	repo.On("GetChunks", mock.Anything, "doc-1").Return([]document.Chunk{chunk}, nil)
	repo.On("GetEmbeddings", mock.Anything, "doc-1", "gemini-embedding-001").Return([]document.Embedding{
		{ChunkID: "chunk-1", Model: "gemini-embedding-001", Vector: []float32{0.6, 0.8}},
	}, nil)

	err := runner.RebuildIndex(context.Background())

	assert.NoError(t, err)
	repo.AssertExpectations(t)

	// Documents that were indexed before the restart are searchable
	// again without re-ingestion.
	hits, err := index.Search(context.Background(), "ws-1", "gemini-embedding-001", []float32{0.6, 0.8}, 1, nil)
	assert.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, "chunk-1", hits[0].ChunkID)
}

func TestRunner_Resume(t *testing.T) {
	repo := new(mockRepo)
	producer := new(mockPublisher)
	runner := newTestRunner(repo, new(mockExtractor), new(mockEmbedder), vector.NewMemoryIndex(), producer)

	repo.On("ListUnfinished", mock.Anything).Return([]document.Document{
		{ID: "doc-1", WorkspaceID: "ws-1", Status: document.StatusProcessing},
		{ID: "doc-2", WorkspaceID: "ws-1", Status: document.StatusChunked},
	}, nil)
	producer.On("Publish", "ingest.task", mock.Anything).Return(nil).Times(2)

	err := runner.Resume(context.Background())

	assert.NoError(t, err)
	producer.AssertExpectations(t)
}
