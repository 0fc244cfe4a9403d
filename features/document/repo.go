package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"paperdesk/apps/backend/internal/retrieval"
)

var ErrNotFound = errors.New("document not found")

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (workspace_id, title, filename, file_path, file_size, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query,
		doc.WorkspaceID, doc.Title, doc.Filename, doc.FilePath, doc.FileSize, doc.Status).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	var reason sql.NullString
	query := `SELECT id, workspace_id, title, filename, file_path, file_size, page_count, status, failure_reason, created_at, updated_at
		FROM documents WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Filename, &doc.FilePath,
		&doc.FileSize, &doc.PageCount, &doc.Status, &reason, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.FailureReason = reason.String
	return doc, nil
}

func (r *PostgresRepo) List(ctx context.Context, workspaceID string) ([]Document, error) {
	query := `SELECT id, workspace_id, title, filename, file_path, file_size, page_count, status, failure_reason, created_at, updated_at
		FROM documents WHERE workspace_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var reason sql.NullString
		if err := rows.Scan(&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Filename, &doc.FilePath,
			&doc.FileSize, &doc.PageCount, &doc.Status, &reason, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.FailureReason = reason.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListUnfinished returns documents stuck in a non-terminal state, used
// to resume ingestion after a restart.
func (r *PostgresRepo) ListUnfinished(ctx context.Context) ([]Document, error) {
	query := `SELECT id, workspace_id, title, filename, file_path, file_size, page_count, status, failure_reason, created_at, updated_at
		FROM documents WHERE status NOT IN ($1, $2) ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, StatusIndexed, StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var reason sql.NullString
		if err := rows.Scan(&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Filename, &doc.FilePath,
			&doc.FileSize, &doc.PageCount, &doc.Status, &reason, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.FailureReason = reason.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListIndexed returns all indexed documents across workspaces, used to
// rebuild an in-process vector index from persisted embeddings after a
// restart.
func (r *PostgresRepo) ListIndexed(ctx context.Context) ([]Document, error) {
	query := `SELECT id, workspace_id, title, filename, file_path, file_size, page_count, status, failure_reason, created_at, updated_at
		FROM documents WHERE status = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, StatusIndexed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var reason sql.NullString
		if err := rows.Scan(&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Filename, &doc.FilePath,
			&doc.FileSize, &doc.PageCount, &doc.Status, &reason, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.FailureReason = reason.String
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateStatus persists a status transition after validating it against
// the pipeline's transition table. The illegal-transition check runs in
// SQL against the current row, so concurrent writers cannot race a
// document backwards.
func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	if err := ValidateTransition(from, to); err != nil {
		return err
	}
	query := `UPDATE documents SET status = $1, failure_reason = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s is no longer %s", ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id string, reason FailureReason) error {
	query := `UPDATE documents SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5)`
	_, err := r.db.ExecContext(ctx, query, StatusFailed, reason, id, StatusIndexed, StatusFailed)
	return err
}

// ResetForRetry moves a failed document back to the last stage that
// completed so ingestion can resume there.
func (r *PostgresRepo) ResetForRetry(ctx context.Context, id string, resumeFrom Status) error {
	query := `UPDATE documents SET status = $1, failure_reason = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, resumeFrom, id, StatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s is not failed", ErrInvalidTransition, id)
	}
	return nil
}

func (r *PostgresRepo) SetPageCount(ctx context.Context, id string, pages int) error {
	query := `UPDATE documents SET page_count = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, pages, id)
	return err
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	// Chunks and embeddings cascade at the schema level.
	query := `DELETE FROM documents WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// ReplaceChunks swaps a document's chunk set in one transaction; used
// by the chunk stage so reprocessing never leaves duplicates.
func (r *PostgresRepo) ReplaceChunks(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	insert := `INSERT INTO chunks (document_id, chunk_index, text, page_number, start_char, end_char)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	for i := range chunks {
		c := &chunks[i]
		if err := tx.QueryRowContext(ctx, insert,
			documentID, c.ChunkIndex, c.Text, c.PageNumber, c.StartChar, c.EndChar).Scan(&c.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) GetChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	query := `SELECT id, document_id, chunk_index, text, page_number, start_char, end_char
		FROM chunks WHERE document_id = $1 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.PageNumber, &c.StartChar, &c.EndChar); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UnembeddedChunks returns the document's chunks that still lack an
// embedding under the given model, so a retry after embed_failed only
// redoes the remainder.
func (r *PostgresRepo) UnembeddedChunks(ctx context.Context, documentID, model string) ([]Chunk, error) {
	query := `SELECT c.id, c.document_id, c.chunk_index, c.text, c.page_number, c.start_char, c.end_char
		FROM chunks c
		LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id AND e.model = $2
		WHERE c.document_id = $1 AND e.chunk_id IS NULL
		ORDER BY c.chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.PageNumber, &c.StartChar, &c.EndChar); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *PostgresRepo) SaveEmbeddings(ctx context.Context, embeddings []Embedding) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO chunk_embeddings (chunk_id, model, vector) VALUES ($1, $2, $3)
		ON CONFLICT (chunk_id) DO UPDATE SET model = EXCLUDED.model, vector = EXCLUDED.vector`
	for _, e := range embeddings {
		if _, err := tx.ExecContext(ctx, query, e.ChunkID, e.Model, pq.Array(e.Vector)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) GetEmbeddings(ctx context.Context, documentID, model string) ([]Embedding, error) {
	query := `SELECT e.chunk_id, e.model, e.vector
		FROM chunk_embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		WHERE c.document_id = $1 AND e.model = $2
		ORDER BY c.chunk_index`
	rows, err := r.db.QueryContext(ctx, query, documentID, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var embeddings []Embedding
	for rows.Next() {
		var e Embedding
		var vec pq.Float32Array
		if err := rows.Scan(&e.ChunkID, &e.Model, &vec); err != nil {
			return nil, err
		}
		e.Vector = vec
		embeddings = append(embeddings, e)
	}
	return embeddings, rows.Err()
}

// DeleteChunkData removes a document's chunks, and with them its
// embeddings through the schema cascade. Used when a retry restarts
// ingestion from the top instead of resuming mid-pipeline.
func (r *PostgresRepo) DeleteChunkData(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

// HydrateChunks resolves chunk ids to text and document provenance for
// the retrieval engine.
func (r *PostgresRepo) HydrateChunks(ctx context.Context, chunkIDs []string) (map[string]retrieval.RetrievedChunk, error) {
	query := `SELECT c.id, c.document_id, d.title, c.text, c.page_number
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(chunkIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]retrieval.RetrievedChunk, len(chunkIDs))
	for rows.Next() {
		var rc retrieval.RetrievedChunk
		if err := rows.Scan(&rc.ChunkID, &rc.DocumentID, &rc.DocumentTitle, &rc.Text, &rc.PageNumber); err != nil {
			return nil, err
		}
		out[rc.ChunkID] = rc
	}
	return out, rows.Err()
}

// CountIndexed reports how many of the given documents are in the given
// workspace and currently indexed.
func (r *PostgresRepo) CountIndexed(ctx context.Context, workspaceID string, documentIDs []string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM documents WHERE workspace_id = $1 AND id = ANY($2) AND status = $3`
	err := r.db.QueryRowContext(ctx, query, workspaceID, pq.Array(documentIDs), StatusIndexed).Scan(&n)
	return n, err
}
