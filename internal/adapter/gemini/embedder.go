package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"paperdesk/apps/backend/internal/retry"
)

// maxInputChars bounds a single embedding input. Oversized chunks are
// truncated deterministically instead of failing the whole document.
const maxInputChars = 8000

type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(ctx context.Context, apiKey, model string) (*Embedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model}, nil
}

// Model returns the embedding model identifier. Retrieval uses it to
// refuse queries against an index built with a different model.
func (e *Embedder) Model() string {
	return e.model
}

// EmbedBatch converts a batch of texts into vectors, one per input, all
// of the same dimensionality. Transient upstream failures (rate limits,
// 5xx, timeouts) come back retryable; anything the caller cannot fix by
// retrying is marked permanent.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for i, t := range texts {
		if truncated, ok := truncate(t, maxInputChars); ok {
			slog.WarnContext(ctx, "embedding input truncated", "model", e.model, "index", i, "original_len", len(t))
			t = truncated
		}
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, retry.Permanent(fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(res.Embeddings)))
	}

	vectors := make([][]float32, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, retry.Permanent(fmt.Errorf("empty embedding at index %d", i))
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// truncate cuts s to at most limit bytes on a rune boundary. The second
// return reports whether anything was cut.
func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit], true
}

// classify maps upstream errors onto the shared retry taxonomy.
// Rate limits, server errors, and deadline expiry are worth retrying;
// other API rejections are not.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return err
		}
		return retry.Permanent(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Unknown transport failures are treated as transient; the retry
	// budget bounds them either way.
	return err
}
