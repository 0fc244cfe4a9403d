package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"paperdesk/apps/backend/internal/retry"
)

// Generator produces answer and summary text from a grounded prompt.
type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(ctx context.Context, apiKey, model string) (*Generator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Generator{client: client, model: model}, nil
}

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	slog.DebugContext(ctx, "generating", "model", g.model, "prompt_len", len(prompt))

	gm := g.client.GenerativeModel(g.model)
	res, err := gm.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify(err)
	}

	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", retry.Permanent(fmt.Errorf("generation returned no candidates"))
	}

	var b strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", retry.Permanent(fmt.Errorf("generation returned empty text"))
	}
	return out, nil
}
