package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCaptionOnly rejects a provider whose Embed cannot see the image.
var ErrCaptionOnly = errors.New("provider embeds the generated caption, not the image; set embedding.caption_embeddings or use provider vertex")

// New creates a Client for the configured provider.
func New(ctx context.Context, cfg ClientConfig) (Client, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "", "mock":
		return NewMockClient(cfg.Dimension), nil
	case "vertex":
		return NewVertexClient(ctx, cfg)
	}

	if CaptionOnly(provider) && !cfg.CaptionEmbeddings {
		return nil, fmt.Errorf("%s: %w", provider, ErrCaptionOnly)
	}
	switch provider {
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "ollama":
		return NewOllamaClient(cfg), nil
	case "genai", "gemini":
		return NewGenAIClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// CaptionOnly reports whether provider derives image vectors from the
// analysis text.
func CaptionOnly(provider string) bool {
	switch strings.ToLower(provider) {
	case "openai", "ollama", "genai", "gemini":
		return true
	}
	return false
}
