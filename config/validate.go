package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hubenschmidt/go-imgsearch/embedding"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var messages []string
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validation error: %w", err)
		}
		for _, e := range fieldErrs {
			messages = append(messages, formatValidationError(e))
		}
	}

	if cfg.Search.DefaultTopK > cfg.Search.MaxTopK {
		messages = append(messages, fmt.Sprintf("search.default_top_k must not exceed search.max_top_k (%d > %d)",
			cfg.Search.DefaultTopK, cfg.Search.MaxTopK))
	}
	if cfg.Ingest.Retry.MaxInterval < cfg.Ingest.Retry.InitialInterval {
		messages = append(messages, "ingest.retry.max_interval must be at least ingest.retry.initial_interval")
	}
	if p := cfg.Embedding.Provider; (p == "openai" || p == "genai" || p == "gemini") && cfg.Embedding.APIKey == "" && cfg.Embedding.BaseURL == "" {
		messages = append(messages, fmt.Sprintf("embedding.api_key is required for provider %q", p))
	}
	if p := cfg.Embedding.Provider; embedding.CaptionOnly(p) && !cfg.Embedding.CaptionEmbeddings {
		messages = append(messages, fmt.Sprintf("provider %q embeds captions, not images: set embedding.caption_embeddings or use provider vertex", p))
	}
	if cfg.Embedding.Provider == "vertex" && cfg.Embedding.Project == "" {
		messages = append(messages, "embedding.project is required for provider \"vertex\"")
	}

	if len(messages) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	path := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", path, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", path, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", path, e.Param(), e.Value())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", path, camelToSnake(e.Param()))
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", path, e.Tag(), e.Value())
	}
}

// formatFieldPath turns "Config.Ingest.StaleAfter" into "ingest.stale_after".
func formatFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 1 {
		return namespace
	}
	out := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		out = append(out, camelToSnake(p))
	}
	return strings.Join(out, ".")
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
			b.WriteRune('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
