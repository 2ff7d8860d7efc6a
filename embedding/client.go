// Package embedding wraps the image analysis and embedding models behind one
// client. Every vector leaving this package is L2-normalized and has the
// configured dimension.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/hubenschmidt/go-imgsearch/vector"
)

type Client interface {
	// Analyze describes an image and extracts attributes.
	Analyze(ctx context.Context, image []byte, contentType string) (core.Analysis, error)
	// Embed returns the vector for an analyzed image.
	Embed(ctx context.Context, image []byte, contentType, description string) ([]float32, error)
	// EmbedText returns the vector for a free-text query.
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type ClientConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	AnalysisModel  string
	EmbeddingModel string
	Dimension      int
	Timeout        int
	// Project and Location select the Google Cloud project for the
	// vertex provider.
	Project  string
	Location string
	// CaptionEmbeddings accepts providers that embed the generated
	// description instead of the image bytes.
	CaptionEmbeddings bool
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Provider:  "mock",
		Dimension: 256,
		Timeout:   60,
	}
}

// analysisPrompt asks for the scene context, the visual characteristics and
// the objects in one JSON response.
const analysisPrompt = `Analyze this image and answer with a JSON object with exactly these keys:
"description": a detailed description of the image's context and scene in 2-3 sentences,
"characteristics": the key visual characteristics including colors, lighting, composition and style, as a comma-separated list,
"objects": the main objects and elements visible in the image, as a comma-separated list.`

type analysisJSON struct {
	Description     string `json:"description"`
	Characteristics any    `json:"characteristics"`
	Objects         any    `json:"objects"`
}

// parseAnalysis decodes the model's JSON answer. Models occasionally wrap
// JSON in a markdown fence or answer in prose; prose becomes the
// description.
func parseAnalysis(text string) (core.Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return core.Analysis{}, errors.New("empty analysis response")
	}

	var raw analysisJSON
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw.Description == "" {
		return core.Analysis{Description: text}, nil
	}

	a := core.Analysis{Description: strings.TrimSpace(raw.Description), Attributes: map[string]string{}}
	if v := joinList(raw.Characteristics); v != "" {
		a.Attributes["characteristics"] = v
	}
	if v := joinList(raw.Objects); v != "" {
		a.Attributes["objects"] = v
	}
	return a, nil
}

func joinList(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// finalize enforces the vector contract: expected length, unit norm.
func finalize(op string, v []float32, dim int) ([]float32, error) {
	if len(v) == 0 {
		return nil, core.Permanent(op, errors.New("empty embedding"))
	}
	if dim > 0 && len(v) != dim {
		return nil, core.Permanent(op, fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(v), dim))
	}
	return vector.Normalize(v), nil
}

// classifyStatus maps an HTTP status from a model API onto the error
// taxonomy: throttling, timeouts and server errors are transient.
func classifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("API error (status %d): %s", status, strings.TrimSpace(body))
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return core.Transient(op, err)
	}
	return core.Permanent(op, err)
}

// classifyTransport treats network failures and deadlines as transient.
// Cancellation is returned as-is so callers stop retrying.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return core.Transient(op, fmt.Errorf("request failed: %w", err))
}
