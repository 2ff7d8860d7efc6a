package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// OllamaClient uses Ollama's native API: /api/generate with images for
// analysis and /api/embed for vectors.
type OllamaClient struct {
	baseURL        string
	analysisModel  string
	embeddingModel string
	dim            int
	client         *http.Client
}

func NewOllamaClient(cfg ClientConfig) *OllamaClient {
	host := cfg.BaseURL
	if host == "" {
		host = "http://localhost:11434"
	}
	host = strings.TrimSuffix(host, "/")
	host = strings.TrimSuffix(host, "/v1")

	analysisModel := cfg.AnalysisModel
	if analysisModel == "" {
		analysisModel = "llava"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "nomic-embed-text"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	return &OllamaClient{
		baseURL:        host,
		analysisModel:  analysisModel,
		embeddingModel: embeddingModel,
		dim:            cfg.Dimension,
		client:         &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (c *OllamaClient) Dimension() int { return c.dim }

func (c *OllamaClient) post(ctx context.Context, op, path string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return classifyStatus(op, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Transient(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *OllamaClient) Analyze(ctx context.Context, image []byte, contentType string) (core.Analysis, error) {
	reqBody := map[string]any{
		"model":  c.analysisModel,
		"prompt": analysisPrompt,
		"images": []string{base64.StdEncoding.EncodeToString(image)},
		"format": "json",
		"stream": false,
	}

	var result ollamaGenerateResponse
	if err := c.post(ctx, "ollama.analyze", "/api/generate", reqBody, &result); err != nil {
		return core.Analysis{}, err
	}
	a, err := parseAnalysis(result.Response)
	if err != nil {
		return core.Analysis{}, core.Permanent("ollama.analyze", err)
	}
	return a, nil
}

func (c *OllamaClient) Embed(ctx context.Context, image []byte, contentType, description string) ([]float32, error) {
	return c.embed(ctx, "ollama.embed", description)
}

func (c *OllamaClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, "ollama.embed_text", text)
}

func (c *OllamaClient) embed(ctx context.Context, op, input string) ([]float32, error) {
	reqBody := map[string]any{
		"model": c.embeddingModel,
		"input": input,
	}

	var result ollamaEmbedResponse
	if err := c.post(ctx, op, "/api/embed", reqBody, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 {
		return nil, core.Transient(op, fmt.Errorf("no embeddings in response"))
	}
	return finalize(op, result.Embeddings[0], c.dim)
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
