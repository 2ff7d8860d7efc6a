package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// OpenAIClient talks to any OpenAI-compatible API: vision chat completions
// for analysis and /embeddings for vectors.
type OpenAIClient struct {
	apiKey         string
	baseURL        string
	analysisModel  string
	embeddingModel string
	dim            int
	client         *http.Client
}

func NewOpenAIClient(cfg ClientConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	analysisModel := cfg.AnalysisModel
	if analysisModel == "" {
		analysisModel = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	return &OpenAIClient{
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		analysisModel:  analysisModel,
		embeddingModel: embeddingModel,
		dim:            cfg.Dimension,
		client:         &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (c *OpenAIClient) Dimension() int { return c.dim }

func (c *OpenAIClient) post(ctx context.Context, op, path string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

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

func (c *OpenAIClient) Analyze(ctx context.Context, image []byte, contentType string) (core.Analysis, error) {
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image)

	reqBody := map[string]any{
		"model": c.analysisModel,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": analysisPrompt},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			},
		}},
		"response_format": map[string]any{"type": "json_object"},
	}

	var result openAIChatResponse
	if err := c.post(ctx, "openai.analyze", "/chat/completions", reqBody, &result); err != nil {
		return core.Analysis{}, err
	}
	if len(result.Choices) == 0 {
		return core.Analysis{}, core.Transient("openai.analyze", fmt.Errorf("no choices in response"))
	}
	a, err := parseAnalysis(result.Choices[0].Message.Content)
	if err != nil {
		return core.Analysis{}, core.Permanent("openai.analyze", err)
	}
	return a, nil
}

// Embed embeds the analysis text; the image itself is represented through
// its description so image and text queries share one vector space.
func (c *OpenAIClient) Embed(ctx context.Context, image []byte, contentType, description string) ([]float32, error) {
	return c.embed(ctx, "openai.embed", description)
}

func (c *OpenAIClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, "openai.embed_text", text)
}

func (c *OpenAIClient) embed(ctx context.Context, op, input string) ([]float32, error) {
	reqBody := map[string]any{
		"model": c.embeddingModel,
		"input": input,
	}
	if c.dim > 0 {
		reqBody["dimensions"] = c.dim
	}

	var result openAIEmbeddingResponse
	if err := c.post(ctx, op, "/embeddings", reqBody, &result); err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, core.Transient(op, fmt.Errorf("no embeddings in response"))
	}
	return finalize(op, result.Data[0].Embedding, c.dim)
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}
