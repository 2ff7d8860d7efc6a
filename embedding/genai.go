package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// GenAIClient uses Gemini for both analysis and embeddings.
type GenAIClient struct {
	client         *genai.Client
	analysisModel  string
	embeddingModel string
	dim            int
}

func NewGenAIClient(ctx context.Context, cfg ClientConfig) (*GenAIClient, error) {
	return newGenAIClient(ctx, cfg, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
}

func newGenAIClient(ctx context.Context, cfg ClientConfig, gc *genai.ClientConfig) (*GenAIClient, error) {
	client, err := genai.NewClient(ctx, gc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	analysisModel := cfg.AnalysisModel
	if analysisModel == "" {
		analysisModel = "gemini-2.0-flash"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "gemini-embedding-001"
	}
	return &GenAIClient{
		client:         client,
		analysisModel:  analysisModel,
		embeddingModel: embeddingModel,
		dim:            cfg.Dimension,
	}, nil
}

func (c *GenAIClient) Dimension() int { return c.dim }

func (c *GenAIClient) Analyze(ctx context.Context, image []byte, contentType string) (core.Analysis, error) {
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.analysisModel, []*genai.Content{{
		Parts: []*genai.Part{
			genai.NewPartFromText(analysisPrompt),
			genai.NewPartFromBytes(image, contentType),
		},
		Role: genai.RoleUser,
	}}, &genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return core.Analysis{}, classifyGenAI("genai.analyze", err)
	}
	a, err := parseAnalysis(resp.Text())
	if err != nil {
		return core.Analysis{}, core.Permanent("genai.analyze", err)
	}
	return a, nil
}

func (c *GenAIClient) Embed(ctx context.Context, image []byte, contentType, description string) ([]float32, error) {
	return c.embed(ctx, "genai.embed", description, "RETRIEVAL_DOCUMENT")
}

func (c *GenAIClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, "genai.embed_text", text, "RETRIEVAL_QUERY")
}

func (c *GenAIClient) embed(ctx context.Context, op, text, task string) ([]float32, error) {
	cfg := &genai.EmbedContentConfig{TaskType: task}
	if c.dim > 0 {
		dim := int32(c.dim)
		cfg.OutputDimensionality = &dim
	}
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), cfg)
	if err != nil {
		return nil, classifyGenAI(op, err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, core.Transient(op, errors.New("no embeddings in response"))
	}
	return finalize(op, resp.Embeddings[0].Values, c.dim)
}

func classifyGenAI(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(op, apiErr.Code, apiErr.Message)
	}
	return classifyTransport(op, err)
}
