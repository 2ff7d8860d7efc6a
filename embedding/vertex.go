package embedding

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/option"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hubenschmidt/go-imgsearch/core"
)

const (
	defaultVertexLocation = "us-central1"
	defaultVertexModel    = "multimodalembedding@001"
)

// vertexDimensions are the output sizes the multimodal model supports.
var vertexDimensions = []int{128, 256, 512, 1408}

type predictFunc func(ctx context.Context, req *aiplatformpb.PredictRequest) (*aiplatformpb.PredictResponse, error)

// VertexClient embeds the image bytes with the Vertex AI multimodal
// embedding model, so images and text queries share one vector space.
// Analysis runs on Gemini through the Vertex backend.
type VertexClient struct {
	*GenAIClient
	predict  predictFunc
	closer   func() error
	endpoint string
	dim      int
}

func NewVertexClient(ctx context.Context, cfg ClientConfig) (*VertexClient, error) {
	if cfg.Project == "" {
		return nil, errors.New("vertex: project is required")
	}
	if !slices.Contains(vertexDimensions, cfg.Dimension) {
		return nil, fmt.Errorf("vertex: dimension must be one of %v, got %d", vertexDimensions, cfg.Dimension)
	}
	location := cfg.Location
	if location == "" {
		location = defaultVertexLocation
	}

	analyzer, err := newGenAIClient(ctx, cfg, &genai.ClientConfig{
		Project:  cfg.Project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, err
	}

	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = location + "-aiplatform.googleapis.com:443"
	}
	pc, err := aiplatform.NewPredictionClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create prediction client: %w", err)
	}

	model := cfg.EmbeddingModel
	if model == "" {
		model = defaultVertexModel
	}
	return &VertexClient{
		GenAIClient: analyzer,
		predict: func(ctx context.Context, req *aiplatformpb.PredictRequest) (*aiplatformpb.PredictResponse, error) {
			return pc.Predict(ctx, req)
		},
		closer:   pc.Close,
		endpoint: fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", cfg.Project, location, model),
		dim:      cfg.Dimension,
	}, nil
}

func (c *VertexClient) Dimension() int { return c.dim }

// Embed ignores the description; the vector comes from the pixels.
func (c *VertexClient) Embed(ctx context.Context, image []byte, contentType, description string) ([]float32, error) {
	if len(image) == 0 {
		return nil, core.Permanent("vertex.embed", errors.New("empty image"))
	}
	instance := map[string]any{
		"image": map[string]any{"bytesBase64Encoded": base64.StdEncoding.EncodeToString(image)},
	}
	return c.embed(ctx, "vertex.embed", instance, "imageEmbedding")
}

func (c *VertexClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, "vertex.embed_text", map[string]any{"text": text}, "textEmbedding")
}

func (c *VertexClient) embed(ctx context.Context, op string, instance map[string]any, field string) ([]float32, error) {
	inst, err := structpb.NewValue(instance)
	if err != nil {
		return nil, core.Permanent(op, fmt.Errorf("encode instance: %w", err))
	}
	params, err := structpb.NewValue(map[string]any{"dimension": c.dim})
	if err != nil {
		return nil, core.Permanent(op, fmt.Errorf("encode parameters: %w", err))
	}

	resp, err := c.predict(ctx, &aiplatformpb.PredictRequest{
		Endpoint:   c.endpoint,
		Instances:  []*structpb.Value{inst},
		Parameters: params,
	})
	if err != nil {
		return nil, classifyVertex(op, err)
	}
	if len(resp.GetPredictions()) == 0 {
		return nil, core.Transient(op, errors.New("no predictions in response"))
	}

	values := resp.GetPredictions()[0].GetStructValue().GetFields()[field].GetListValue().GetValues()
	v := make([]float32, len(values))
	for i, x := range values {
		v[i] = float32(x.GetNumberValue())
	}
	return finalize(op, v, c.dim)
}

func (c *VertexClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// classifyVertex maps gRPC status codes onto the error taxonomy.
func classifyVertex(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return classifyTransport(op, err)
	}
	switch st.Code() {
	case codes.Canceled:
		return err
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted:
		return core.Transient(op, err)
	default:
		return core.Permanent(op, err)
	}
}
