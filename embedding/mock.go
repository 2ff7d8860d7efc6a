package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// MockClient produces deterministic vectors seeded by SHA-256, so equal
// inputs always embed identically. Errors can be queued per operation to
// exercise retry paths.
type MockClient struct {
	dim int

	// Describe overrides the default analysis.
	Describe func(image []byte) core.Analysis

	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
}

func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = 8
	}
	return &MockClient{dim: dimension, errs: map[string][]error{}, calls: map[string]int{}}
}

// FailNext queues errors returned by the next calls of op ("analyze",
// "embed", "embed_text"), one per call.
func (m *MockClient) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = append(m.errs[op], errs...)
}

func (m *MockClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockClient) next(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	q := m.errs[op]
	if len(q) == 0 {
		return nil
	}
	m.errs[op] = q[1:]
	return q[0]
}

func (m *MockClient) Dimension() int { return m.dim }

func (m *MockClient) Analyze(ctx context.Context, image []byte, contentType string) (core.Analysis, error) {
	if err := m.next("analyze"); err != nil {
		return core.Analysis{}, err
	}
	if len(image) == 0 {
		return core.Analysis{}, core.Permanent("mock.analyze", fmt.Errorf("empty image"))
	}
	if m.Describe != nil {
		return m.Describe(image), nil
	}
	sum := sha256.Sum256(image)
	return core.Analysis{
		Description: fmt.Sprintf("image %x", sum[:4]),
		Attributes:  map[string]string{"objects": fmt.Sprintf("object-%x", sum[0])},
	}, nil
}

// Embed seeds from the image bytes only: the same image always maps to the
// same vector regardless of its analysis.
func (m *MockClient) Embed(ctx context.Context, image []byte, contentType, description string) ([]float32, error) {
	if err := m.next("embed"); err != nil {
		return nil, err
	}
	return finalize("mock.embed", m.vector(image), m.dim)
}

func (m *MockClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := m.next("embed_text"); err != nil {
		return nil, err
	}
	return finalize("mock.embed_text", m.vector([]byte(text)), m.dim)
}

func (m *MockClient) vector(seed []byte) []float32 {
	out := make([]float32, m.dim)
	block := sha256.Sum256(seed)
	for i := range out {
		if i > 0 && i%8 == 0 {
			block = sha256.Sum256(block[:])
		}
		off := (i % 8) * 4
		u := binary.BigEndian.Uint32(block[off : off+4])
		out[i] = float32(float64(u)/math.MaxUint32*2 - 1)
	}
	return out
}
