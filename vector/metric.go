package vector

import (
	"fmt"
	"math"
	"strings"
)

// Metric is the distance metric an index is built with. The raw score a
// query returns is a similarity for cosine and dot (higher is better) and a
// distance for euclidean (lower is better).
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return m, nil
	case "":
		return MetricCosine, nil
	case "l2":
		return MetricEuclidean, nil
	default:
		return "", fmt.Errorf("unsupported metric: %q", s)
	}
}

func (m Metric) String() string {
	return string(m)
}

func (m Metric) HigherIsBetter() bool {
	return m != MetricEuclidean
}

// Better reports whether raw score a ranks ahead of raw score b.
func (m Metric) Better(a, b float64) bool {
	if m.HigherIsBetter() {
		return a > b
	}
	return a < b
}

// Score computes the raw score between a query and a stored vector.
func (m Metric) Score(query, v []float32) float64 {
	switch m {
	case MetricDot:
		return Dot(query, v)
	case MetricEuclidean:
		return Euclidean(query, v)
	default:
		return CosineSimilarity(query, v)
	}
}

// Normalize maps a raw score onto [0,1], monotonic in the metric's
// direction. Cosine similarity is bounded by [-1,1]. Dot products are taken
// over unit vectors (every vector is L2-normalized at the embedding
// boundary) and share the cosine bounds. Distances map through 1/(1+d).
func (m Metric) Normalize(raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	switch m {
	case MetricEuclidean:
		if raw < 0 {
			raw = 0
		}
		return 1 / (1 + raw)
	default:
		return clamp01((raw + 1) / 2)
	}
}

func clamp01(v float64) float64 {
	const eps = 1e-9
	switch {
	case v < 0:
		return 0
	case v > 1-eps:
		return 1
	}
	return v
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dotProduct += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func Dot(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func Euclidean(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize normalizes a vector to unit length.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)

	if norm == 0 {
		return v
	}

	result := make([]float32, len(v))
	for i, x := range v {
		result[i] = float32(float64(x) / norm)
	}
	return result
}
