package core

type SearchQuery struct {
	ImageBytes  []byte            `json:"image_bytes,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Text        string            `json:"text,omitempty"`
	Vector      []float32         `json:"vector,omitempty"`
	TopK        int               `json:"top_k"`
	Filters     map[string]string `json:"filters,omitempty"`
	MinScore    *float64          `json:"min_score,omitempty"`
}

type SearchResult struct {
	ID                string            `json:"id"`
	Score             float64           `json:"score"`
	Description       string            `json:"description"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	ProcessedLocation string            `json:"processed_location"`
}

type SearchResponse struct {
	Results     []SearchResult `json:"results"`
	QueryTimeMs int64          `json:"query_time_ms"`
}
