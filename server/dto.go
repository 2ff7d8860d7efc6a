package server

import (
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
)

type QueryInput struct {
	// ImageBytes is base64 in JSON.
	ImageBytes  []byte    `json:"image_bytes,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Text        string    `json:"text,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
}

type SearchRequest struct {
	Query    QueryInput        `json:"query"`
	TopK     int               `json:"top_k,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
	MinScore *float64          `json:"min_score,omitempty"`

	// Older clients send num_results and threshold.
	NumResults int      `json:"num_results,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
}

func (r SearchRequest) toQuery() core.SearchQuery {
	q := core.SearchQuery{
		ImageBytes:  r.Query.ImageBytes,
		ContentType: r.Query.ContentType,
		Text:        r.Query.Text,
		Vector:      r.Query.Vector,
		TopK:        r.TopK,
		Filters:     r.Filters,
		MinScore:    r.MinScore,
	}
	if q.TopK == 0 {
		q.TopK = r.NumResults
	}
	if q.MinScore == nil {
		q.MinScore = r.Threshold
	}
	return q
}

type SearchResponse = core.SearchResponse

// RecordResponse is the public view of an ImageRecord. Embeddings are
// never returned.
type RecordResponse struct {
	ID                string             `json:"id"`
	Bucket            string             `json:"bucket"`
	ObjectName        string             `json:"object_name"`
	Generation        string             `json:"generation"`
	Status            core.Status        `json:"status"`
	FailureReason     core.FailureReason `json:"failure_reason,omitempty"`
	Version           int64              `json:"version"`
	Description       string             `json:"description,omitempty"`
	Attributes        map[string]string  `json:"attributes,omitempty"`
	Location          *core.Location     `json:"location,omitempty"`
	RawLocation       string             `json:"raw_location,omitempty"`
	ProcessedLocation string             `json:"processed_location,omitempty"`
	ContentType       string             `json:"content_type,omitempty"`
	Size              int64              `json:"size,omitempty"`
	Deleted           bool               `json:"deleted,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Error             string             `json:"error,omitempty"`
}

func recordResponse(rec core.ImageRecord) RecordResponse {
	return RecordResponse{
		ID:                rec.ID,
		Bucket:            rec.Bucket,
		ObjectName:        rec.ObjectName,
		Generation:        rec.Generation,
		Status:            rec.Status,
		FailureReason:     rec.FailureReason,
		Version:           rec.Version,
		Description:       rec.Description,
		Attributes:        rec.Attributes,
		Location:          rec.Location,
		RawLocation:       rec.RawLocation,
		ProcessedLocation: rec.ProcessedLocation,
		ContentType:       rec.ContentType,
		Size:              rec.Size,
		Deleted:           rec.Deleted,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

type ErrorResponse struct {
	Error     string          `json:"error"`
	Class     core.ErrorClass `json:"class"`
	Retryable bool            `json:"retryable"`
}
