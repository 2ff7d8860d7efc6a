package core

import (
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusAnalyzing Status = "analyzing"
	StatusEmbedding Status = "embedding"
	StatusIndexing  Status = "indexing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var statusOrder = []Status{
	StatusUploaded,
	StatusAnalyzing,
	StatusEmbedding,
	StatusIndexing,
	StatusCompleted,
	StatusFailed,
}

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, slices.Contains(statusOrder, st)
}

// InFlight reports whether the automatic pipeline still owns the record.
func (s Status) InFlight() bool {
	return s == StatusAnalyzing || s == StatusEmbedding || s == StatusIndexing
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonAnalysisExhausted  FailureReason = "analysis_exhausted"
	ReasonEmbeddingExhausted FailureReason = "embedding_exhausted"
	ReasonWriteExhausted     FailureReason = "write_exhausted"
	ReasonBlobMissing        FailureReason = "blob_missing"
	ReasonPermanentInput     FailureReason = "permanent_input"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	PlaceName string  `json:"place_name,omitempty"`

	PlaceID    string `json:"place_id,omitempty"`
	Country    string `json:"country,omitempty"`
	State      string `json:"state,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Analysis is the output of the image analysis model.
type Analysis struct {
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// CombinedText joins the description and attributes into the text that is
// embedded alongside the image.
func (a Analysis) CombinedText() string {
	text := a.Description
	for _, k := range slices.Sorted(maps.Keys(a.Attributes)) {
		text += "\n" + k + ": " + a.Attributes[k]
	}
	return text
}

// ImageRecord is the unit of ingestion shared by the blob store, the vector
// index and the metadata store. ID is the only join key between them.
type ImageRecord struct {
	ID                string            `json:"id"`
	Bucket            string            `json:"bucket"`
	ObjectName        string            `json:"object_name"`
	Generation        string            `json:"generation"`
	RawLocation       string            `json:"raw_location"`
	ProcessedLocation string            `json:"processed_location,omitempty"`
	ContentType       string            `json:"content_type,omitempty"`
	Size              int64             `json:"size,omitempty"`
	Description       string            `json:"description,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Location          *Location         `json:"location,omitempty"`
	Embedding         []float32         `json:"embedding,omitempty"`
	Status            Status            `json:"status"`
	FailureReason     FailureReason     `json:"failure_reason,omitempty"`
	Version           int64             `json:"version"`
	Deleted           bool              `json:"deleted,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (r ImageRecord) Clone() ImageRecord {
	c := r
	c.Attributes = maps.Clone(r.Attributes)
	c.Embedding = slices.Clone(r.Embedding)
	if r.Location != nil {
		loc := *r.Location
		c.Location = &loc
	}
	return c
}

func (r *ImageRecord) Transition(status Status, now time.Time) {
	r.Status = status
	if status != StatusFailed {
		r.FailureReason = ReasonNone
	}
	r.UpdatedAt = now
}

func (r *ImageRecord) Fail(reason FailureReason, now time.Time) {
	r.Status = StatusFailed
	r.FailureReason = reason
	r.UpdatedAt = now
}
