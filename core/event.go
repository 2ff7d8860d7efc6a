package core

import (
	"fmt"
	"path"
	"strings"
)

// UploadEvent is the ingestion trigger. Delivery is at-least-once: the same
// (Bucket, ObjectName, Generation) may arrive any number of times.
type UploadEvent struct {
	Bucket      string `json:"bucket"`
	ObjectName  string `json:"object_name"`
	Generation  string `json:"object_generation"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (e UploadEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.Bucket) == "":
		return NewValidationError("event.validate", "bucket is required")
	case strings.TrimSpace(e.ObjectName) == "":
		return NewValidationError("event.validate", "object_name is required")
	case strings.TrimSpace(e.Generation) == "":
		return NewValidationError("event.validate", "object_generation is required")
	}
	return nil
}

// Lineage identifies the logical image independent of its generation.
func (e UploadEvent) Lineage() string {
	return e.Bucket + "/" + e.ObjectName
}

// Fingerprint identifies one delivery-independent upload of an object.
func (e UploadEvent) Fingerprint() string {
	return fmt.Sprintf("%s#%s", e.Lineage(), e.Generation)
}

func (e UploadEvent) RawKey() string {
	return e.Lineage()
}

// BlobKey returns the blob store key for bucket/object.
func BlobKey(bucket, object string) string {
	return bucket + "/" + object
}

// ProcessedKey returns the key of a record's processed image inside the
// processed bucket. The id prefix keeps equal file names apart.
func ProcessedKey(bucket, id, objectName string) string {
	return BlobKey(bucket, id+"/"+path.Base(objectName))
}
