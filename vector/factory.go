package vector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open creates an index from a URL. Supported forms:
//
//	"" or memory://                      in-memory brute force
//	postgres://...?table=image_vectors   pgvector
//
// The table parameter is stripped before the DSN is handed to the driver.
func Open(ctx context.Context, rawURL string, metric Metric, dimension int) (Index, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be > 0, got %d", dimension)
	}
	switch {
	case rawURL == "" || strings.HasPrefix(rawURL, "memory://"):
		return NewMemoryIndex(metric, dimension), nil
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse index url: %w", err)
		}
		q := u.Query()
		table := q.Get("table")
		q.Del("table")
		u.RawQuery = q.Encode()
		return NewPgVectorIndex(ctx, PgVectorConfig{
			DSN:       u.String(),
			Table:     table,
			Metric:    metric,
			Dimension: dimension,
		})
	default:
		return nil, fmt.Errorf("unsupported index url: %q", rawURL)
	}
}
