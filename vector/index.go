// Package vector provides the nearest-neighbor index client.
package vector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// ErrNotFound is returned when an id has no index entry.
var ErrNotFound = core.ErrNotFound

// ErrStaleVersion is returned when an upsert carries an older version than
// the stored entry.
var ErrStaleVersion = errors.New("stale vector version")

// Entry is one indexed vector. Attributes are a copy of the record's
// attributes used for index-side filtering.
type Entry struct {
	ID         string            `json:"id"`
	Vector     []float32         `json:"vector"`
	Version    int64             `json:"version"`
	Attributes map[string]string `json:"attributes,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// EntryInfo is the membership view used by reconciliation sweeps.
type EntryInfo struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Match is a query hit. RawScore follows the index Metric's direction.
type Match struct {
	ID       string  `json:"id"`
	RawScore float64 `json:"raw_score"`
}

// Index is the typed upsert/query interface over a nearest-neighbor index.
type Index interface {
	// Upsert replaces the entry for e.ID unless the stored entry has a
	// newer version, in which case it returns ErrStaleVersion.
	Upsert(ctx context.Context, e Entry) error

	// Query returns at most topK matches satisfying filters, best first,
	// ties broken by id ascending.
	Query(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]Match, error)

	// Get returns the entry for id or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)

	// Delete removes the entry for id. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// List returns the membership of the index.
	List(ctx context.Context) ([]EntryInfo, error)

	Metric() Metric
	Dimension() int

	// Close releases resources.
	Close() error
}

func checkDimension(dim int, v []float32) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

func sortMatches(m Metric, matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].RawScore != matches[j].RawScore {
			return m.Better(matches[i].RawScore, matches[j].RawScore)
		}
		return matches[i].ID < matches[j].ID
	})
}

func cloneEntry(e Entry) Entry {
	e.Vector = slices.Clone(e.Vector)
	e.Attributes = maps.Clone(e.Attributes)
	return e
}
