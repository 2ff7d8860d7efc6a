// Package metadata persists ImageRecords, the source of truth for search
// results and pipeline status.
package metadata

import (
	"context"
	"errors"
	"sort"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = core.ErrNotFound

// ErrStaleVersion is returned when a write carries a version older than the
// stored one.
var ErrStaleVersion = errors.New("stale record version")

// ListOptions narrows List. Zero values mean no restriction.
type ListOptions struct {
	Status  core.Status
	Filters map[string]string
	Limit   int
}

// Store defines the interface for record persistence.
type Store interface {
	// Upsert writes rec iff rec.Version >= the stored version.
	Upsert(ctx context.Context, rec core.ImageRecord) error
	Get(ctx context.Context, id string) (core.ImageRecord, error)
	// UpdateStatus sets status and reason on the record whose stored version
	// equals version.
	UpdateStatus(ctx context.Context, id string, status core.Status, reason core.FailureReason, version int64) error
	// Delete physically removes a record. Missing ids are not an error.
	Delete(ctx context.Context, id string) error
	// List returns records ordered by id, tombstones included.
	List(ctx context.Context, opts ListOptions) ([]core.ImageRecord, error)
	Close() error
}

// applyList filters, orders and truncates records for backends that cannot
// push the options into a query.
func applyList(recs []core.ImageRecord, opts ListOptions) []core.ImageRecord {
	out := recs[:0]
	for _, r := range recs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if !core.MatchFilters(r.Attributes, opts.Filters) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}
