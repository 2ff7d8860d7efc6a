package vector

import (
	"context"
	"sort"
	"sync"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// MemoryIndex is an in-memory brute-force index for development and testing.
type MemoryIndex struct {
	mu      sync.RWMutex
	metric  Metric
	dim     int
	entries map[string]Entry
}

// NewMemoryIndex creates a new in-memory index.
func NewMemoryIndex(metric Metric, dimension int) *MemoryIndex {
	return &MemoryIndex{
		metric:  metric,
		dim:     dimension,
		entries: make(map[string]Entry),
	}
}

// Upsert stores an entry, replacing any existing one with the same ID and
// an equal or older version.
func (s *MemoryIndex) Upsert(ctx context.Context, e Entry) error {
	if err := checkDimension(s.dim, e.Vector); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[e.ID]; ok && cur.Version > e.Version {
		return ErrStaleVersion
	}
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

// Query scores every entry with the index metric.
func (s *MemoryIndex) Query(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]Match, error) {
	if err := checkDimension(s.dim, vec); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Match, 0, len(s.entries))
	for _, e := range s.entries {
		if !core.MatchFilters(e.Attributes, filters) {
			continue
		}
		results = append(results, Match{ID: e.ID, RawScore: s.metric.Score(vec, e.Vector)})
	}

	sortMatches(s.metric, results)

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	return results, nil
}

func (s *MemoryIndex) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

// Delete removes an entry by ID.
func (s *MemoryIndex) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)
	return nil
}

func (s *MemoryIndex) List(ctx context.Context) ([]EntryInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, EntryInfo{ID: e.ID, Version: e.Version, UpdatedAt: e.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryIndex) Metric() Metric { return s.metric }

func (s *MemoryIndex) Dimension() int { return s.dim }

// Close is a no-op for the in-memory index.
func (s *MemoryIndex) Close() error {
	return nil
}

// Count returns the number of entries in the index.
func (s *MemoryIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
