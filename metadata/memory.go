package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// MemoryStore keeps records in a map. Used for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]core.ImageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]core.ImageRecord)}
}

func (s *MemoryStore) Upsert(ctx context.Context, rec core.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.ID]; ok {
		if rec.Version < cur.Version {
			return ErrStaleVersion
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = cur.CreatedAt
		}
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (core.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return core.ImageRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status core.Status, reason core.FailureReason, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != version {
		return ErrStaleVersion
	}
	rec.Status = status
	rec.FailureReason = reason
	rec.UpdatedAt = time.Now().UTC()
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]core.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]core.ImageRecord, 0, len(s.records))
	for _, r := range s.records {
		result = append(result, r.Clone())
	}
	return applyList(result, opts), nil
}

func (s *MemoryStore) Close() error { return nil }
