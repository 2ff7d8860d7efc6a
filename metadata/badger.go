package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hubenschmidt/go-imgsearch/core"
)

var recordPrefix = []byte("record/")

func recordKey(id string) []byte {
	return append(append([]byte{}, recordPrefix...), id...)
}

// BadgerStore keeps records as JSON values in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a BadgerDB at dir. An empty dir or "memory" runs
// in memory only.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	inMemory := dir == "" || dir == "memory"
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{slog.Default().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func getRecord(txn *badger.Txn, id string) (core.ImageRecord, error) {
	var rec core.ImageRecord
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func setRecord(txn *badger.Txn, rec core.ImageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return txn.Set(recordKey(rec.ID), data)
}

// Upsert reads and writes in one transaction; badger aborts it with
// ErrConflict if another writer touched the key first.
func (s *BadgerStore) Upsert(ctx context.Context, rec core.ImageRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := getRecord(txn, rec.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case rec.Version < cur.Version:
			return ErrStaleVersion
		case rec.CreatedAt.IsZero():
			rec.CreatedAt = cur.CreatedAt
		}
		return setRecord(txn, rec)
	})
}

func (s *BadgerStore) Get(ctx context.Context, id string) (core.ImageRecord, error) {
	var rec core.ImageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

func (s *BadgerStore) UpdateStatus(ctx context.Context, id string, status core.Status, reason core.FailureReason, version int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.Version != version {
			return ErrStaleVersion
		}
		rec.Status = status
		rec.FailureReason = reason
		rec.UpdatedAt = time.Now().UTC()
		return setRecord(txn, rec)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
}

func (s *BadgerStore) List(ctx context.Context, opts ListOptions) ([]core.ImageRecord, error) {
	var result []core.ImageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: recordPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec core.ImageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			result = append(result, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applyList(result, opts), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, args ...any)   { b.l.Error(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Warningf(f string, args ...any) { b.l.Warn(fmt.Sprintf(f, args...)) }
func (b badgerLogger) Infof(f string, args ...any)    {}
func (b badgerLogger) Debugf(f string, args ...any)   {}
