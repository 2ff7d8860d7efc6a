package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// sqlStore implements Store over database/sql. Queries are written with
// '?' placeholders and rebound for drivers that use '$n'.
type sqlStore struct {
	db     *sql.DB
	dollar bool
}

const recordColumns = `id, bucket, object_name, generation, raw_location, processed_location,
	content_type, size, description, attributes, location, embedding,
	status, failure_reason, version, deleted, created_at, updated_at`

func (s *sqlStore) rebind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Upsert relies on ON CONFLICT ... WHERE so the version check and the write
// are one statement. A skipped update reports zero affected rows.
func (s *sqlStore) Upsert(ctx context.Context, rec core.ImageRecord) error {
	attrs, err := json.Marshal(nonNilAttrs(rec.Attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	loc, err := marshalNullable(rec.Location)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	var emb sql.NullString
	if len(rec.Embedding) > 0 {
		if emb, err = marshalNullable(rec.Embedding); err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
	}
	now := time.Now().UTC()
	created, updated := rec.CreatedAt, rec.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO image_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			bucket = excluded.bucket,
			object_name = excluded.object_name,
			generation = excluded.generation,
			raw_location = excluded.raw_location,
			processed_location = excluded.processed_location,
			content_type = excluded.content_type,
			size = excluded.size,
			description = excluded.description,
			attributes = excluded.attributes,
			location = excluded.location,
			embedding = excluded.embedding,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		WHERE image_records.version <= excluded.version`),
		rec.ID, rec.Bucket, rec.ObjectName, rec.Generation, rec.RawLocation, rec.ProcessedLocation,
		rec.ContentType, rec.Size, rec.Description, string(attrs), loc, emb,
		string(rec.Status), string(rec.FailureReason), rec.Version, rec.Deleted,
		created.UnixNano(), updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	if n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (core.ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM image_records WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return core.ImageRecord{}, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status core.Status, reason core.FailureReason, version int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE image_records SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		string(status), string(reason), time.Now().UTC().UnixNano(), id, version)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrStaleVersion
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM image_records WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List pushes the status restriction into SQL; attribute filters are
// evaluated in Go so range semantics match the other backends.
func (s *sqlStore) List(ctx context.Context, opts ListOptions) ([]core.ImageRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM image_records`
	var args []any
	if opts.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var result []core.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyList(result, opts), nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (core.ImageRecord, error) {
	var rec core.ImageRecord
	var attrs string
	var loc, emb sql.NullString
	var status, reason string
	var created, updated int64

	err := row.Scan(
		&rec.ID, &rec.Bucket, &rec.ObjectName, &rec.Generation, &rec.RawLocation, &rec.ProcessedLocation,
		&rec.ContentType, &rec.Size, &rec.Description, &attrs, &loc, &emb,
		&status, &reason, &rec.Version, &rec.Deleted, &created, &updated,
	)
	if err != nil {
		return rec, err
	}
	rec.Status = core.Status(status)
	rec.FailureReason = core.FailureReason(reason)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()

	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return rec, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if loc.Valid {
		rec.Location = &core.Location{}
		if err := json.Unmarshal([]byte(loc.String), rec.Location); err != nil {
			return rec, fmt.Errorf("unmarshal location: %w", err)
		}
	}
	if emb.Valid {
		if err := json.Unmarshal([]byte(emb.String), &rec.Embedding); err != nil {
			return rec, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return rec, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *core.Location:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []float32:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNilAttrs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
