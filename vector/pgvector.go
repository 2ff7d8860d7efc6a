package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hubenschmidt/go-imgsearch/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const defaultTable = "image_vectors"

// PgVectorIndex is a PostgreSQL-based index using the pgvector extension.
type PgVectorIndex struct {
	pool   *pgxpool.Pool
	table  string
	metric Metric
	dim    int
}

// PgVectorConfig configures NewPgVectorIndex.
type PgVectorConfig struct {
	DSN       string
	Table     string
	Metric    Metric
	Dimension int
}

// NewPgVectorIndex connects to Postgres and creates the table and HNSW index
// for the configured metric.
func NewPgVectorIndex(ctx context.Context, cfg PgVectorConfig) (*PgVectorIndex, error) {
	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("dimension must be > 0")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	metric := cfg.Metric
	if metric == "" {
		metric = MetricCosine
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect pgvector: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	idx := &PgVectorIndex{pool: pool, table: pgx.Identifier{table}.Sanitize(), metric: metric, dim: cfg.Dimension}
	if err := idx.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return idx, nil
}

func (s *PgVectorIndex) opClass() string {
	switch s.metric {
	case MetricDot:
		return "vector_ip_ops"
	case MetricEuclidean:
		return "vector_l2_ops"
	default:
		return "vector_cosine_ops"
	}
}

// distanceOp is the operator the HNSW index serves; ordering ascending by it
// yields best-first for every metric.
func (s *PgVectorIndex) distanceOp() string {
	switch s.metric {
	case MetricDot:
		return "<#>"
	case MetricEuclidean:
		return "<->"
	default:
		return "<=>"
	}
}

// rawScore converts a pgvector distance back to the metric's raw score.
func (s *PgVectorIndex) rawScore(distance float64) float64 {
	switch s.metric {
	case MetricDot:
		return -distance
	case MetricEuclidean:
		return distance
	default:
		return 1 - distance
	}
}

func (s *PgVectorIndex) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			attributes JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table, s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)`,
			pgx.Identifier{strings.Trim(s.table, `"`) + "_embedding_idx"}.Sanitize(), s.table, s.opClass()),
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Upsert stores an entry. An existing row is replaced only by an equal or
// newer version.
func (s *PgVectorIndex) Upsert(ctx context.Context, e Entry) error {
	if err := checkDimension(s.dim, e.Vector); err != nil {
		return err
	}
	attrs, err := json.Marshal(nonNil(e.Attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, embedding, version, attributes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			version = EXCLUDED.version,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at
		WHERE %[1]s.version <= EXCLUDED.version
	`, s.table), e.ID, pgvector.NewVector(e.Vector), e.Version, attrs, updated)
	if err != nil {
		return fmt.Errorf("upsert vector %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

// HNSW returns at most ef_search candidates per scan; pgvector defaults it
// to 40 and accepts up to 1000.
const (
	defaultEfSearch = 40
	maxEfSearch     = 1000
)

// efSearch returns the candidate list size needed for topK results, or
// exact when topK is beyond what the HNSW index can return.
func efSearch(topK int) (ef int, exact bool) {
	if topK > maxEfSearch {
		return 0, true
	}
	return max(topK, defaultEfSearch), false
}

// Query runs an HNSW nearest-neighbor query with attribute filters pushed
// into the WHERE clause. When the approximate scan yields fewer than topK
// rows it is repeated as an exact scan.
func (s *PgVectorIndex) Query(ctx context.Context, vec []float32, topK int, filters map[string]string) ([]Match, error) {
	if err := checkDimension(s.dim, vec); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}

	args := []any{pgvector.NewVector(vec)}
	where, args := filterClause(filters, args)
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, embedding %[2]s $1 AS distance
		FROM %[1]s
		%[3]s
		ORDER BY embedding %[2]s $1, id
		LIMIT $%[4]d
	`, s.table, s.distanceOp(), where, len(args))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin query: %w", err)
	}
	defer tx.Rollback(ctx)

	var results []Match
	ef, exact := efSearch(topK)
	if !exact {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, ef)); err != nil {
			return nil, fmt.Errorf("set ef_search: %w", err)
		}
		if where != "" {
			s.iterativeScan(ctx, tx)
		}
		if results, err = s.scan(ctx, tx, query, args); err != nil {
			return nil, err
		}
		exact = len(results) < topK
	}

	if exact {
		if _, err := tx.Exec(ctx, `SET LOCAL enable_indexscan = off`); err != nil {
			return nil, fmt.Errorf("disable index scan: %w", err)
		}
		if results, err = s.scan(ctx, tx, query, args); err != nil {
			return nil, err
		}
	}

	// Approximate search may return near-equal distances out of id order.
	sortMatches(s.metric, results)
	return results, nil
}

// iterativeScan lets a filtered HNSW scan keep walking the graph until the
// LIMIT is met. Servers older than pgvector 0.8 reject the setting; the
// exact scan fallback covers them.
func (s *PgVectorIndex) iterativeScan(ctx context.Context, tx pgx.Tx) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return
	}
	if _, err := sp.Exec(ctx, `SET LOCAL hnsw.iterative_scan = strict_order`); err != nil {
		_ = sp.Rollback(ctx)
		return
	}
	_ = sp.Commit(ctx)
}

func (s *PgVectorIndex) scan(ctx context.Context, tx pgx.Tx, query string, args []any) ([]Match, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		var distance float64
		if err := rows.Scan(&m.ID, &distance); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.RawScore = s.rawScore(distance)
		results = append(results, m)
	}
	return results, rows.Err()
}

// filterClause renders equality and numeric range filters over the JSONB
// attributes column.
func filterClause(filters map[string]string, args []any) (string, []any) {
	parsed := core.ParseFilters(filters)
	if len(parsed) == 0 {
		return "", args
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Key < parsed[j].Key })

	conds := make([]string, 0, len(parsed))
	for _, f := range parsed {
		args = append(args, f.Key)
		key := len(args)
		if f.Op == core.OpEq {
			args = append(args, f.Value)
			conds = append(conds, fmt.Sprintf("attributes->>($%d::text) = $%d::text", key, len(args)))
			continue
		}
		args = append(args, f.Number)
		conds = append(conds, fmt.Sprintf(
			`(CASE WHEN attributes->>($%[1]d::text) ~ '^\s*[-+]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][-+]?[0-9]+)?\s*$' THEN (attributes->>($%[1]d::text))::float8 END) %[2]s $%[3]d::float8`,
			key, f.Op, len(args)))
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *PgVectorIndex) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	var vec pgvector.Vector
	var attrs []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, embedding, version, attributes, updated_at FROM %s WHERE id = $1`, s.table), id).
		Scan(&e.ID, &vec, &e.Version, &attrs, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get vector %s: %w", id, err)
	}
	e.Vector = vec.Slice()
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return Entry{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return e, nil
}

// Delete removes an entry by ID.
func (s *PgVectorIndex) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return nil
}

func (s *PgVectorIndex) List(ctx context.Context) ([]EntryInfo, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id, version, updated_at FROM %s ORDER BY id`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	var out []EntryInfo
	for rows.Next() {
		var info EntryInfo
		if err := rows.Scan(&info.ID, &info.Version, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PgVectorIndex) Metric() Metric { return s.metric }

func (s *PgVectorIndex) Dimension() int { return s.dim }

// Close closes the connection pool.
func (s *PgVectorIndex) Close() error {
	s.pool.Close()
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
