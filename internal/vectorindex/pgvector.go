package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"policy-adjudicator/models"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PgVectorIndex stores entries in a Postgres table with a pgvector column.
// The index name doubles as the table name.
type PgVectorIndex struct {
	pool  *pgxpool.Pool
	table string

	dimension int
	metric    string
}

func NewPgVectorIndex(ctx context.Context, connString, name string) (*PgVectorIndex, error) {
	table := tableName(name)
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid index name for pgvector table: %q", name)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PgVectorIndex{pool: pool, table: table}, nil
}

// tableName turns an index name like "rag-agent" into "rag_agent".
func tableName(name string) string {
	out := []byte(name)
	for i, c := range out {
		if c == '-' || c == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}

// distanceOperator returns the pgvector operator and the SQL expression that
// turns its distance into a higher-is-better score.
func distanceOperator(metric string) (op, score string) {
	switch metric {
	case MetricCosine:
		return "<=>", "1 - (vector <=> $1)"
	case MetricEuclidean:
		return "<->", "1 / (1 + (vector <-> $1))"
	default:
		// <#> is negative inner product
		return "<#>", "(vector <#> $1) * -1"
	}
}

func opsClass(metric string) string {
	switch metric {
	case MetricCosine:
		return "vector_cosine_ops"
	case MetricEuclidean:
		return "vector_l2_ops"
	default:
		return "vector_ip_ops"
	}
}

func (p *PgVectorIndex) EnsureReady(ctx context.Context, dimension int, metric string) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS vector_index_meta (
		name TEXT PRIMARY KEY,
		dimension INT NOT NULL,
		metric TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create index metadata table: %w", err)
	}

	var existingDim int
	var existingMetric string
	err := p.pool.QueryRow(ctx,
		`SELECT dimension, metric FROM vector_index_meta WHERE name = $1`, p.table,
	).Scan(&existingDim, &existingMetric)
	switch {
	case err == nil:
		if existingDim != dimension || existingMetric != metric {
			return &models.IndexConfigConflictError{
				Index:           p.table,
				WantDimension:   dimension,
				WantMetric:      metric,
				ActualDimension: existingDim,
				ActualMetric:    existingMetric,
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		if err := p.create(ctx, dimension, metric); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to read index metadata: %w", err)
	}

	p.dimension = dimension
	p.metric = metric
	return nil
}

func (p *PgVectorIndex) create(ctx context.Context, dimension int, metric string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			vector vector(%d) NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			page_number INT NOT NULL DEFAULT 0
		)`, p.table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_id_idx ON %s (source_id)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_vector_idx ON %s USING hnsw (vector %s)`, p.table, p.table, opsClass(metric)),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO vector_index_meta (name, dimension, metric) VALUES ($1, $2, $3)`,
		p.table, dimension, metric,
	); err != nil {
		return fmt.Errorf("failed to record index metadata: %w", err)
	}
	return tx.Commit(ctx)
}

// Upsert writes the batch in one transaction, so a failure stores none of it.
func (p *PgVectorIndex) Upsert(ctx context.Context, entries []models.IndexedEntry) error {
	if p.dimension == 0 {
		return notReady(p.table)
	}
	if err := CheckDimensions(entries, p.dimension); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (chunk_id, vector, text, source, source_id, page_number)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			vector = EXCLUDED.vector,
			text = EXCLUDED.text,
			source = EXCLUDED.source,
			source_id = EXCLUDED.source_id,
			page_number = EXCLUDED.page_number`, p.table)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query,
			e.ChunkID, pgvector.NewVector(e.Vector),
			e.Payload.Text, e.Payload.Source, e.Payload.SourceID, e.Payload.PageNumber,
		)
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i := range entries {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to upsert %s: %w", entries[i].ChunkID, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		failed := make([]string, len(entries))
		for i, e := range entries {
			failed[i] = e.ChunkID
		}
		return &models.UpsertError{Failed: failed, Err: err}
	}
	return nil
}

func (p *PgVectorIndex) Query(ctx context.Context, vector []float32, topK int) ([]models.ScoredEntry, error) {
	if p.dimension == 0 {
		return nil, notReady(p.table)
	}
	if len(vector) != p.dimension {
		return nil, &models.DimensionMismatchError{Expected: p.dimension, Actual: len(vector)}
	}
	if topK <= 0 {
		return []models.ScoredEntry{}, nil
	}

	op, score := distanceOperator(p.metric)
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT chunk_id, text, source, source_id, page_number, %s AS score
		 FROM %s
		 ORDER BY vector %s $1
		 LIMIT $2`, score, p.table, op),
		pgvector.NewVector(vector), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredEntry
	for rows.Next() {
		var se models.ScoredEntry
		if err := rows.Scan(
			&se.Entry.ChunkID, &se.Entry.Payload.Text, &se.Entry.Payload.Source,
			&se.Entry.Payload.SourceID, &se.Entry.Payload.PageNumber, &se.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, se)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortScored(results)
	return results, nil
}

func (p *PgVectorIndex) Count(ctx context.Context, sourceID string) (int64, error) {
	var n int64
	var err error
	if sourceID == "" {
		err = p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n)
	} else {
		err = p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE source_id = $1`, p.table), sourceID).Scan(&n)
	}
	return n, err
}

func (p *PgVectorIndex) Describe(ctx context.Context) (Info, error) {
	if p.dimension == 0 {
		return Info{}, notReady(p.table)
	}
	n, err := p.Count(ctx, "")
	if err != nil {
		return Info{}, err
	}
	return Info{Name: p.table, Backend: "pgvector", Dimension: p.dimension, Metric: p.metric, Entries: n}, nil
}

func (p *PgVectorIndex) Close(context.Context) error {
	p.pool.Close()
	return nil
}
