package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/db"
	"github.com/sells-group/corpus-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgRecordColumns = `r.id, r.fingerprint, r.origin, r.row_index, r.source_name, r.source_format, r.title, r.text, r.language, r.tags, r.metadata, r.extracted_via_ocr, r.vector, r.ingested_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := newPoolConfig(connString, poolCfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// newPoolConfig applies pool sizing to a parsed connection string. Queries
// run in the cache-statement mode: each connection prepares a query the
// first time it sees its SQL text and reuses it after.
func newPoolConfig(connString string, poolCfg *PoolConfig) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
	return pgxCfg, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	fingerprint       TEXT NOT NULL,
	origin            TEXT NOT NULL,
	row_index         INTEGER,
	source_name       TEXT NOT NULL DEFAULT '',
	source_format     TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	text              TEXT NOT NULL,
	language          TEXT NOT NULL DEFAULT '',
	tags              TEXT[] NOT NULL DEFAULT '{}',
	metadata          JSONB NOT NULL DEFAULT '{}',
	extracted_via_ocr BOOLEAN NOT NULL DEFAULT false,
	vector            JSONB NOT NULL DEFAULT '{}',
	ingested_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT records_fingerprint_key UNIQUE (fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_records_ingested_at ON records(ingested_at);
CREATE INDEX IF NOT EXISTS idx_records_source_name ON records(source_name);
CREATE INDEX IF NOT EXISTS idx_records_tags ON records USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_records_vector ON records USING GIN (vector);

CREATE TABLE IF NOT EXISTS record_cursors (
	record_id  TEXT NOT NULL REFERENCES records(id),
	capability TEXT NOT NULL,
	covered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_id, capability)
);

CREATE TABLE IF NOT EXISTS entities (
	id            TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	normalized    TEXT NOT NULL,
	type          TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT '',
	external_link TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT entities_key UNIQUE (normalized, type, language)
);

CREATE TABLE IF NOT EXISTS record_entities (
	record_id TEXT NOT NULL REFERENCES records(id),
	entity_id TEXT NOT NULL REFERENCES entities(id),
	count     INTEGER NOT NULL CHECK (count > 0),
	PRIMARY KEY (record_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_record_entities_entity ON record_entities(entity_id);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	capability      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'running', 'success', 'failed', 'partial')),
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	processed_count BIGINT NOT NULL DEFAULT 0,
	error_count     BIGINT NOT NULL DEFAULT 0,
	details         JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_capability ON runs(capability, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE UNIQUE INDEX IF NOT EXISTS runs_one_running ON runs(capability) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS clusters (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	capability TEXT NOT NULL,
	key        TEXT NOT NULL,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL CHECK (type IN ('TOPIC', 'ENTITY')),
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT clusters_run_key UNIQUE (run_id, key)
);

CREATE INDEX IF NOT EXISTS idx_clusters_capability ON clusters(capability);

CREATE TABLE IF NOT EXISTS record_cluster_links (
	record_id  TEXT NOT NULL REFERENCES records(id),
	cluster_id TEXT NOT NULL REFERENCES clusters(id),
	score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (record_id, cluster_id)
);

CREATE INDEX IF NOT EXISTS idx_record_cluster_links_cluster ON record_cluster_links(cluster_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgError maps constraint failures onto ErrConstraint, keeping the driver
// error in the message.
func pgError(err error, action string) error {
	if err == nil {
		return nil
	}
	if db.IsConstraintViolation(err) {
		return eris.Wrapf(ErrConstraint, "postgres: %s: %v", action, err)
	}
	return eris.Wrapf(err, "postgres: %s", action)
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *model.Record) (bool, error) {
	metadata, err := encodeObject(rec.Metadata)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal record metadata")
	}
	vector, err := encodeObject(rec.Vector)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal record vector")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO records (id, fingerprint, origin, row_index, source_name, source_format, title, text, language, tags, metadata, extracted_via_ocr, vector, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		rec.ID, rec.Fingerprint, rec.Origin, rec.RowIndex, rec.SourceName, rec.SourceFormat,
		rec.Title, rec.Text, rec.Language, nonNilTags(rec.Tags), metadata, rec.ExtractedViaOCR,
		vector, model.Watermark(rec.IngestedAt),
	)
	if err != nil {
		return false, pgError(err, "insert record")
	}
	return tag.RowsAffected() == 1, nil
}

func scanPGRecord(row scannable, extra ...any) (*model.Record, error) {
	var rec model.Record
	var metadata, vector []byte
	dest := []any{
		&rec.ID, &rec.Fingerprint, &rec.Origin, &rec.RowIndex, &rec.SourceName, &rec.SourceFormat,
		&rec.Title, &rec.Text, &rec.Language, &rec.Tags, &metadata, &rec.ExtractedViaOCR,
		&vector, &rec.IngestedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := decodeObject(metadata, &rec.Metadata); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record metadata")
	}
	if err := decodeObject(vector, &rec.Vector); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record vector")
	}
	rec.IngestedAt = rec.IngestedAt.UTC()
	return &rec, nil
}

func (s *PostgresStore) getRecord(ctx context.Context, where string, arg any) (*model.Record, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM records r WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %v", arg)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %v", arg)
	}

	rows, err := s.pool.Query(ctx, `SELECT capability, covered_at FROM record_cursors WHERE record_id = $1`, rec.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cursors %s", rec.ID)
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		var at time.Time
		if err := rows.Scan(&c, &at); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cursor")
		}
		if rec.Cursors == nil {
			rec.Cursors = make(map[model.Capability]time.Time)
		}
		rec.Cursors[model.Capability(c)] = at.UTC()
	}
	return rec, eris.Wrap(rows.Err(), "postgres: get cursors iterate")
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	return s.getRecord(ctx, `r.id = $1`, id)
}

func (s *PostgresStore) GetRecordByFingerprint(ctx context.Context, fingerprint string) (*model.Record, error) {
	return s.getRecord(ctx, `r.fingerprint = $1`, fingerprint)
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

func (s *PostgresStore) ListDue(ctx context.Context, capability model.Capability, asOf time.Time, afterID string, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	asOf = model.Watermark(asOf)

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+`, c.covered_at
		 FROM records r
		 LEFT JOIN record_cursors c ON c.record_id = r.id AND c.capability = $1
		 WHERE r.ingested_at <= $2
		   AND (c.covered_at IS NULL OR c.covered_at < $2)
		   AND r.id > $3
		 ORDER BY r.id
		 LIMIT $4`,
		string(capability), asOf, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list due %s", capability)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var covered *time.Time
		rec, err := scanPGRecord(rows, &covered)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan due record")
		}
		if covered != nil {
			rec.Cursors = map[model.Capability]time.Time{capability: covered.UTC()}
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list due iterate")
}

// AdvanceCursors moves the capability cursor of each record to coveredAt.
// Cursors never move backwards.
func (s *PostgresStore) AdvanceCursors(ctx context.Context, capability model.Capability, recordIDs []string, coveredAt time.Time) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	coveredAt = model.Watermark(coveredAt)
	rows := make([][]any, len(recordIDs))
	for i, id := range recordIDs {
		rows[i] = []any{id, string(capability), coveredAt}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "record_cursors",
		Columns:      []string{"record_id", "capability", "covered_at"},
		ConflictKeys: []string{"record_id", "capability"},
		UpdateCols:   []string{"covered_at"},
		UpdateExprs: map[string]string{
			"covered_at": "GREATEST(record_cursors.covered_at, EXCLUDED.covered_at)",
		},
	}, rows)
	if err != nil {
		return 0, pgError(err, "advance cursors")
	}
	return n, nil
}

// buildPGCandidateQuery renders the storage-side search prefilter.
func buildPGCandidateQuery(f CandidateFilter) (string, []any) {
	query := `SELECT ` + pgRecordColumns + ` FROM records r WHERE true`
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Sources) > 0 {
		query += ` AND r.source_name = ANY(` + next(f.Sources) + `)`
	}
	if len(f.Languages) > 0 {
		query += ` AND r.language = ANY(` + next(f.Languages) + `)`
	}
	if len(f.Tags) > 0 {
		query += ` AND r.tags @> ` + next(f.Tags)
	}
	if f.From != nil {
		query += ` AND r.ingested_at >= ` + next(model.Watermark(*f.From))
	}
	if f.To != nil {
		query += ` AND r.ingested_at < ` + next(model.Watermark(*f.To))
	}
	if len(f.ClusterIDs) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM record_cluster_links l WHERE l.record_id = r.id AND l.cluster_id = ANY(` + next(f.ClusterIDs) + `))`
	}
	if len(f.AnyTerms) > 0 {
		query += ` AND r.vector ?| ` + next(f.AnyTerms)
	}
	query += ` ORDER BY r.id`
	return query, args
}

func (s *PostgresStore) ScanCandidates(ctx context.Context, f CandidateFilter, fn func(*model.Record) error) error {
	query, args := buildPGCandidateQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "postgres: scan candidates")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return eris.Wrap(err, "postgres: scan candidate")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: scan candidates iterate")
}
