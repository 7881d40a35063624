package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/corpus-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as INTEGER unix microseconds so range comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is pinned to one connection: SQLite admits a single writer and the
// pragmas below are per-connection.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	fingerprint       TEXT NOT NULL UNIQUE,
	origin            TEXT NOT NULL,
	row_index         INTEGER,
	source_name       TEXT NOT NULL DEFAULT '',
	source_format     TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	text              TEXT NOT NULL,
	language          TEXT NOT NULL DEFAULT '',
	tags              TEXT NOT NULL DEFAULT '[]',
	metadata          TEXT NOT NULL DEFAULT '{}',
	extracted_via_ocr INTEGER NOT NULL DEFAULT 0,
	vector            TEXT NOT NULL DEFAULT '{}',
	ingested_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_ingested_at ON records(ingested_at);
CREATE INDEX IF NOT EXISTS idx_records_source_name ON records(source_name);

CREATE TABLE IF NOT EXISTS record_cursors (
	record_id  TEXT NOT NULL REFERENCES records(id),
	capability TEXT NOT NULL,
	covered_at INTEGER NOT NULL,
	PRIMARY KEY (record_id, capability)
);

CREATE TABLE IF NOT EXISTS entities (
	id            TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	normalized    TEXT NOT NULL,
	type          TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT '',
	external_link TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	UNIQUE (normalized, type, language)
);

CREATE TABLE IF NOT EXISTS record_entities (
	record_id TEXT NOT NULL REFERENCES records(id),
	entity_id TEXT NOT NULL REFERENCES entities(id),
	count     INTEGER NOT NULL CHECK (count > 0),
	PRIMARY KEY (record_id, entity_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	capability      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'running', 'success', 'failed', 'partial')),
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER,
	processed_count INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	details         TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_capability ON runs(capability, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE UNIQUE INDEX IF NOT EXISTS runs_one_running ON runs(capability) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS clusters (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	capability TEXT NOT NULL,
	key        TEXT NOT NULL,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL CHECK (type IN ('TOPIC', 'ENTITY')),
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	UNIQUE (run_id, key)
);

CREATE INDEX IF NOT EXISTS idx_clusters_capability ON clusters(capability);

CREATE TABLE IF NOT EXISTS record_cluster_links (
	record_id  TEXT NOT NULL REFERENCES records(id),
	cluster_id TEXT NOT NULL REFERENCES clusters(id),
	score      REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (record_id, cluster_id)
);

CREATE INDEX IF NOT EXISTS idx_record_cluster_links_cluster ON record_cluster_links(cluster_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMicros(t time.Time) int64 {
	return model.Watermark(t).UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// sqliteCode returns the primary result code of a driver error, or 0.
func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

func sqliteError(err error, action string) error {
	if err == nil {
		return nil
	}
	if sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT {
		return eris.Wrapf(ErrConstraint, "sqlite: %s: %v", action, err)
	}
	return eris.Wrapf(err, "sqlite: %s", action)
}

// inTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

const sqliteRecordColumns = `r.id, r.fingerprint, r.origin, r.row_index, r.source_name, r.source_format, r.title, r.text, r.language, r.tags, r.metadata, r.extracted_via_ocr, r.vector, r.ingested_at`

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.Record) (bool, error) {
	tags, err := json.Marshal(nonNilTags(rec.Tags))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal record tags")
	}
	metadata, err := encodeObject(rec.Metadata)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal record metadata")
	}
	vector, err := encodeObject(rec.Vector)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal record vector")
	}

	var rowIndex sql.NullInt64
	if rec.RowIndex != nil {
		rowIndex = sql.NullInt64{Int64: int64(*rec.RowIndex), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, fingerprint, origin, row_index, source_name, source_format, title, text, language, tags, metadata, extracted_via_ocr, vector, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		rec.ID, rec.Fingerprint, rec.Origin, rowIndex, rec.SourceName, rec.SourceFormat,
		rec.Title, rec.Text, rec.Language, string(tags), string(metadata), rec.ExtractedViaOCR,
		string(vector), toMicros(rec.IngestedAt),
	)
	if err != nil {
		return false, sqliteError(err, "insert record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func scanSQLiteRecord(row scannable, extra ...any) (*model.Record, error) {
	var rec model.Record
	var rowIndex sql.NullInt64
	var tags, metadata, vector string
	var ingested int64
	dest := []any{
		&rec.ID, &rec.Fingerprint, &rec.Origin, &rowIndex, &rec.SourceName, &rec.SourceFormat,
		&rec.Title, &rec.Text, &rec.Language, &tags, &metadata, &rec.ExtractedViaOCR,
		&vector, &ingested,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if rowIndex.Valid {
		i := int(rowIndex.Int64)
		rec.RowIndex = &i
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record tags")
	}
	if err := decodeObject([]byte(metadata), &rec.Metadata); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record metadata")
	}
	if err := decodeObject([]byte(vector), &rec.Vector); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record vector")
	}
	rec.IngestedAt = fromMicros(ingested)
	return &rec, nil
}

func (s *SQLiteStore) getRecord(ctx context.Context, where string, arg any) (*model.Record, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records r WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %v", arg)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %v", arg)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT capability, covered_at FROM record_cursors WHERE record_id = ?`, rec.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cursors %s", rec.ID)
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		var at int64
		if err := rows.Scan(&c, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cursor")
		}
		if rec.Cursors == nil {
			rec.Cursors = make(map[model.Capability]time.Time)
		}
		rec.Cursors[model.Capability(c)] = fromMicros(at)
	}
	return rec, eris.Wrap(rows.Err(), "sqlite: get cursors iterate")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	return s.getRecord(ctx, `r.id = ?`, id)
}

func (s *SQLiteStore) GetRecordByFingerprint(ctx context.Context, fingerprint string) (*model.Record, error) {
	return s.getRecord(ctx, `r.fingerprint = ?`, fingerprint)
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count records")
}

func (s *SQLiteStore) ListDue(ctx context.Context, capability model.Capability, asOf time.Time, afterID string, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	at := toMicros(asOf)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordColumns+`, c.covered_at
		 FROM records r
		 LEFT JOIN record_cursors c ON c.record_id = r.id AND c.capability = ?
		 WHERE r.ingested_at <= ?
		   AND (c.covered_at IS NULL OR c.covered_at < ?)
		   AND r.id > ?
		 ORDER BY r.id
		 LIMIT ?`,
		string(capability), at, at, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list due %s", capability)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var covered sql.NullInt64
		rec, err := scanSQLiteRecord(rows, &covered)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan due record")
		}
		if covered.Valid {
			rec.Cursors = map[model.Capability]time.Time{capability: fromMicros(covered.Int64)}
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list due iterate")
}

// AdvanceCursors moves the capability cursor of each record to coveredAt.
// Cursors never move backwards.
func (s *SQLiteStore) AdvanceCursors(ctx context.Context, capability model.Capability, recordIDs []string, coveredAt time.Time) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	at := toMicros(coveredAt)
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO record_cursors (record_id, capability, covered_at) VALUES (?, ?, ?)
			 ON CONFLICT (record_id, capability) DO UPDATE SET covered_at = max(record_cursors.covered_at, excluded.covered_at)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare cursor upsert")
		}
		defer stmt.Close()
		for _, id := range recordIDs {
			res, err := stmt.ExecContext(ctx, id, string(capability), at)
			if err != nil {
				return sqliteError(err, "advance cursor "+id)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendStrings(args []any, vals []string) []any {
	for _, v := range vals {
		args = append(args, v)
	}
	return args
}

// buildSQLiteCandidateQuery renders the storage-side search prefilter.
func buildSQLiteCandidateQuery(f CandidateFilter) (string, []any) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM records r WHERE 1 = 1`
	var args []any

	if len(f.Sources) > 0 {
		query += ` AND r.source_name IN (` + placeholders(len(f.Sources)) + `)`
		args = appendStrings(args, f.Sources)
	}
	if len(f.Languages) > 0 {
		query += ` AND r.language IN (` + placeholders(len(f.Languages)) + `)`
		args = appendStrings(args, f.Languages)
	}
	for _, tag := range f.Tags {
		query += ` AND EXISTS (SELECT 1 FROM json_each(r.tags) WHERE json_each.value = ?)`
		args = append(args, tag)
	}
	if f.From != nil {
		query += ` AND r.ingested_at >= ?`
		args = append(args, toMicros(*f.From))
	}
	if f.To != nil {
		query += ` AND r.ingested_at < ?`
		args = append(args, toMicros(*f.To))
	}
	if len(f.ClusterIDs) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM record_cluster_links l WHERE l.record_id = r.id AND l.cluster_id IN (` + placeholders(len(f.ClusterIDs)) + `))`
		args = appendStrings(args, f.ClusterIDs)
	}
	if len(f.AnyTerms) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM json_each(r.vector) WHERE json_each.key IN (` + placeholders(len(f.AnyTerms)) + `))`
		args = appendStrings(args, f.AnyTerms)
	}
	query += ` ORDER BY r.id`
	return query, args
}

func (s *SQLiteStore) ScanCandidates(ctx context.Context, f CandidateFilter, fn func(*model.Record) error) error {
	query, args := buildSQLiteCandidateQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: scan candidates")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return eris.Wrap(err, "sqlite: scan candidate")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: scan candidates iterate")
}
