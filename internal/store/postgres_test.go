package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestNewPoolConfig(t *testing.T) {
	cfg, err := newPoolConfig("postgres://corpus@localhost:5432/corpus", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, pgx.QueryExecModeCacheStatement, cfg.ConnConfig.DefaultQueryExecMode)
	assert.Nil(t, cfg.AfterConnect, "statements are cached per connection on first use")

	cfg, err = newPoolConfig("postgres://corpus@localhost:5432/corpus", &PoolConfig{MaxConns: 20})
	require.NoError(t, err)
	assert.Equal(t, int32(20), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)

	_, err = newPoolConfig("postgres://corpus@localhost:notaport/corpus", nil)
	assert.Error(t, err)
}

func TestPostgresStore_InsertRecord(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"inserted", 1, true},
		{"duplicate fingerprint", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			mock.ExpectExec(`INSERT INTO records .* ON CONFLICT \(fingerprint\) DO NOTHING`).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			got, err := s.InsertRecord(context.Background(), testRecord("rec-a", t0))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_InsertRecord_ConstraintError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO records`).
		WillReturnError(&pgconn.PgError{Code: "23502", Message: "null value in column"})

	_, err := s.InsertRecord(context.Background(), testRecord("rec-a", t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConstraint))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, capability, status, started_at, finished_at, processed_count, error_count, details, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceCursors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_record_cursors"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_record_cursors"}, []string{"record_id", "capability", "covered_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "record_cursors" .* GREATEST\(record_cursors.covered_at, EXCLUDED.covered_at\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.AdvanceCursors(context.Background(), "ner", []string{"rec-a", "rec-b"}, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdvanceCursors_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	n, err := s.AdvanceCursors(context.Background(), "ner", nil, t0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertEntityLinks_ExistingEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO entities .* ON CONFLICT \(normalized, type, language\) DO NOTHING RETURNING id`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM entities WHERE normalized = \$1 AND type = \$2 AND language = \$3`).
		WithArgs("ada lovelace", model.EntityPerson, "en").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ent-1"))
	mock.ExpectExec(`INSERT INTO record_entities .* DO UPDATE SET count = EXCLUDED.count`).
		WithArgs("rec-a", "ent-1", 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.UpsertEntityLinks(context.Background(), "rec-a", []EntityGroup{{
		Key:   model.EntityKey{Normalized: "ada lovelace", Type: model.EntityPerson, Language: "en"},
		Text:  "Ada Lovelace",
		Count: 3,
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Links)
	assert.Equal(t, []string{"ent-1"}, res.EntityIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertEntityLinks_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO entities`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ent-new"))
	mock.ExpectExec(`INSERT INTO record_entities`).
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})
	mock.ExpectRollback()

	_, err := s.UpsertEntityLinks(context.Background(), "ghost", []EntityGroup{{
		Key:   model.EntityKey{Normalized: "acme", Type: model.EntityOrg},
		Text:  "Acme",
		Count: 1,
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConstraint))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMembership(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO clusters .* ON CONFLICT \(run_id, key\) DO UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("cl-1"))
	mock.ExpectExec(`DELETE FROM record_cluster_links`).
		WithArgs([]string{"rec-a", "rec-b"}, "topic-cluster").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"record_cluster_links"}, []string{"record_id", "cluster_id", "score"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	res, err := s.ReplaceMembership(context.Background(), MembershipUpdate{
		RunID:      "run-1",
		Capability: "topic-cluster",
		RecordIDs:  []string{"rec-a", "rec-b"},
		Clusters:   []model.Cluster{{Key: "markets", Name: "markets", Type: model.ClusterTopic}},
		Assignments: []model.ClusterAssignment{
			{RecordID: "rec-a", ClusterKey: "markets", Score: 0.8},
			{RecordID: "rec-b", ClusterKey: "markets", Score: 0.5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Clusters)
	assert.Equal(t, int64(3), res.Removed)
	assert.Equal(t, 2, res.Links)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceMembership_UpsertsInKeyOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	for i, key := range []string{"energy", "markets", "shipping"} {
		mock.ExpectQuery(`INSERT INTO clusters`).
			WithArgs(pgxmock.AnyArg(), "run-1", "topic-cluster", key, key, "TOPIC", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(fmt.Sprintf("cl-%d", i)))
	}
	mock.ExpectExec(`DELETE FROM record_cluster_links`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"record_cluster_links"}, []string{"record_id", "cluster_id", "score"}).
		WillReturnResult(3)
	mock.ExpectCommit()

	// Membership order is by score, not by key.
	_, err := s.ReplaceMembership(context.Background(), MembershipUpdate{
		RunID:      "run-1",
		Capability: "topic-cluster",
		RecordIDs:  []string{"rec-a"},
		Clusters: []model.Cluster{
			{Key: "shipping", Name: "shipping", Type: model.ClusterTopic},
			{Key: "energy", Name: "energy", Type: model.ClusterTopic},
			{Key: "markets", Name: "markets", Type: model.ClusterTopic},
		},
		Assignments: []model.ClusterAssignment{
			{RecordID: "rec-a", ClusterKey: "shipping", Score: 0.9},
			{RecordID: "rec-a", ClusterKey: "energy", Score: 0.6},
			{RecordID: "rec-a", ClusterKey: "markets", Score: 0.2},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun_InProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, details FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs("run-2").
		WillReturnRows(pgxmock.NewRows([]string{"status", "details"}).AddRow("pending", []byte("{}")))
	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "runs_one_running"})
	mock.ExpectRollback()

	err := s.TransitionRun(context.Background(), "run-2", model.RunStatusRunning, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun_Invalid(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, details FROM runs`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "details"}).AddRow("success", []byte("{}")))
	mock.ExpectRollback()

	err := s.TransitionRun(context.Background(), "run-1", model.RunStatusRunning, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, details FROM runs`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "details"}).AddRow("running", []byte(`{"notes":["a"]}`)))
	mock.ExpectExec(`UPDATE runs SET status = \$1, finished_at = \$2, processed_count = \$3, error_count = \$4`).
		WithArgs("partial", pgxmock.AnyArg(), int64(8), int64(2), pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.FinishRun(context.Background(), "run-1", model.RunOutcome{
		Status:    model.RunStatusPartial,
		Processed: 8,
		Errors:    2,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReapStaleRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cutoff := t0.Add(-time.Hour)
	mock.ExpectExec(`UPDATE runs\s+SET status = 'failed'.*jsonb_set`).
		WithArgs(pgxmock.AnyArg(), "reaped", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.ReapStaleRuns(context.Background(), cutoff, "reaped")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunProgress(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  bool
	}{
		{"running", 1, false},
		{"not running", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			mock.ExpectExec(`(?s)UPDATE runs SET processed_count = GREATEST\(processed_count, \$1\).*status = 'running'`).
				WithArgs(int64(40), int64(3), pgxmock.AnyArg(), "run-1").
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			err := s.UpdateRunProgress(context.Background(), "run-1", 40, 3)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBuildPGCandidateQuery(t *testing.T) {
	from := t0
	q, args := buildPGCandidateQuery(CandidateFilter{
		Sources:  []string{"wire"},
		Tags:     []string{"energy"},
		From:     &from,
		AnyTerms: []string{"oil", "gas"},
	})
	assert.Contains(t, q, "r.source_name = ANY($1)")
	assert.Contains(t, q, "r.tags @> $2")
	assert.Contains(t, q, "r.ingested_at >= $3")
	assert.Contains(t, q, "r.vector ?| $4")
	require.Len(t, args, 4)
	assert.Equal(t, []string{"oil", "gas"}, args[3])
}
