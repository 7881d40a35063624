package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/corpus-cli/internal/model"
)

const sqliteRunColumns = `id, capability, status, started_at, finished_at, processed_count, error_count, details, created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, capability model.Capability, startedAt time.Time) (*model.Run, error) {
	id := uuid.New().String()
	now := model.Watermark(time.Now())
	startedAt = model.Watermark(startedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, capability, status, started_at, details, created_at, updated_at) VALUES (?, ?, ?, ?, '{}', ?, ?)`,
		id, string(capability), string(model.RunStatusPending), startedAt.UnixMicro(), now.UnixMicro(), now.UnixMicro(),
	)
	if err != nil {
		return nil, sqliteError(err, "insert run")
	}

	return &model.Run{
		ID:         id,
		Capability: capability,
		Status:     model.RunStatusPending,
		StartedAt:  startedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func readRunState(ctx context.Context, tx *sql.Tx, runID string) (model.RunStatus, model.RunDetails, error) {
	var status, raw string
	var details model.RunDetails
	err := tx.QueryRowContext(ctx, `SELECT status, details FROM runs WHERE id = ?`, runID).Scan(&status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", details, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return "", details, eris.Wrapf(err, "sqlite: read run %s", runID)
	}
	if err := decodeObject([]byte(raw), &details); err != nil {
		return "", details, eris.Wrap(err, "sqlite: unmarshal run details")
	}
	return model.RunStatus(status), details, nil
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, to model.RunStatus, reason string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		from, details, err := readRunState(ctx, tx, runID)
		if err != nil {
			return err
		}
		if err := checkTransition(runID, from, to); err != nil {
			return err
		}
		if reason != "" {
			details.Reason = reason
		}
		raw, err := encodeObject(details)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run details")
		}

		now := toMicros(time.Now())
		var finished sql.NullInt64
		if to.Terminal() {
			finished = sql.NullInt64{Int64: now, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, finished_at = ?, details = ?, updated_at = ? WHERE id = ?`,
			string(to), finished, string(raw), now, runID,
		)
		return err
	})
	if to == model.RunStatusRunning && sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT {
		return eris.Wrapf(ErrRunInProgress, "sqlite: start run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition run %s to %s", runID, to)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, outcome model.RunOutcome) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		from, details, err := readRunState(ctx, tx, runID)
		if err != nil {
			return err
		}
		if from != model.RunStatusRunning {
			return eris.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", runID, from, outcome.Status)
		}
		if err := checkTransition(runID, from, outcome.Status); err != nil {
			return err
		}
		details.Merge(outcome.Details)
		raw, err := encodeObject(details)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run details")
		}

		now := toMicros(time.Now())
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, finished_at = ?, processed_count = ?, error_count = ?, details = ?, updated_at = ? WHERE id = ?`,
			string(outcome.Status), now, outcome.Processed, outcome.Errors, string(raw), now, runID,
		)
		return err
	})
	return eris.Wrapf(err, "sqlite: finish run %s", runID)
}

func (s *SQLiteStore) AppendRunDetails(ctx context.Context, runID string, extra model.RunDetails) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		status, details, err := readRunState(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !canAppendDetails(status) {
			return eris.Wrapf(ErrInvalidTransition, "run %s: details are frozen in status %s", runID, status)
		}
		details.Merge(extra)
		raw, err := encodeObject(details)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run details")
		}
		_, err = tx.ExecContext(ctx, `UPDATE runs SET details = ?, updated_at = ? WHERE id = ?`,
			string(raw), toMicros(time.Now()), runID)
		return err
	})
	return eris.Wrapf(err, "sqlite: append run details %s", runID)
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, processed, errCount int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET processed_count = MAX(processed_count, ?), error_count = MAX(error_count, ?), updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		processed, errCount, toMicros(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run progress %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "run %s: progress only moves while running", runID)
	}
	return nil
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var started, created, updated int64
	var finished sql.NullInt64
	var raw string
	if err := row.Scan(&r.ID, &r.Capability, &r.Status, &started, &finished,
		&r.ProcessedCount, &r.ErrorCount, &raw, &created, &updated); err != nil {
		return nil, err
	}
	if err := decodeObject([]byte(raw), &r.Details); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run details")
	}
	r.StartedAt = fromMicros(started)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	if finished.Valid {
		f := fromMicros(finished.Int64)
		r.FinishedAt = &f
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1 = 1`
	var args []any

	if filter.Capability != "" {
		query += ` AND capability = ?`
		args = append(args, string(filter.Capability))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toMicros(*filter.Since))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RunStats(ctx context.Context, since time.Time) ([]RunStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT capability, status, COUNT(*), COALESCE(SUM(processed_count), 0), COALESCE(SUM(error_count), 0)
		 FROM runs WHERE created_at >= ?
		 GROUP BY capability, status
		 ORDER BY capability, status`,
		toMicros(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats")
	}
	defer rows.Close()

	var stats []RunStat
	for rows.Next() {
		var st RunStat
		if err := rows.Scan(&st.Capability, &st.Status, &st.Runs, &st.Processed, &st.Errors); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stat")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: run stats iterate")
}

func (s *SQLiteStore) ReapStaleRuns(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	now := toMicros(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET status = 'failed', finished_at = ?, updated_at = ?, details = json_set(details, '$.reason', ?)
		 WHERE status IN ('pending', 'running') AND started_at < ?`,
		now, now, reason, toMicros(olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap stale runs")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}
