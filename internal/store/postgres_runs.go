package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/db"
	"github.com/sells-group/corpus-cli/internal/model"
)

const pgRunColumns = `id, capability, status, started_at, finished_at, processed_count, error_count, details, created_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, capability model.Capability, startedAt time.Time) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	startedAt = model.Watermark(startedAt)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, capability, status, started_at, details, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(capability), string(model.RunStatusPending), startedAt, []byte("{}"), now, now,
	)
	if err != nil {
		return nil, pgError(err, "insert run")
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

// lockRun reads a run's status and details under a row lock.
func lockRun(ctx context.Context, tx pgx.Tx, runID string) (model.RunStatus, model.RunDetails, error) {
	var status string
	var raw []byte
	var details model.RunDetails
	err := tx.QueryRow(ctx, `SELECT status, details FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", details, eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	if err != nil {
		return "", details, eris.Wrapf(err, "postgres: lock run %s", runID)
	}
	if err := decodeObject(raw, &details); err != nil {
		return "", details, eris.Wrap(err, "postgres: unmarshal run details")
	}
	return model.RunStatus(status), details, nil
}

// TransitionRun moves a pending run to running or failed.
func (s *PostgresStore) TransitionRun(ctx context.Context, runID string, to model.RunStatus, reason string) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		from, details, err := lockRun(ctx, tx, runID)
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
			return eris.Wrap(err, "postgres: marshal run details")
		}

		now := time.Now().UTC()
		var finished *time.Time
		if to.Terminal() {
			finished = &now
		}
		_, err = tx.Exec(ctx,
			`UPDATE runs SET status = $1, finished_at = $2, details = $3, updated_at = $4 WHERE id = $5`,
			string(to), finished, raw, now, runID,
		)
		return err
	})
	if db.IsUniqueViolation(err, "runs_one_running") {
		return eris.Wrapf(ErrRunInProgress, "postgres: start run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: transition run %s to %s", runID, to)
	}
	return nil
}

// FinishRun records the terminal status, counts and details of a running run.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, outcome model.RunOutcome) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		from, details, err := lockRun(ctx, tx, runID)
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
			return eris.Wrap(err, "postgres: marshal run details")
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`UPDATE runs SET status = $1, finished_at = $2, processed_count = $3, error_count = $4, details = $5, updated_at = $2 WHERE id = $6`,
			string(outcome.Status), now, outcome.Processed, outcome.Errors, raw, runID,
		)
		return err
	})
	return eris.Wrapf(err, "postgres: finish run %s", runID)
}

// AppendRunDetails merges details into a running or partial run.
func (s *PostgresStore) AppendRunDetails(ctx context.Context, runID string, extra model.RunDetails) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		status, details, err := lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !canAppendDetails(status) {
			return eris.Wrapf(ErrInvalidTransition, "run %s: details are frozen in status %s", runID, status)
		}
		details.Merge(extra)
		raw, err := encodeObject(details)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run details")
		}
		_, err = tx.Exec(ctx, `UPDATE runs SET details = $1, updated_at = $2 WHERE id = $3`, raw, time.Now().UTC(), runID)
		return err
	})
	return eris.Wrapf(err, "postgres: append run details %s", runID)
}

// UpdateRunProgress raises the counters of a running run so readers see
// progress before it finishes. Counters never move backwards.
func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID string, processed, errCount int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET processed_count = GREATEST(processed_count, $1), error_count = GREATEST(error_count, $2), updated_at = $3
		 WHERE id = $4 AND status = 'running'`,
		processed, errCount, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run progress %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "run %s: progress only moves while running", runID)
	}
	return nil
}

func scanPGRun(row scannable) (*model.Run, error) {
	var r model.Run
	var raw []byte
	if err := row.Scan(&r.ID, &r.Capability, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.ProcessedCount, &r.ErrorCount, &raw, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeObject(raw, &r.Details); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run details")
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.FinishedAt != nil {
		f := r.FinishedAt.UTC()
		r.FinishedAt = &f
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPGRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Capability != "" {
		query += fmt.Sprintf(` AND capability = $%d`, argIdx)
		args = append(args, string(filter.Capability))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RunStats(ctx context.Context, since time.Time) ([]RunStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT capability, status, COUNT(*), COALESCE(SUM(processed_count), 0), COALESCE(SUM(error_count), 0)
		 FROM runs WHERE created_at >= $1
		 GROUP BY capability, status
		 ORDER BY capability, status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run stats")
	}
	defer rows.Close()

	var stats []RunStat
	for rows.Next() {
		var st RunStat
		if err := rows.Scan(&st.Capability, &st.Status, &st.Runs, &st.Processed, &st.Errors); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stat")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: run stats iterate")
}

// ReapStaleRuns fails pending or running runs whose watermark is older than
// olderThan, freeing the capability for a new run.
func (s *PostgresStore) ReapStaleRuns(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = 'failed', finished_at = $1, updated_at = $1,
		     details = jsonb_set(details, '{reason}', to_jsonb($2::text))
		 WHERE status IN ('pending', 'running') AND started_at < $3`,
		now, reason, model.Watermark(olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap stale runs")
	}
	return tag.RowsAffected(), nil
}
