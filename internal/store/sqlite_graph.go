package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

func (s *SQLiteStore) UpsertEntityLinks(ctx context.Context, recordID string, groups []EntityGroup) (*EntityUpsertResult, error) {
	res := &EntityUpsertResult{}
	if len(groups) == 0 {
		return res, nil
	}
	now := toMicros(time.Now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, g := range groups {
			var id string
			err := tx.QueryRowContext(ctx,
				`INSERT INTO entities (id, text, normalized, type, language, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (normalized, type, language) DO NOTHING RETURNING id`,
				uuid.New().String(), g.Text, g.Key.Normalized, g.Key.Type, g.Key.Language, now,
			).Scan(&id)
			switch {
			case err == nil:
				res.Created++
			case errors.Is(err, sql.ErrNoRows):
				if err := tx.QueryRowContext(ctx,
					`SELECT id FROM entities WHERE normalized = ? AND type = ? AND language = ?`,
					g.Key.Normalized, g.Key.Type, g.Key.Language,
				).Scan(&id); err != nil {
					return eris.Wrapf(err, "sqlite: fetch entity %q", g.Key.Normalized)
				}
			default:
				return sqliteError(err, "insert entity")
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO record_entities (record_id, entity_id, count) VALUES (?, ?, ?)
				 ON CONFLICT (record_id, entity_id) DO UPDATE SET count = excluded.count`,
				recordID, id, g.Count,
			); err != nil {
				return sqliteError(err, "upsert entity link")
			}
			res.EntityIDs = append(res.EntityIDs, id)
			res.Links++
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert entities for record %s", recordID)
	}
	return res, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, key model.EntityKey) (*model.Entity, error) {
	var e model.Entity
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text, normalized, type, language, external_link, created_at
		 FROM entities WHERE normalized = ? AND type = ? AND language = ?`,
		key.Normalized, key.Type, key.Language,
	).Scan(&e.ID, &e.Text, &e.Normalized, &e.Type, &e.Language, &e.ExternalLink, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: entity %s/%s", key.Type, key.Normalized)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get entity")
	}
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

func (s *SQLiteStore) ListEntityLinks(ctx context.Context, recordID string) ([]model.EntityLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, entity_id, count FROM record_entities WHERE record_id = ? ORDER BY entity_id`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list entity links %s", recordID)
	}
	defer rows.Close()

	var links []model.EntityLink
	for rows.Next() {
		var l model.EntityLink
		if err := rows.Scan(&l.RecordID, &l.EntityID, &l.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: list entity links iterate")
}

func (s *SQLiteStore) ReplaceMembership(ctx context.Context, u MembershipUpdate) (*MembershipResult, error) {
	res := &MembershipResult{}
	now := toMicros(time.Now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids := make(map[string]string, len(u.Clusters))
		for _, c := range clustersByKey(u.Clusters) {
			metadata, err := encodeObject(c.Metadata)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal cluster metadata")
			}
			var id string
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO clusters (id, run_id, capability, key, name, type, metadata, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (run_id, key) DO UPDATE SET name = excluded.name, metadata = excluded.metadata
				 RETURNING id`,
				uuid.New().String(), u.RunID, string(u.Capability), c.Key, c.Name, string(c.Type), string(metadata), now,
			).Scan(&id); err != nil {
				return sqliteError(err, "upsert cluster "+c.Key)
			}
			ids[c.Key] = id
		}
		res.Clusters = len(ids)

		for _, a := range u.Assignments {
			if _, ok := ids[a.ClusterKey]; ok {
				continue
			}
			var id string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM clusters WHERE run_id = ? AND key = ?`, u.RunID, a.ClusterKey,
			).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrConstraint, "sqlite: assignment references unknown cluster %q", a.ClusterKey)
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: resolve cluster key")
			}
			ids[a.ClusterKey] = id
		}

		if len(u.RecordIDs) > 0 {
			args := []any{string(u.Capability)}
			args = appendStrings(args, u.RecordIDs)
			r, err := tx.ExecContext(ctx,
				`DELETE FROM record_cluster_links
				 WHERE cluster_id IN (SELECT id FROM clusters WHERE capability = ?)
				   AND record_id IN (`+placeholders(len(u.RecordIDs))+`)`,
				args...,
			)
			if err != nil {
				return eris.Wrap(err, "sqlite: delete memberships")
			}
			res.Removed, _ = r.RowsAffected()
		}

		for _, a := range u.Assignments {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO record_cluster_links (record_id, cluster_id, score) VALUES (?, ?, ?)`,
				a.RecordID, ids[a.ClusterKey], a.Score,
			); err != nil {
				return sqliteError(err, "insert membership")
			}
			res.Links++
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: replace membership for run %s", u.RunID)
	}
	return res, nil
}

func (s *SQLiteStore) ListClusters(ctx context.Context, runID string) ([]model.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, capability, key, name, type, metadata, created_at
		 FROM clusters WHERE run_id = ? ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list clusters %s", runID)
	}
	defer rows.Close()

	var out []model.Cluster
	for rows.Next() {
		var c model.Cluster
		var metadata string
		var created int64
		if err := rows.Scan(&c.ID, &c.RunID, &c.Capability, &c.Key, &c.Name, &c.Type, &metadata, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster")
		}
		if err := decodeObject([]byte(metadata), &c.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal cluster metadata")
		}
		c.CreatedAt = fromMicros(created)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list clusters iterate")
}

func (s *SQLiteStore) ListRecordClusters(ctx context.Context, recordID string, capability model.Capability) ([]model.ClusterLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.record_id, l.cluster_id, l.score
		 FROM record_cluster_links l
		 JOIN clusters c ON c.id = l.cluster_id
		 WHERE l.record_id = ? AND (? = '' OR c.capability = ?)
		 ORDER BY l.cluster_id`,
		recordID, string(capability), string(capability),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list record clusters %s", recordID)
	}
	defer rows.Close()

	var out []model.ClusterLink
	for rows.Next() {
		var l model.ClusterLink
		if err := rows.Scan(&l.RecordID, &l.ClusterID, &l.Score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list record clusters iterate")
}
