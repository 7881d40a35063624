package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/db"
	"github.com/sells-group/corpus-cli/internal/model"
)

// UpsertEntityLinks inserts-or-fetches each entity and overwrites the
// record's link counts, all in one transaction.
func (s *PostgresStore) UpsertEntityLinks(ctx context.Context, recordID string, groups []EntityGroup) (*EntityUpsertResult, error) {
	res := &EntityUpsertResult{}
	if len(groups) == 0 {
		return res, nil
	}
	now := time.Now().UTC()

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, g := range groups {
			var id string
			err := tx.QueryRow(ctx,
				`INSERT INTO entities (id, text, normalized, type, language, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (normalized, type, language) DO NOTHING RETURNING id`,
				uuid.New().String(), g.Text, g.Key.Normalized, g.Key.Type, g.Key.Language, now,
			).Scan(&id)
			switch {
			case err == nil:
				res.Created++
			case errors.Is(err, pgx.ErrNoRows):
				if err := tx.QueryRow(ctx,
					`SELECT id FROM entities WHERE normalized = $1 AND type = $2 AND language = $3`,
					g.Key.Normalized, g.Key.Type, g.Key.Language,
				).Scan(&id); err != nil {
					return eris.Wrapf(err, "postgres: fetch entity %q", g.Key.Normalized)
				}
			default:
				return pgError(err, "insert entity")
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO record_entities (record_id, entity_id, count) VALUES ($1, $2, $3)
				 ON CONFLICT (record_id, entity_id) DO UPDATE SET count = EXCLUDED.count`,
				recordID, id, g.Count,
			); err != nil {
				return pgError(err, "upsert entity link")
			}
			res.EntityIDs = append(res.EntityIDs, id)
			res.Links++
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert entities for record %s", recordID)
	}
	return res, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, key model.EntityKey) (*model.Entity, error) {
	var e model.Entity
	err := s.pool.QueryRow(ctx,
		`SELECT id, text, normalized, type, language, external_link, created_at
		 FROM entities WHERE normalized = $1 AND type = $2 AND language = $3`,
		key.Normalized, key.Type, key.Language,
	).Scan(&e.ID, &e.Text, &e.Normalized, &e.Type, &e.Language, &e.ExternalLink, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: entity %s/%s", key.Type, key.Normalized)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get entity")
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (s *PostgresStore) ListEntityLinks(ctx context.Context, recordID string) ([]model.EntityLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id, entity_id, count FROM record_entities WHERE record_id = $1 ORDER BY entity_id`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list entity links %s", recordID)
	}
	defer rows.Close()

	var links []model.EntityLink
	for rows.Next() {
		var l model.EntityLink
		if err := rows.Scan(&l.RecordID, &l.EntityID, &l.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity link")
		}
		links = append(links, l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: list entity links iterate")
}

// ReplaceMembership upserts the run's clusters, drops every link from the
// covered records to clusters of the same capability and inserts the new
// links, in one transaction.
func (s *PostgresStore) ReplaceMembership(ctx context.Context, u MembershipUpdate) (*MembershipResult, error) {
	res := &MembershipResult{}
	now := time.Now().UTC()

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		ids := make(map[string]string, len(u.Clusters))
		for _, c := range clustersByKey(u.Clusters) {
			metadata, err := encodeObject(c.Metadata)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal cluster metadata")
			}
			var id string
			if err := tx.QueryRow(ctx,
				`INSERT INTO clusters (id, run_id, capability, key, name, type, metadata, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (run_id, key) DO UPDATE SET name = EXCLUDED.name, metadata = EXCLUDED.metadata
				 RETURNING id`,
				uuid.New().String(), u.RunID, string(u.Capability), c.Key, c.Name, string(c.Type), metadata, now,
			).Scan(&id); err != nil {
				return pgError(err, "upsert cluster "+c.Key)
			}
			ids[c.Key] = id
		}
		res.Clusters = len(ids)

		for _, a := range u.Assignments {
			if _, ok := ids[a.ClusterKey]; ok {
				continue
			}
			var id string
			err := tx.QueryRow(ctx,
				`SELECT id FROM clusters WHERE run_id = $1 AND key = $2`, u.RunID, a.ClusterKey,
			).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrConstraint, "postgres: assignment references unknown cluster %q", a.ClusterKey)
			}
			if err != nil {
				return eris.Wrap(err, "postgres: resolve cluster key")
			}
			ids[a.ClusterKey] = id
		}

		if len(u.RecordIDs) > 0 {
			tag, err := tx.Exec(ctx,
				`DELETE FROM record_cluster_links
				 WHERE record_id = ANY($1)
				   AND cluster_id IN (SELECT id FROM clusters WHERE capability = $2)`,
				u.RecordIDs, string(u.Capability),
			)
			if err != nil {
				return eris.Wrap(err, "postgres: delete memberships")
			}
			res.Removed = tag.RowsAffected()
		}

		if len(u.Assignments) == 0 {
			return nil
		}
		rows := make([][]any, 0, len(u.Assignments))
		for _, a := range u.Assignments {
			rows = append(rows, []any{a.RecordID, ids[a.ClusterKey], a.Score})
		}
		n, err := db.CopyFrom(ctx, tx, "record_cluster_links", []string{"record_id", "cluster_id", "score"}, rows)
		if err != nil {
			return pgError(err, "insert memberships")
		}
		res.Links = int(n)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: replace membership for run %s", u.RunID)
	}
	return res, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context, runID string) ([]model.Cluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, capability, key, name, type, metadata, created_at
		 FROM clusters WHERE run_id = $1 ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list clusters %s", runID)
	}
	defer rows.Close()

	var out []model.Cluster
	for rows.Next() {
		var c model.Cluster
		var metadata []byte
		if err := rows.Scan(&c.ID, &c.RunID, &c.Capability, &c.Key, &c.Name, &c.Type, &metadata, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster")
		}
		if err := decodeObject(metadata, &c.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal cluster metadata")
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list clusters iterate")
}

func (s *PostgresStore) ListRecordClusters(ctx context.Context, recordID string, capability model.Capability) ([]model.ClusterLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.record_id, l.cluster_id, l.score
		 FROM record_cluster_links l
		 JOIN clusters c ON c.id = l.cluster_id
		 WHERE l.record_id = $1 AND ($2 = '' OR c.capability = $2)
		 ORDER BY l.cluster_id`,
		recordID, string(capability),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list record clusters %s", recordID)
	}
	defer rows.Close()

	var out []model.ClusterLink
	for rows.Next() {
		var l model.ClusterLink
		if err := rows.Scan(&l.RecordID, &l.ClusterID, &l.Score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster link")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list record clusters iterate")
}
