package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testRecord(id string, ingested time.Time) *model.Record {
	return &model.Record{
		ID:           id,
		Fingerprint:  "fp-" + id,
		Origin:       "/data/" + id + ".txt",
		SourceName:   "local",
		SourceFormat: "txt",
		Title:        "Title " + id,
		Text:         "body of " + id,
		Language:     "en",
		Tags:         []string{"news"},
		Metadata:     map[string]any{"author": "desk"},
		Vector:       model.TermVector{"bodi": {Body: 1}, "titl": {Title: 1}},
		IngestedAt:   ingested,
	}
}

func mustInsert(t *testing.T, s Store, rec *model.Record) {
	t.Helper()
	inserted, err := s.InsertRecord(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)
}

func dueIDs(t *testing.T, s Store, c model.Capability, asOf time.Time) []string {
	t.Helper()
	recs, err := s.ListDue(context.Background(), c, asOf, "", 100)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func startRun(t *testing.T, s Store, c model.Capability, at time.Time) *model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, c, at)
	require.NoError(t, err)
	require.NoError(t, s.TransitionRun(ctx, run.ID, model.RunStatusRunning, ""))
	return run
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndGetRecord", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		row := 3
		rec := testRecord("rec-a", t0)
		rec.RowIndex = &row
		rec.ExtractedViaOCR = true
		mustInsert(t, s, rec)

		got, err := s.GetRecord(ctx, "rec-a")
		require.NoError(t, err)
		assert.Equal(t, "fp-rec-a", got.Fingerprint)
		require.NotNil(t, got.RowIndex)
		assert.Equal(t, 3, *got.RowIndex)
		assert.True(t, got.ExtractedViaOCR)
		assert.Equal(t, []string{"news"}, got.Tags)
		assert.Equal(t, "desk", got.Metadata["author"])
		assert.Equal(t, model.ZoneCounts{Title: 1}, got.Vector["titl"])
		assert.True(t, t0.Equal(got.IngestedAt))
		assert.Nil(t, got.Cursors)

		byFP, err := s.GetRecordByFingerprint(ctx, "fp-rec-a")
		require.NoError(t, err)
		assert.Equal(t, "rec-a", byFP.ID)

		n, err := s.CountRecords(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("DuplicateFingerprintSkipped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, testRecord("rec-a", t0))

		dup := testRecord("rec-b", t0)
		dup.Fingerprint = "fp-rec-a"
		inserted, err := s.InsertRecord(ctx, dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		_, err = s.GetRecord(ctx, "rec-b")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("GetRecordNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRecord(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListDueSnapshotAndCursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := model.Capability("ner")
		asOf := t0.Add(time.Hour)

		mustInsert(t, s, testRecord("rec-a", t0))
		mustInsert(t, s, testRecord("rec-b", t0))
		mustInsert(t, s, testRecord("rec-c", asOf.Add(time.Minute))) // ingested after the watermark

		assert.Equal(t, []string{"rec-a", "rec-b"}, dueIDs(t, s, c, asOf))

		n, err := s.AdvanceCursors(ctx, c, []string{"rec-a"}, asOf)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		assert.Equal(t, []string{"rec-b"}, dueIDs(t, s, c, asOf))
		assert.Equal(t, []string{"rec-a", "rec-b", "rec-c"}, dueIDs(t, s, c, asOf.Add(2*time.Hour)))
		// other capabilities keep their own cursors
		assert.Equal(t, []string{"rec-a", "rec-b"}, dueIDs(t, s, "topic-cluster", asOf))

		got, err := s.GetRecord(ctx, "rec-a")
		require.NoError(t, err)
		require.NotNil(t, got.Cursor(c))
		assert.True(t, asOf.Equal(*got.Cursor(c)))
	})

	t.Run("ListDueKeysetPaging", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			mustInsert(t, s, testRecord(fmt.Sprintf("rec-%d", i), t0))
		}

		var seen []string
		after := ""
		for {
			page, err := s.ListDue(ctx, "ner", t0, after, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, r := range page {
				seen = append(seen, r.ID)
			}
			after = page[len(page)-1].ID
		}
		assert.Equal(t, []string{"rec-0", "rec-1", "rec-2", "rec-3", "rec-4"}, seen)
	})

	t.Run("CursorsNeverMoveBackwards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, testRecord("rec-a", t0))

		later := t0.Add(3 * time.Hour)
		_, err := s.AdvanceCursors(ctx, "ner", []string{"rec-a"}, later)
		require.NoError(t, err)
		_, err = s.AdvanceCursors(ctx, "ner", []string{"rec-a"}, t0.Add(time.Hour))
		require.NoError(t, err)

		got, err := s.GetRecord(ctx, "rec-a")
		require.NoError(t, err)
		assert.True(t, later.Equal(*got.Cursor("ner")))
	})

	t.Run("EntityUpsertReplacesCounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, testRecord("rec-a", t0))

		groups := []EntityGroup{
			{Key: model.EntityKey{Normalized: "ada lovelace", Type: model.EntityPerson, Language: "en"}, Text: "Ada Lovelace", Count: 2},
			{Key: model.EntityKey{Normalized: "london", Type: model.EntityLoc, Language: "en"}, Text: "London", Count: 1},
		}
		res, err := s.UpsertEntityLinks(ctx, "rec-a", groups)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Created)
		assert.Equal(t, 2, res.Links)

		groups[0].Text = "ADA LOVELACE"
		groups[0].Count = 5
		res, err = s.UpsertEntityLinks(ctx, "rec-a", groups)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Created)

		e, err := s.GetEntity(ctx, groups[0].Key)
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", e.Text)

		links, err := s.ListEntityLinks(ctx, "rec-a")
		require.NoError(t, err)
		require.Len(t, links, 2)
		counts := map[string]int{}
		for _, l := range links {
			counts[l.EntityID] = l.Count
		}
		assert.Equal(t, 5, counts[e.ID])
	})

	t.Run("ReplaceMembershipReplacesPerCapability", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, testRecord("rec-a", t0))
		mustInsert(t, s, testRecord("rec-b", t0))

		topics := model.Capability("topic-cluster")
		run1 := startRun(t, s, topics, t0)
		_, err := s.ReplaceMembership(ctx, MembershipUpdate{
			RunID:      run1.ID,
			Capability: topics,
			RecordIDs:  []string{"rec-a", "rec-b"},
			Clusters: []model.Cluster{
				{Key: "c1", Name: "markets", Type: model.ClusterTopic},
				{Key: "c2", Name: "sports", Type: model.ClusterTopic},
			},
			Assignments: []model.ClusterAssignment{
				{RecordID: "rec-a", ClusterKey: "c1", Score: 0.9},
				{RecordID: "rec-b", ClusterKey: "c2", Score: 0.4},
			},
		})
		require.NoError(t, err)

		ents := model.Capability("entity-cluster")
		other := startRun(t, s, ents, t0)
		_, err = s.ReplaceMembership(ctx, MembershipUpdate{
			RunID:       other.ID,
			Capability:  ents,
			RecordIDs:   []string{"rec-a"},
			Clusters:    []model.Cluster{{Key: "e1", Name: "ada", Type: model.ClusterEntity}},
			Assignments: []model.ClusterAssignment{{RecordID: "rec-a", ClusterKey: "e1", Score: 1}},
		})
		require.NoError(t, err)

		require.NoError(t, s.FinishRun(ctx, run1.ID, model.RunOutcome{Status: model.RunStatusSuccess, Processed: 2}))
		run2 := startRun(t, s, topics, t0.Add(time.Hour))
		res, err := s.ReplaceMembership(ctx, MembershipUpdate{
			RunID:       run2.ID,
			Capability:  topics,
			RecordIDs:   []string{"rec-a"},
			Clusters:    []model.Cluster{{Key: "c3", Name: "energy", Type: model.ClusterTopic}},
			Assignments: []model.ClusterAssignment{{RecordID: "rec-a", ClusterKey: "c3", Score: 0.7}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Removed)
		assert.Equal(t, 1, res.Links)

		clusters2, err := s.ListClusters(ctx, run2.ID)
		require.NoError(t, err)
		require.Len(t, clusters2, 1)

		links, err := s.ListRecordClusters(ctx, "rec-a", topics)
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, clusters2[0].ID, links[0].ClusterID)
		assert.InDelta(t, 0.7, links[0].Score, 1e-9)

		entityLinks, err := s.ListRecordClusters(ctx, "rec-a", ents)
		require.NoError(t, err)
		assert.Len(t, entityLinks, 1)

		all, err := s.ListRecordClusters(ctx, "rec-a", "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		// rec-b was outside the second run's scope
		bLinks, err := s.ListRecordClusters(ctx, "rec-b", topics)
		require.NoError(t, err)
		assert.Len(t, bLinks, 1)
	})

	t.Run("ReplaceMembershipUnknownKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, testRecord("rec-a", t0))
		run := startRun(t, s, "topic-cluster", t0)

		_, err := s.ReplaceMembership(ctx, MembershipUpdate{
			RunID:       run.ID,
			Capability:  "topic-cluster",
			RecordIDs:   []string{"rec-a"},
			Assignments: []model.ClusterAssignment{{RecordID: "rec-a", ClusterKey: "nope"}},
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConstraint))
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "ner", t0)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusPending, run.Status)

		err = s.FinishRun(ctx, run.ID, model.RunOutcome{Status: model.RunStatusSuccess})
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		require.NoError(t, s.TransitionRun(ctx, run.ID, model.RunStatusRunning, ""))
		require.NoError(t, s.AppendRunDetails(ctx, run.ID, model.RunDetails{Notes: []string{"warming up"}}))
		require.NoError(t, s.FinishRun(ctx, run.ID, model.RunOutcome{
			Status:    model.RunStatusPartial,
			Processed: 8,
			Errors:    2,
			Details: model.RunDetails{Failures: []model.RecordFailure{
				{RecordID: "rec-x", Error: "boom"},
			}},
		}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusPartial, got.Status)
		assert.Equal(t, int64(8), got.ProcessedCount)
		assert.Equal(t, int64(2), got.ErrorCount)
		assert.NotNil(t, got.FinishedAt)
		assert.True(t, t0.Equal(got.StartedAt))
		assert.Equal(t, []string{"warming up"}, got.Details.Notes)
		require.Len(t, got.Details.Failures, 1)

		// partial runs accept appended details, the status stays put
		require.NoError(t, s.AppendRunDetails(ctx, run.ID, model.RunDetails{Notes: []string{"retried later"}}))
		err = s.FinishRun(ctx, run.ID, model.RunOutcome{Status: model.RunStatusSuccess})
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		err = s.TransitionRun(ctx, run.ID, model.RunStatusRunning, "")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("RunProgress", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := startRun(t, s, "ner", t0)

		require.NoError(t, s.UpdateRunProgress(ctx, run.ID, 12, 1))
		require.NoError(t, s.UpdateRunProgress(ctx, run.ID, 30, 2))
		require.NoError(t, s.UpdateRunProgress(ctx, run.ID, 20, 2), "a late writer does not roll back")
		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, got.Status)
		assert.Equal(t, int64(30), got.ProcessedCount)
		assert.Equal(t, int64(2), got.ErrorCount)

		require.NoError(t, s.FinishRun(ctx, run.ID, model.RunOutcome{Status: model.RunStatusSuccess, Processed: 31}))
		err = s.UpdateRunProgress(ctx, run.ID, 99, 0)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		got, err = s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(31), got.ProcessedCount)
	})

	t.Run("SuccessRunDetailsFrozen", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		run := startRun(t, s, "ner", t0)
		require.NoError(t, s.FinishRun(ctx, run.ID, model.RunOutcome{Status: model.RunStatusSuccess}))

		err := s.AppendRunDetails(ctx, run.ID, model.RunDetails{Notes: []string{"late"}})
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})

	t.Run("OneRunningRunPerCapability", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		startRun(t, s, "ner", t0)

		second, err := s.CreateRun(ctx, "ner", t0.Add(time.Minute))
		require.NoError(t, err)
		err = s.TransitionRun(ctx, second.ID, model.RunStatusRunning, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRunInProgress))

		// a different capability is independent
		startRun(t, s, "assoc", t0)
	})

	t.Run("TransitionUnknownRun", func(t *testing.T) {
		s := newStore(t)
		err := s.TransitionRun(context.Background(), "missing", model.RunStatusRunning, "")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListRunsAndStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := startRun(t, s, "ner", t0)
		require.NoError(t, s.FinishRun(ctx, a.ID, model.RunOutcome{Status: model.RunStatusSuccess, Processed: 4}))
		b := startRun(t, s, "ner", t0.Add(time.Hour))
		require.NoError(t, s.FinishRun(ctx, b.ID, model.RunOutcome{Status: model.RunStatusPartial, Processed: 3, Errors: 1}))
		startRun(t, s, "assoc", t0)

		runs, err := s.ListRuns(ctx, RunFilter{Capability: "ner"})
		require.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = s.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, model.Capability("assoc"), runs[0].Capability)

		runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		stats, err := s.RunStats(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		byKey := map[string]RunStat{}
		for _, st := range stats {
			byKey[string(st.Capability)+"/"+string(st.Status)] = st
		}
		assert.Equal(t, int64(4), byKey["ner/success"].Processed)
		assert.Equal(t, int64(1), byKey["ner/partial"].Errors)
		assert.Equal(t, int64(1), byKey["assoc/running"].Runs)
	})

	t.Run("ReapStaleRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := startRun(t, s, "ner", t0)
		fresh := startRun(t, s, "assoc", t0.Add(2*time.Hour))

		n, err := s.ReapStaleRuns(ctx, t0.Add(time.Hour), "reaped")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := s.GetRun(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		assert.Equal(t, "reaped", got.Details.Reason)
		assert.NotNil(t, got.FinishedAt)

		got, err = s.GetRun(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, got.Status)

		// the capability is free again
		startRun(t, s, "ner", t0.Add(3*time.Hour))
	})

	t.Run("ScanCandidatesFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := testRecord("rec-a", t0)
		a.Tags = []string{"news", "energy"}
		a.Vector = model.TermVector{"oil": {Title: 1}}
		b := testRecord("rec-b", t0.Add(48*time.Hour))
		b.SourceName = "wire"
		b.Vector = model.TermVector{"oil": {Body: 2}, "gas": {Body: 1}}
		c := testRecord("rec-c", t0)
		c.Vector = model.TermVector{"football": {Body: 1}}
		for _, r := range []*model.Record{a, b, c} {
			mustInsert(t, s, r)
		}

		collect := func(f CandidateFilter) []string {
			var ids []string
			require.NoError(t, s.ScanCandidates(ctx, f, func(r *model.Record) error {
				ids = append(ids, r.ID)
				return nil
			}))
			return ids
		}

		assert.Equal(t, []string{"rec-a", "rec-b"}, collect(CandidateFilter{AnyTerms: []string{"oil", "coal"}}))
		assert.Equal(t, []string{"rec-b"}, collect(CandidateFilter{Sources: []string{"wire"}}))
		assert.Equal(t, []string{"rec-a"}, collect(CandidateFilter{Tags: []string{"news", "energy"}}))
		to := t0.Add(time.Hour)
		assert.Equal(t, []string{"rec-a", "rec-c"}, collect(CandidateFilter{To: &to}))
		from := t0.Add(time.Hour)
		assert.Equal(t, []string{"rec-b"}, collect(CandidateFilter{From: &from}))

		run := startRun(t, s, "topic-cluster", t0)
		_, err := s.ReplaceMembership(ctx, MembershipUpdate{
			RunID:       run.ID,
			Capability:  "topic-cluster",
			RecordIDs:   []string{"rec-c"},
			Clusters:    []model.Cluster{{Key: "sport", Name: "sport", Type: model.ClusterTopic}},
			Assignments: []model.ClusterAssignment{{RecordID: "rec-c", ClusterKey: "sport", Score: 1}},
		})
		require.NoError(t, err)
		clusters, err := s.ListClusters(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		assert.Equal(t, []string{"rec-c"}, collect(CandidateFilter{ClusterIDs: []string{clusters[0].ID}}))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_AdvanceCursorsUnknownRecord(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.AdvanceCursors(context.Background(), "ner", []string{"ghost"}, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConstraint))
}

func TestBuildSQLiteCandidateQuery(t *testing.T) {
	q, args := buildSQLiteCandidateQuery(CandidateFilter{
		Sources:  []string{"a", "b"},
		AnyTerms: []string{"oil"},
	})
	assert.Contains(t, q, "r.source_name IN (?, ?)")
	assert.Contains(t, q, "json_each(r.vector)")
	assert.Equal(t, []any{"a", "b", "oil"}, args)
}
