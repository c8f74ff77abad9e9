package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaigi-ai/gijiroku/internal/model"
)

func newTestIndex(t *testing.T) *SQLite {
	t.Helper()
	idx, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

// indexedRecord builds a fully derived record ready for indexing.
func indexedRecord(ts time.Time, category string, consensusF float64) *model.DeliberationRecord {
	cat := category
	attackID := "atk-" + category
	rec := &model.DeliberationRecord{
		ID:        model.NewID(),
		Timestamp: ts,
		Models:    []string{"claude", "gpt"},
		Rounds: []model.Round{
			{
				RoundNumber: 1,
				Evaluations: map[string]model.Evaluation{
					"claude": {Model: "claude", FScore: consensusF},
					"gpt":    {Model: "gpt", FScore: consensusF / 2},
				},
			},
		},
		Consensus:       model.ConsensusResult{F: consensusF, EmptyChairInfluence: 0.1, RoundCount: 1},
		DurationSeconds: 8,
		QuorumValid:     true,
	}
	if category != "" {
		rec.AttackCategory = &cat
		rec.AttackID = &attackID
	}
	return rec
}

func TestIndexRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	ts := time.Date(2026, 5, 10, 14, 30, 0, 123456789, time.UTC)
	rec := indexedRecord(ts, "prompt_injection", 0.9)
	rec.Patterns = []model.Pattern{
		{PatternType: "evasion", AgreementScore: 0.5, Attribution: []string{"claude"}, Description: "deflects"},
	}
	rec.Dissents = []model.Dissent{
		{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.9, FLow: 0.45, FDelta: 0.45},
	}
	sid := model.NewID()
	rec.SupersedesID = &sid

	require.NoError(t, idx.IndexRecord(ctx, rec))

	ok, err := idx.HasRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	metas, err := idx.QueryByAttack(ctx, AttackQuery{Category: "prompt_injection"})
	require.NoError(t, err)
	require.Len(t, metas, 1)

	meta := metas[0]
	assert.Equal(t, rec.ID, meta.ID)
	assert.WithinDuration(t, ts, meta.Timestamp, 0)
	assert.Equal(t, []string{"claude", "gpt"}, meta.Models)
	require.NotNil(t, meta.AttackCategory)
	assert.Equal(t, "prompt_injection", *meta.AttackCategory)
	assert.Equal(t, 0.9, meta.ConsensusF)
	assert.Equal(t, 0.1, meta.EmptyChairInfluence)
	assert.True(t, meta.QuorumValid)
	require.NotNil(t, meta.SupersedesID)
	assert.Equal(t, sid, *meta.SupersedesID)
}

func TestIndexRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	rec := indexedRecord(time.Now().UTC(), "jailbreak", 0.7)
	rec.Patterns = []model.Pattern{{PatternType: "evasion", AgreementScore: 1}}
	rec.Dissents = []model.Dissent{
		{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.7, FLow: 0.35, FDelta: 0.35},
	}

	require.NoError(t, idx.IndexRecord(ctx, rec))
	require.NoError(t, idx.IndexRecord(ctx, rec))

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Records)
	assert.Equal(t, int64(1), st.Patterns)
	assert.Equal(t, int64(1), st.Dissents)
}

func TestQueryByAttackFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := indexedRecord(base, "jailbreak", 0.3)
	mid := indexedRecord(base.Add(24*time.Hour), "jailbreak", 0.5)
	newest := indexedRecord(base.Add(48*time.Hour), "jailbreak", 0.7)
	other := indexedRecord(base.Add(12*time.Hour), "prompt_injection", 0.9)
	for _, rec := range []*model.DeliberationRecord{old, mid, newest, other} {
		require.NoError(t, idx.IndexRecord(ctx, rec))
	}

	// Category filter, most recent first.
	metas, err := idx.QueryByAttack(ctx, AttackQuery{Category: "jailbreak"})
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, newest.ID, metas[0].ID)
	assert.Equal(t, mid.ID, metas[1].ID)
	assert.Equal(t, old.ID, metas[2].ID)

	// Empty category matches everything.
	metas, err = idx.QueryByAttack(ctx, AttackQuery{})
	require.NoError(t, err)
	assert.Len(t, metas, 4)

	// Time bounds are inclusive.
	since := base.Add(12 * time.Hour)
	until := base.Add(24 * time.Hour)
	metas, err = idx.QueryByAttack(ctx, AttackQuery{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, mid.ID, metas[0].ID)
	assert.Equal(t, other.ID, metas[1].ID)

	// Limit caps the result set after ordering.
	metas, err = idx.QueryByAttack(ctx, AttackQuery{Category: "jailbreak", Limit: 2})
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, newest.ID, metas[0].ID)

	// Unknown category is an empty result, not an error.
	metas, err = idx.QueryByAttack(ctx, AttackQuery{Category: "nonexistent"})
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestQueryByPattern(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	strong := indexedRecord(base, "jailbreak", 0.8)
	strong.Patterns = []model.Pattern{
		{PatternType: "evasion", AgreementScore: 1, Attribution: []string{"claude", "gpt"}},
	}
	weak := indexedRecord(base.Add(time.Hour), "jailbreak", 0.6)
	weak.Patterns = []model.Pattern{
		{PatternType: "evasion", AgreementScore: 0.5, Attribution: []string{"claude"}},
		{PatternType: "goalpost_shift", AgreementScore: 1, Attribution: []string{"claude", "gpt"}},
	}
	for _, rec := range []*model.DeliberationRecord{strong, weak} {
		require.NoError(t, idx.IndexRecord(ctx, rec))
	}

	hits, err := idx.QueryByPattern(ctx, "evasion", 0, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Highest agreement first.
	assert.Equal(t, strong.ID, hits[0].RecordID)
	assert.Equal(t, 1.0, hits[0].Pattern.AgreementScore)
	assert.Equal(t, []string{"claude", "gpt"}, hits[0].Pattern.Attribution)
	assert.Equal(t, weak.ID, hits[1].RecordID)

	// Threshold is inclusive.
	hits, err = idx.QueryByPattern(ctx, "evasion", 0.5, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = idx.QueryByPattern(ctx, "evasion", 0.6, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, strong.ID, hits[0].RecordID)

	// Other pattern types never leak in.
	hits, err = idx.QueryByPattern(ctx, "goalpost_shift", 0, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, weak.ID, hits[0].RecordID)
}

func TestQueryDissents(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	recA := indexedRecord(base, "jailbreak", 0.9)
	recA.Dissents = []model.Dissent{
		{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.9, FLow: 0.3, FDelta: 0.6},
		{RoundNumber: 2, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.9, FLow: 0.7, FDelta: 0.2},
	}
	recB := indexedRecord(base.Add(time.Hour), "jailbreak", 0.8)
	recB.Dissents = []model.Dissent{
		{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.8, FLow: 0.4, FDelta: 0.4},
	}
	for _, rec := range []*model.DeliberationRecord{recA, recB} {
		require.NoError(t, idx.IndexRecord(ctx, rec))
	}

	hits, err := idx.QueryDissents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// Largest delta first regardless of record.
	assert.Equal(t, 0.6, hits[0].Dissent.FDelta)
	assert.Equal(t, recA.ID, hits[0].RecordID)
	assert.Equal(t, 0.4, hits[1].Dissent.FDelta)
	assert.Equal(t, recB.ID, hits[1].RecordID)
	assert.Equal(t, 0.2, hits[2].Dissent.FDelta)

	// Threshold is inclusive.
	hits, err = idx.QueryDissents(ctx, 0.4, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = idx.QueryDissents(ctx, 0.99, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteRecordRemovesAllRows(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	rec := indexedRecord(time.Now().UTC(), "jailbreak", 0.7)
	rec.Patterns = []model.Pattern{{PatternType: "evasion", AgreementScore: 1}}
	rec.Dissents = []model.Dissent{
		{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.7, FLow: 0.35, FDelta: 0.35},
	}
	require.NoError(t, idx.IndexRecord(ctx, rec))
	require.NoError(t, idx.DeleteRecord(ctx, rec.ID))

	ok, err := idx.HasRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Records)
	assert.Zero(t, st.Patterns)
	assert.Zero(t, st.Dissents)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Records)
	assert.Nil(t, st.EarliestEntry)
	assert.Nil(t, st.LatestEntry)

	early := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC)
	recEarly := indexedRecord(early, "jailbreak", 0.4)
	recLate := indexedRecord(late, "prompt_injection", 0.8)
	recLate.QuorumValid = false
	for _, rec := range []*model.DeliberationRecord{recEarly, recLate} {
		require.NoError(t, idx.IndexRecord(ctx, rec))
	}

	st, err = idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Records)
	assert.Equal(t, int64(1), st.QuorumValid)
	require.NotNil(t, st.EarliestEntry)
	require.NotNil(t, st.LatestEntry)
	assert.WithinDuration(t, early, *st.EarliestEntry, 0)
	assert.WithinDuration(t, late, *st.LatestEntry, 0)
}

func TestHasRecordUnknownID(t *testing.T) {
	idx := newTestIndex(t)
	ok, err := idx.HasRecord(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenSQLiteInMemory(t *testing.T) {
	ctx := context.Background()
	// An in-memory database lives and dies with its connection, so the pool
	// must be pinned to one; migrations and queries have to see the same DB.
	idx, err := OpenSQLite(ctx, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	rec := indexedRecord(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC), "jailbreak", 0.7)
	require.NoError(t, idx.IndexRecord(ctx, rec))

	ok, err := idx.HasRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	metas, err := idx.QueryByAttack(ctx, AttackQuery{Category: "jailbreak"})
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultQueryLimit, clampLimit(0))
	assert.Equal(t, defaultQueryLimit, clampLimit(-5))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, maxQueryLimit, clampLimit(50_000))
}
