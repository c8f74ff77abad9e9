package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaigi-ai/gijiroku/internal/index"
	"github.com/kaigi-ai/gijiroku/internal/model"
	"github.com/kaigi-ai/gijiroku/internal/testutil"
)

// The postgres backend must behave identically to the embedded sqlite
// default: same filtering, same ordering, same idempotent re-indexing.
func TestPostgresIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := testutil.StartPostgres(t)
	ctx := context.Background()

	idx, err := index.OpenPostgres(ctx, tc.DSN, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cat := "prompt_injection"
	first := &model.DeliberationRecord{
		ID:             model.NewID(),
		Timestamp:      base,
		Models:         []string{"claude", "gpt"},
		AttackCategory: &cat,
		Rounds: []model.Round{
			{
				RoundNumber: 1,
				Evaluations: map[string]model.Evaluation{
					"claude": {Model: "claude", FScore: 0.9},
					"gpt":    {Model: "gpt", FScore: 0.5},
				},
			},
		},
		Consensus: model.ConsensusResult{F: 0.9, EmptyChairInfluence: 0.2, RoundCount: 1},
		Patterns: []model.Pattern{
			{PatternType: "evasion", AgreementScore: 1, Attribution: []string{"claude", "gpt"}},
		},
		Dissents: []model.Dissent{
			{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.9, FLow: 0.5, FDelta: 0.4},
		},
		DurationSeconds: 15,
		QuorumValid:     true,
	}
	second := &model.DeliberationRecord{
		ID:             model.NewID(),
		Timestamp:      base.Add(time.Hour),
		Models:         []string{"claude", "gpt"},
		AttackCategory: &cat,
		Rounds:         first.Rounds,
		Consensus:      model.ConsensusResult{F: 0.4, RoundCount: 1},
		Dissents: []model.Dissent{
			{RoundNumber: 1, ModelHigh: "claude", ModelLow: "gpt", FHigh: 0.4, FLow: 0.3, FDelta: 0.1},
		},
		QuorumValid: false,
	}

	require.NoError(t, idx.IndexRecord(ctx, first))
	require.NoError(t, idx.IndexRecord(ctx, second))
	// Re-indexing replaces rows, never duplicates them.
	require.NoError(t, idx.IndexRecord(ctx, first))

	t.Run("has record", func(t *testing.T) {
		ok, err := idx.HasRecord(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = idx.HasRecord(ctx, model.NewID())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("query by attack", func(t *testing.T) {
		metas, err := idx.QueryByAttack(ctx, index.AttackQuery{Category: cat})
		require.NoError(t, err)
		require.Len(t, metas, 2)
		assert.Equal(t, second.ID, metas[0].ID)
		assert.Equal(t, first.ID, metas[1].ID)
		assert.WithinDuration(t, base, metas[1].Timestamp, time.Microsecond)
		assert.Equal(t, []string{"claude", "gpt"}, metas[1].Models)
		assert.Equal(t, 0.9, metas[1].ConsensusF)
		assert.True(t, metas[1].QuorumValid)
	})

	t.Run("query by pattern", func(t *testing.T) {
		hits, err := idx.QueryByPattern(ctx, "evasion", 0.5, 0)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, first.ID, hits[0].RecordID)
		assert.Equal(t, 1.0, hits[0].Pattern.AgreementScore)
		assert.Equal(t, []string{"claude", "gpt"}, hits[0].Pattern.Attribution)
	})

	t.Run("query dissents", func(t *testing.T) {
		hits, err := idx.QueryDissents(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, 0.4, hits[0].Dissent.FDelta)
		assert.Equal(t, 0.1, hits[1].Dissent.FDelta)

		hits, err = idx.QueryDissents(ctx, 0.2, 0)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, first.ID, hits[0].RecordID)
	})

	t.Run("stats", func(t *testing.T) {
		st, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Records)
		assert.Equal(t, int64(1), st.Patterns)
		assert.Equal(t, int64(2), st.Dissents)
		assert.Equal(t, int64(1), st.QuorumValid)
		require.NotNil(t, st.EarliestEntry)
		assert.WithinDuration(t, base, *st.EarliestEntry, time.Microsecond)
	})

	t.Run("delete record", func(t *testing.T) {
		require.NoError(t, idx.DeleteRecord(ctx, second.ID))
		ok, err := idx.HasRecord(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
