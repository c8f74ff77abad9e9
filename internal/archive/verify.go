package archive

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/kaigi-ai/gijiroku/internal/extract"
	"github.com/kaigi-ai/gijiroku/internal/model"
)

// Verify re-runs the extraction algorithms against a stored record and
// checks that they reproduce exactly what was persisted. A nil return means
// the stored consensus, round statistics, dissent table, and pattern
// agreement scores are all re-derivable from the stored rounds.
func (a *Archive) Verify(ctx context.Context, id uuid.UUID) error {
	rec, err := a.Get(ctx, id)
	if err != nil {
		return err
	}

	consensus := extract.Consensus(rec)
	if rec.Consensus != consensus {
		return fmt.Errorf("archive: record %s: stored consensus (F=%v, rounds=%d) does not re-derive (F=%v, rounds=%d)",
			id, rec.Consensus.F, rec.Consensus.RoundCount, consensus.F, consensus.RoundCount)
	}

	for _, round := range rec.Rounds {
		mean, stddev := extract.RoundStats(round)
		if round.MeanF != mean || round.StddevF != stddev {
			return fmt.Errorf("archive: record %s: round %d statistics (mean=%v, stddev=%v) do not re-derive (mean=%v, stddev=%v)",
				id, round.RoundNumber, round.MeanF, round.StddevF, mean, stddev)
		}
	}

	dissents := extract.Dissents(rec)
	if dissents == nil {
		dissents = []model.Dissent{}
	}
	if !slices.Equal(rec.Dissents, dissents) {
		return fmt.Errorf("archive: record %s: stored dissent table (%d entries) does not re-derive (%d entries)",
			id, len(rec.Dissents), len(dissents))
	}

	for _, p := range rec.Patterns {
		if want := extract.PatternAgreement(p, rec); p.AgreementScore != want {
			return fmt.Errorf("archive: record %s: pattern %q agreement_score %v does not re-derive (%v)",
				id, p.PatternType, p.AgreementScore, want)
		}
	}
	return nil
}
