package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaigi-ai/gijiroku/internal/extract"
	"github.com/kaigi-ai/gijiroku/internal/model"
)

// StoreOptions controls writer behaviour for a single record.
type StoreOptions struct {
	// Overwrite permits replacing an existing record's documents and index
	// rows. Application code never sets this; it exists for legitimate
	// operator-driven re-synthesis only.
	Overwrite bool
}

// Store validates rec, derives any unattached fields (consensus, dissent
// table, round statistics, pattern agreement scores), persists all four
// document tiers, and finally commits the index rows.
//
// Ordering is deliberate. Documents commit before index rows, so a crash in
// between leaves an orphan document that Reindex recovers — never an index
// row pointing at missing data. Within the document commit the metadata tier
// goes last: its presence is the authoritative existence marker, so a record
// interrupted mid-write stays invisible to readers. Until the index commit
// lands, a stored record is durable but not yet queryable; that gap is the
// accepted eventual-consistency window.
//
// Store returns the enriched record as persisted.
func (a *Archive) Store(ctx context.Context, rec *model.DeliberationRecord, opts StoreOptions) (*model.DeliberationRecord, error) {
	ctx, span := a.tracer.Start(ctx, "archive.Store",
		trace.WithAttributes(attribute.String("record.id", rec.ID.String())))
	defer span.End()
	start := time.Now()

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	prepared, err := prepare(rec)
	if err != nil {
		return nil, err
	}

	exists, err := a.docs.Exists(ctx, prepared.ID)
	if err != nil {
		return nil, fmt.Errorf("archive: check existing record: %w", err)
	}
	if exists {
		if !opts.Overwrite {
			return nil, fmt.Errorf("archive: record %s: %w", prepared.ID, ErrDuplicateID)
		}
		a.logger.Info("overwriting existing record", "id", prepared.ID)
	}

	payloads, err := encodeTiers(prepared)
	if err != nil {
		return nil, err
	}
	for _, tier := range []model.Tier{model.TierRounds, model.TierSynthesis, model.TierDissents, model.TierMetadata} {
		if err := a.docs.Put(ctx, prepared.ID, prepared.Timestamp, tier, payloads[tier]); err != nil {
			return nil, fmt.Errorf("archive: persist %s tier: %w", tier, err)
		}
	}

	if err := a.idx.IndexRecord(ctx, prepared); err != nil {
		// Documents are already durable; reindexing recovers the rows.
		return nil, fmt.Errorf("archive: index record %s (documents committed, run reindex to recover): %w", prepared.ID, err)
	}

	a.storedTotal.Add(ctx, 1)
	a.storeSeconds.Record(ctx, time.Since(start).Seconds())
	a.logger.Debug("record stored",
		"id", prepared.ID,
		"rounds", len(prepared.Rounds),
		"dissents", len(prepared.Dissents),
		"consensus_f", prepared.Consensus.F)
	return prepared, nil
}

// prepare returns a copy of rec with derived fields attached, or a
// ValidationError when attached derived fields contradict what extraction
// reproduces. Derivation fills gaps; it never silently corrects.
func prepare(rec *model.DeliberationRecord) (*model.DeliberationRecord, error) {
	out := *rec

	out.Rounds = make([]model.Round, len(rec.Rounds))
	for i, round := range rec.Rounds {
		mean, stddev := extract.RoundStats(round)
		if round.MeanF == 0 && round.StddevF == 0 {
			round.MeanF, round.StddevF = mean, stddev
		} else if round.MeanF != mean || round.StddevF != stddev {
			return nil, &model.ValidationError{
				Field:  "rounds",
				Reason: fmt.Sprintf("round %d: attached statistics (mean=%v, stddev=%v) do not match evaluations (mean=%v, stddev=%v)", round.RoundNumber, round.MeanF, round.StddevF, mean, stddev),
			}
		}
		out.Rounds[i] = round
	}

	out.Patterns = make([]model.Pattern, len(rec.Patterns))
	for i, p := range rec.Patterns {
		want := extract.PatternAgreement(p, rec)
		if p.AgreementScore == 0 {
			p.AgreementScore = want
		} else if p.AgreementScore != want {
			return nil, &model.ValidationError{
				Field:  "patterns",
				Reason: fmt.Sprintf("pattern %q: agreement_score %v does not match attribution (%v)", p.PatternType, p.AgreementScore, want),
			}
		}
		out.Patterns[i] = p
	}

	// A consensus with zero F and zero RoundCount is absent; anything else is
	// caller-attached and must re-derive exactly.
	want := extract.Consensus(&out)
	if rec.Consensus.F == 0 && rec.Consensus.RoundCount == 0 {
		out.Consensus = want
	} else if rec.Consensus.F != want.F || rec.Consensus.RoundCount != want.RoundCount {
		return nil, &model.ValidationError{
			Field:  "consensus",
			Reason: fmt.Sprintf("attached consensus (F=%v, rounds=%d) does not match evaluations (F=%v, rounds=%d)", rec.Consensus.F, rec.Consensus.RoundCount, want.F, want.RoundCount),
		}
	}

	derived := extract.Dissents(&out)
	if rec.Dissents == nil {
		out.Dissents = derived
	} else if !slices.Equal(rec.Dissents, derived) {
		return nil, &model.ValidationError{
			Field:  "dissents",
			Reason: "attached dissent table does not match pairwise derivation",
		}
	}
	if out.Dissents == nil {
		out.Dissents = []model.Dissent{}
	}

	return &out, nil
}

// encodeTiers serializes the four document tiers.
func encodeTiers(rec *model.DeliberationRecord) (map[model.Tier][]byte, error) {
	patterns := rec.Patterns
	if patterns == nil {
		patterns = []model.Pattern{}
	}
	tiers := map[model.Tier]any{
		model.TierMetadata:  rec.Meta(),
		model.TierRounds:    rec.Rounds,
		model.TierSynthesis: model.Synthesis{Patterns: patterns, Consensus: rec.Consensus},
		model.TierDissents:  rec.Dissents,
	}
	out := make(map[model.Tier][]byte, len(tiers))
	for tier, v := range tiers {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("archive: encode %s tier: %w", tier, err)
		}
		out[tier] = data
	}
	return out, nil
}
