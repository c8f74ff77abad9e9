package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kaigi-ai/gijiroku/internal/docstore"
	"github.com/kaigi-ai/gijiroku/internal/index"
	"github.com/kaigi-ai/gijiroku/internal/model"
)

// Summary is a hydrated query result: record metadata plus the synthesis
// tier (patterns and consensus). Summaries never load the rounds tier.
type Summary struct {
	Metadata  model.Metadata        `json:"metadata"`
	Patterns  []model.Pattern       `json:"patterns"`
	Consensus model.ConsensusResult `json:"consensus"`
}

// QueryByAttack returns hydrated summaries most recent first. Index hits
// whose synthesis document has gone missing are logged, counted, and skipped
// rather than failing the whole query; Reindex is the recovery path.
func (a *Archive) QueryByAttack(ctx context.Context, q index.AttackQuery) ([]Summary, error) {
	a.queriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "attack")))

	metas, err := a.idx.QueryByAttack(ctx, q)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(metas))
	for _, meta := range metas {
		syn, err := a.loadSynthesis(ctx, meta.ID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				a.inconsistenciesTotal.Add(ctx, 1)
				a.logger.Warn("index row without synthesis document, skipping; run reindex to repair",
					"id", meta.ID, "error", ErrIndexInconsistency)
				continue
			}
			return nil, err
		}
		summaries = append(summaries, Summary{
			Metadata:  meta,
			Patterns:  syn.Patterns,
			Consensus: syn.Consensus,
		})
	}
	return summaries, nil
}

// QueryByPattern returns pattern observations with agreement_score >=
// minAgreement, highest agreement first. Every field the result carries
// lives in the index, so no documents are loaded.
func (a *Archive) QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]index.PatternHit, error) {
	a.queriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "pattern")))
	return a.idx.QueryByPattern(ctx, patternType, minAgreement, limit)
}

// FindDissents returns dissents with f_delta >= minFDelta, largest delta
// first, tie-broken by record timestamp descending then model identifiers.
func (a *Archive) FindDissents(ctx context.Context, minFDelta float64, limit int) ([]index.DissentHit, error) {
	a.queriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "dissent")))
	return a.idx.QueryDissents(ctx, minFDelta, limit)
}

// Get hydrates the full record from all four document tiers. It is the only
// read guaranteed to load everything, including the complete pairwise
// dissent table.
func (a *Archive) Get(ctx context.Context, id uuid.UUID) (*model.DeliberationRecord, error) {
	ctx, span := a.tracer.Start(ctx, "archive.Get")
	defer span.End()
	a.queriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "get")))

	payloads, err := a.docs.GetAll(ctx, id)
	if err != nil {
		return nil, err
	}

	var meta model.Metadata
	if err := decodeTier(id, model.TierMetadata, payloads[model.TierMetadata], &meta); err != nil {
		return nil, err
	}
	var rounds []model.Round
	if err := decodeTier(id, model.TierRounds, payloads[model.TierRounds], &rounds); err != nil {
		return nil, err
	}
	var syn model.Synthesis
	if err := decodeTier(id, model.TierSynthesis, payloads[model.TierSynthesis], &syn); err != nil {
		return nil, err
	}
	var dissents []model.Dissent
	if err := decodeTier(id, model.TierDissents, payloads[model.TierDissents], &dissents); err != nil {
		return nil, err
	}

	return &model.DeliberationRecord{
		ID:              meta.ID,
		Timestamp:       meta.Timestamp,
		Models:          meta.Models,
		AttackID:        meta.AttackID,
		AttackCategory:  meta.AttackCategory,
		Rounds:          rounds,
		Patterns:        syn.Patterns,
		Consensus:       syn.Consensus,
		Dissents:        dissents,
		DurationSeconds: meta.DurationSeconds,
		QuorumValid:     meta.QuorumValid,
		SupersedesID:    meta.SupersedesID,
	}, nil
}

// Stats reports corpus-level counts from the index alone.
func (a *Archive) Stats(ctx context.Context) (index.Stats, error) {
	a.queriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "stats")))
	return a.idx.Stats(ctx)
}

// loadSynthesis reads and parses one record's synthesis tier, deduplicating
// concurrent loads of the same id.
func (a *Archive) loadSynthesis(ctx context.Context, id uuid.UUID) (model.Synthesis, error) {
	v, err, _ := a.hydrations.Do(id.String(), func() (any, error) {
		payload, err := a.docs.Get(ctx, id, model.TierSynthesis)
		if err != nil {
			return nil, err
		}
		var syn model.Synthesis
		if err := decodeTier(id, model.TierSynthesis, payload, &syn); err != nil {
			return nil, err
		}
		return syn, nil
	})
	if err != nil {
		return model.Synthesis{}, err
	}
	return v.(model.Synthesis), nil
}

// decodeTier parses one tier's payload, surfacing parse failures as corrupt
// artifacts rather than skipping them.
func decodeTier(id uuid.UUID, tier model.Tier, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("archive: parse %s tier for %s: %w: %v", tier, id, docstore.ErrCorruptArtifact, err)
	}
	return nil
}
