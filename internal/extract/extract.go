// Package extract derives consensus, dissent, and pattern-agreement values
// from a deliberation record. Every function here is deterministic and
// side-effect free: re-running extraction against a stored record must
// reproduce exactly what was persisted at write time.
package extract

import (
	"math"
	"sort"

	"github.com/kaigi-ai/gijiroku/internal/model"
)

// agreementPrecision fixes the decimal places agreement scores are rounded
// to at write time, so re-derivation is byte-identical to storage.
const agreementPrecision = 4

// Consensus computes the session summary: F is the maximum F-score observed
// across all rounds and all evaluations. Ties are not broken. The empty-chair
// influence is supplied by the evaluator and passed through unchanged.
func Consensus(r *model.DeliberationRecord) model.ConsensusResult {
	maxF := 0.0
	for _, round := range r.Rounds {
		for _, ev := range round.Evaluations {
			if ev.FScore > maxF {
				maxF = ev.FScore
			}
		}
	}
	return model.ConsensusResult{
		F:                   maxF,
		EmptyChairInfluence: r.Consensus.EmptyChairInfluence,
		RoundCount:          len(r.Rounds),
	}
}

// Dissents computes the full pairwise dissent table: for each round, one
// entry per unordered pair of models that both evaluated in that round, with
// ModelHigh/ModelLow assigned so FHigh >= FLow (ties order by model
// identifier). No threshold filtering happens here; filtering is a query-time
// concern only.
func Dissents(r *model.DeliberationRecord) []model.Dissent {
	var out []model.Dissent
	for _, round := range r.Rounds {
		names := make([]string, 0, len(round.Evaluations))
		for name := range round.Evaluations {
			names = append(names, name)
		}
		sort.Strings(names)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				a, b := round.Evaluations[names[i]], round.Evaluations[names[j]]
				high, low := a, b
				if b.FScore > a.FScore {
					high, low = b, a
				}
				out = append(out, model.Dissent{
					RoundNumber: round.RoundNumber,
					ModelHigh:   high.Model,
					ModelLow:    low.Model,
					FHigh:       high.FScore,
					FLow:        low.FScore,
					FDelta:      high.FScore - low.FScore,
				})
			}
		}
	}
	return out
}

// PatternAgreement scores a pattern as the fraction of participating models
// that raised it, clamped to [0,1] and rounded to a fixed precision. Only
// attributed models that actually participate in the record count.
func PatternAgreement(p model.Pattern, r *model.DeliberationRecord) float64 {
	if len(r.Models) == 0 {
		return 0
	}
	known := make(map[string]bool, len(r.Models))
	for _, m := range r.Models {
		known[m] = true
	}
	seen := make(map[string]bool, len(p.Attribution))
	count := 0
	for _, m := range p.Attribution {
		if known[m] && !seen[m] {
			seen[m] = true
			count++
		}
	}
	score := float64(count) / float64(len(r.Models))
	if score > 1 {
		score = 1
	}
	return roundTo(score, agreementPrecision)
}

// RoundStats computes the derived mean and population standard deviation of
// a round's F-scores.
func RoundStats(round model.Round) (mean, stddev float64) {
	n := len(round.Evaluations)
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, ev := range round.Evaluations {
		sum += ev.FScore
	}
	mean = sum / float64(n)
	varSum := 0.0
	for _, ev := range round.Evaluations {
		d := ev.FScore - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(n))
}

// Enrich returns a copy of the record with derived fields populated:
// consensus, the pairwise dissent table, per-round summary statistics, and
// pattern agreement scores. Callers that hand in a raw evaluator result get
// the same derivations a pre-enriched record would carry.
func Enrich(r *model.DeliberationRecord) *model.DeliberationRecord {
	out := *r
	out.Rounds = make([]model.Round, len(r.Rounds))
	for i, round := range r.Rounds {
		round.MeanF, round.StddevF = RoundStats(round)
		out.Rounds[i] = round
	}
	out.Patterns = make([]model.Pattern, len(r.Patterns))
	for i, p := range r.Patterns {
		p.AgreementScore = PatternAgreement(p, r)
		out.Patterns[i] = p
	}
	out.Consensus = Consensus(&out)
	out.Dissents = Dissents(&out)
	return &out
}

func roundTo(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
