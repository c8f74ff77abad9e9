package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports a malformed record. It is always raised before any
// I/O; a record that fails validation is never partially persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("model: invalid record: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the record invariants. Failures are construction-time
// errors, never silent corrections.
func (r *DeliberationRecord) Validate() error {
	if r.ID == uuid.Nil {
		return invalid("id", "must be set")
	}
	if r.Timestamp.IsZero() {
		return invalid("timestamp", "must be set")
	}
	if len(r.Models) == 0 {
		return invalid("models", "must name at least one participant")
	}
	known := make(map[string]bool, len(r.Models))
	for _, m := range r.Models {
		if m == "" {
			return invalid("models", "participant identifier must not be empty")
		}
		if known[m] {
			return invalid("models", "duplicate participant %q", m)
		}
		known[m] = true
	}
	if len(r.Rounds) == 0 {
		return invalid("rounds", "must contain at least one round")
	}
	for i, round := range r.Rounds {
		if round.RoundNumber != i+1 {
			return invalid("rounds", "round_number must be %d at position %d, got %d", i+1, i, round.RoundNumber)
		}
		for key, ev := range round.Evaluations {
			if ev.Model != key {
				return invalid("rounds", "round %d: evaluation keyed %q names model %q", round.RoundNumber, key, ev.Model)
			}
			if !known[ev.Model] {
				return invalid("rounds", "round %d: evaluation by unknown model %q", round.RoundNumber, ev.Model)
			}
			if ev.FScore < 0 || ev.FScore > 1 {
				return invalid("rounds", "round %d: f_score %v for %q outside [0,1]", round.RoundNumber, ev.FScore, ev.Model)
			}
			if ev.LatencySeconds < 0 {
				return invalid("rounds", "round %d: negative latency for %q", round.RoundNumber, ev.Model)
			}
		}
	}
	for _, p := range r.Patterns {
		if p.PatternType == "" {
			return invalid("patterns", "pattern_type must not be empty")
		}
		if p.AgreementScore < 0 || p.AgreementScore > 1 {
			return invalid("patterns", "agreement_score %v outside [0,1]", p.AgreementScore)
		}
	}
	if r.Consensus.EmptyChairInfluence < 0 || r.Consensus.EmptyChairInfluence > 1 {
		return invalid("consensus", "empty_chair_influence %v outside [0,1]", r.Consensus.EmptyChairInfluence)
	}
	if r.DurationSeconds < 0 {
		return invalid("duration_seconds", "must be non-negative")
	}
	return nil
}
