// Package model defines the deliberation record value types shared by the
// document store, the structured index, and the extraction algorithms.
// Records are immutable once handed to the writer; nothing in this package
// performs I/O.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier names the four document artifacts a record decomposes into.
type Tier string

const (
	TierMetadata  Tier = "metadata"
	TierRounds    Tier = "rounds"
	TierSynthesis Tier = "synthesis"
	TierDissents  Tier = "dissents"
)

// Tiers lists all tiers in decomposition order.
var Tiers = []Tier{TierMetadata, TierRounds, TierSynthesis, TierDissents}

// DeliberationRecord is one completed multi-round, multi-model evaluation
// session. It is constructed in full by the evaluator and never mutated
// after first persistence; corrections are new records with SupersedesID set.
type DeliberationRecord struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Models is the ordered list of participant identifiers. Every
	// Evaluation.Model must appear here.
	Models []string `json:"models"`

	AttackID       *string `json:"attack_id,omitempty"`
	AttackCategory *string `json:"attack_category,omitempty"`

	Rounds    []Round         `json:"rounds"`
	Patterns  []Pattern       `json:"patterns,omitempty"`
	Consensus ConsensusResult `json:"consensus"`

	// Dissents is the full pairwise table derived at write time. It is
	// never hand-authored; extract.Dissents reproduces it exactly.
	Dissents []Dissent `json:"dissents,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`
	QuorumValid     bool    `json:"quorum_valid"`

	// SupersedesID links a correcting record to the record it replaces.
	SupersedesID *uuid.UUID `json:"supersedes_id,omitempty"`
}

// Round is one synchronized pass in which each participating model produced
// an evaluation. Evaluations is keyed by model identifier; a model evaluates
// at most once per round.
type Round struct {
	RoundNumber int                   `json:"round_number"`
	Evaluations map[string]Evaluation `json:"evaluations"`

	// MeanF and StddevF are derived summary statistics over the round's
	// F-scores (population stddev).
	MeanF   float64 `json:"mean_f"`
	StddevF float64 `json:"stddev_f"`
}

// Evaluation is a single model's scored assessment within one round.
type Evaluation struct {
	Model          string  `json:"model"`
	FScore         float64 `json:"f_score"`
	Reasoning      string  `json:"reasoning"`
	LatencySeconds float64 `json:"latency_seconds"`
}

// Pattern is a behaviour observed by one or more models during the session.
type Pattern struct {
	PatternType string `json:"pattern_type"`
	// AgreementScore is the fraction of participating models that observed
	// the pattern, in [0,1], rounded to 4 decimal places at write time.
	AgreementScore float64  `json:"agreement_score"`
	Attribution    []string `json:"attribution"`
	Description    string   `json:"description"`
}

// ConsensusResult is the session-level summary. F is the maximum F-score
// observed across all rounds (most-concerning-signal-wins), not an average.
type ConsensusResult struct {
	F float64 `json:"F"`
	// EmptyChairInfluence is supplied by the evaluator as an opaque value
	// in [0,1] and passed through unchanged.
	EmptyChairInfluence float64 `json:"empty_chair_influence"`
	RoundCount          int     `json:"round_count"`
}

// Dissent is a pairwise disagreement between two models' F-scores within the
// same round. ModelHigh/ModelLow are assigned so FHigh >= FLow; ties order
// by model identifier.
type Dissent struct {
	RoundNumber int     `json:"round_number"`
	ModelHigh   string  `json:"model_high"`
	ModelLow    string  `json:"model_low"`
	FHigh       float64 `json:"f_high"`
	FLow        float64 `json:"f_low"`
	FDelta      float64 `json:"f_delta"`
}

// Synthesis is the third document tier: observed patterns plus the consensus
// summary, stored together.
type Synthesis struct {
	Patterns  []Pattern       `json:"patterns"`
	Consensus ConsensusResult `json:"consensus"`
}

// Metadata is the first document tier and the authoritative existence marker
// for a record. Its fields mirror the records index table.
type Metadata struct {
	ID                  uuid.UUID  `json:"id"`
	Timestamp           time.Time  `json:"timestamp"`
	Models              []string   `json:"models"`
	AttackID            *string    `json:"attack_id,omitempty"`
	AttackCategory      *string    `json:"attack_category,omitempty"`
	ConsensusF          float64    `json:"consensus_F"`
	EmptyChairInfluence float64    `json:"empty_chair_influence"`
	DurationSeconds     float64    `json:"duration_seconds"`
	QuorumValid         bool       `json:"quorum_valid"`
	SupersedesID        *uuid.UUID `json:"supersedes_id,omitempty"`
}

// Meta projects the record's metadata tier.
func (r *DeliberationRecord) Meta() Metadata {
	return Metadata{
		ID:                  r.ID,
		Timestamp:           r.Timestamp,
		Models:              r.Models,
		AttackID:            r.AttackID,
		AttackCategory:      r.AttackCategory,
		ConsensusF:          r.Consensus.F,
		EmptyChairInfluence: r.Consensus.EmptyChairInfluence,
		DurationSeconds:     r.DurationSeconds,
		QuorumValid:         r.QuorumValid,
		SupersedesID:        r.SupersedesID,
	}
}

// NewID generates a record identifier. Identifiers are time-ordered
// (UUID version 7) so storage backends can derive a time partition from the
// id alone.
func NewID() uuid.UUID { return uuid.Must(uuid.NewV7()) }
