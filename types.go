package gijiroku

import (
	"time"

	"github.com/google/uuid"
)

// DeliberationRecord is the public representation of one completed
// multi-round, multi-model evaluation session. It is a curated view of the
// internal record model for use by embedders and extension interfaces.
// No internal package imports — safe to use from outside the module.
type DeliberationRecord struct {
	ID        uuid.UUID
	Timestamp time.Time
	Models    []string

	AttackID       *string
	AttackCategory *string

	Rounds    []Round
	Patterns  []Pattern
	Consensus ConsensusResult
	Dissents  []Dissent

	DurationSeconds float64
	QuorumValid     bool

	// SupersedesID links a correcting record to the record it replaces;
	// stored records are never edited in place.
	SupersedesID *uuid.UUID
}

// Round is one synchronized evaluation pass, keyed by model identifier.
type Round struct {
	RoundNumber int
	Evaluations map[string]Evaluation
	MeanF       float64
	StddevF     float64
}

// Evaluation is a single model's scored assessment within one round.
type Evaluation struct {
	Model          string
	FScore         float64
	Reasoning      string
	LatencySeconds float64
}

// Pattern is a behaviour observed by one or more models during the session.
type Pattern struct {
	PatternType    string
	AgreementScore float64
	Attribution    []string
	Description    string
}

// ConsensusResult is the session-level summary: F is the maximum F-score
// observed across all rounds, not an average.
type ConsensusResult struct {
	F                   float64
	EmptyChairInfluence float64
	RoundCount          int
}

// Dissent is a pairwise disagreement between two models' F-scores within
// the same round. Always derived, never hand-authored.
type Dissent struct {
	RoundNumber int
	ModelHigh   string
	ModelLow    string
	FHigh       float64
	FLow        float64
	FDelta      float64
}

// RecordMetadata is the indexed summary row for one record.
type RecordMetadata struct {
	ID                  uuid.UUID
	Timestamp           time.Time
	Models              []string
	AttackID            *string
	AttackCategory      *string
	ConsensusF          float64
	EmptyChairInfluence float64
	DurationSeconds     float64
	QuorumValid         bool
	SupersedesID        *uuid.UUID
}

// Summary is a hydrated query result: metadata plus the synthesis tier.
// Summaries never carry the rounds tier.
type Summary struct {
	Metadata  RecordMetadata
	Patterns  []Pattern
	Consensus ConsensusResult
}

// PatternHit is one pattern observation joined with its record's identity.
type PatternHit struct {
	RecordID  uuid.UUID
	Timestamp time.Time
	Pattern   Pattern
}

// DissentHit is one dissent joined with its record's identity.
type DissentHit struct {
	RecordID  uuid.UUID
	Timestamp time.Time
	Dissent   Dissent
}

// AttackQuery filters record summaries. An empty Category matches every
// record; Since/Until bound the record timestamp when set. Limit follows the
// shared clamp policy (default 50, max 1000).
type AttackQuery struct {
	Category string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// StoreOptions controls a single Store call.
type StoreOptions struct {
	// Overwrite permits replacing an existing record. Reserved for
	// operator-driven re-synthesis; application code never sets it.
	Overwrite bool
}

// Stats summarises the indexed corpus.
type Stats struct {
	Records       int64
	Patterns      int64
	Dissents      int64
	QuorumValid   int64
	EarliestEntry *time.Time
	LatestEntry   *time.Time
}

// ReindexReport summarises one index recovery scan.
type ReindexReport struct {
	Scanned int64
	Indexed int64
	Failed  int64
}

// Tier names for the four document artifacts of a record.
const (
	TierMetadata  = "metadata"
	TierRounds    = "rounds"
	TierSynthesis = "synthesis"
	TierDissents  = "dissents"
)
