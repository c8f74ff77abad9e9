// Package index maintains the structured index over deliberation records:
// three relational tables (records, patterns, dissents) that answer filtered
// queries without hydrating full documents. Index rows are derived and
// disposable — they are fully reconstructible by re-scanning the document
// store.
//
// Two backends implement the contract: SQLite (embedded, the default) and
// PostgreSQL (for shared deployments). Both expose the same fixed schema,
// which external analytical tooling may depend on directly.
package index

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kaigi-ai/gijiroku/internal/model"
)

// PatternHit is one pattern observation joined with its record's identity.
type PatternHit struct {
	RecordID  uuid.UUID
	Timestamp time.Time
	Pattern   model.Pattern
}

// DissentHit is one dissent row joined with its record's identity.
type DissentHit struct {
	RecordID  uuid.UUID
	Timestamp time.Time
	Dissent   model.Dissent
}

// AttackQuery filters the records table. An empty Category matches every
// record; Since/Until bound the record timestamp when set.
type AttackQuery struct {
	Category string
	Since    *time.Time
	Until    *time.Time
	Limit    int
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

// Index is the structured index contract. IndexRecord is transactional: all
// rows for a record commit together or none do, and re-indexing the same
// record replaces its rows so recovery reproduces the original write
// exactly. The per-record transaction is the sole point of mutual exclusion;
// unrelated records never serialize against each other.
type Index interface {
	IndexRecord(ctx context.Context, rec *model.DeliberationRecord) error

	// HasRecord reports whether a records row exists for id.
	HasRecord(ctx context.Context, id uuid.UUID) (bool, error)

	// DeleteRecord removes all rows for id in one transaction. Used by
	// overwrite and by index repair; application code has no other path to
	// row removal.
	DeleteRecord(ctx context.Context, id uuid.UUID) error

	// QueryByAttack returns record summaries most recent first.
	QueryByAttack(ctx context.Context, q AttackQuery) ([]model.Metadata, error)

	// QueryByPattern returns pattern observations with
	// agreement_score >= minAgreement, ordered by agreement score
	// descending, then record timestamp descending.
	QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]PatternHit, error)

	// QueryDissents returns dissents with f_delta >= minDelta, ordered by
	// f_delta descending, tie-broken by record timestamp descending, then
	// model_high, then model_low.
	QueryDissents(ctx context.Context, minDelta float64, limit int) ([]DissentHit, error)

	// Stats reports corpus-level counts from the index alone.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// clampLimit applies the shared limit policy for all query methods.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
