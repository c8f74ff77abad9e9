package gijiroku

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DocumentStore is the document storage extension point. When provided via
// WithDocumentStore, it replaces the built-in filesystem store, so an object
// storage or network backend can be substituted without changing the writer
// or the query engine.
//
// Implementations must make Put atomic with respect to partial writes, must
// treat the metadata tier as the authoritative existence marker, and may use
// any partitioning scheme as long as id -> location stays a pure,
// collision-free function.
type DocumentStore interface {
	// Put writes one tier's serialized payload; re-putting the same
	// (id, tier) overwrites the prior value.
	Put(ctx context.Context, id uuid.UUID, ts time.Time, tier string, payload []byte) error

	// Get reads one tier. A missing record or tier must surface as an
	// error matching ErrNotFound.
	Get(ctx context.Context, id uuid.UUID, tier string) ([]byte, error)

	// GetAll reads every tier, failing with ErrNotFound if metadata is
	// missing and failing entirely rather than returning a partial record.
	GetAll(ctx context.Context, id uuid.UUID) (map[string][]byte, error)

	// Exists reports whether the metadata tier is present.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	// Scan visits every stored record id; only the re-index recovery path
	// calls it.
	Scan(ctx context.Context, fn func(id uuid.UUID) error) error
}

// Index is the structured index extension point. When provided via
// WithIndex, it replaces the built-in SQLite/Postgres backends. IndexRecord
// must be transactional per record (all rows commit together or none do) and
// must replace prior rows for the same id so re-indexing reproduces the
// original write exactly.
type Index interface {
	IndexRecord(ctx context.Context, rec DeliberationRecord) error
	HasRecord(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error

	QueryByAttack(ctx context.Context, q AttackQuery) ([]RecordMetadata, error)
	QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]PatternHit, error)
	QueryDissents(ctx context.Context, minDelta float64, limit int) ([]DissentHit, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
