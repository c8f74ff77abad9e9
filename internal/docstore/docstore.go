// Package docstore persists the four document tiers of a deliberation record
// on the local filesystem, partitioned by creation time (year, then month) so
// no single directory grows unbounded.
//
// Record ids are time-ordered UUIDs (version 7), so the partition for any
// tier is a pure function of the id alone: no directory scan is ever needed
// to locate a document. Writes are atomic (temp file + rename); a reader can
// never observe a half-written artifact.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kaigi-ai/gijiroku/internal/model"
)

// ErrNotFound is returned when a requested record or tier does not exist.
var ErrNotFound = errors.New("docstore: not found")

// ErrCorruptArtifact is returned when a stored tier cannot be parsed.
// Readers surface it; they never silently skip a corrupt document.
var ErrCorruptArtifact = errors.New("docstore: corrupt artifact")

// Store is the document storage contract. Implementations must make Put
// atomic with respect to partial writes and must treat the metadata tier as
// the authoritative marker that a record exists. Alternative backends
// (object storage, etc.) may substitute any partitioning scheme as long as
// id -> location stays a pure, collision-free function.
type Store interface {
	// Put writes one tier's serialized payload. Re-putting the same
	// (id, tier) overwrites the prior value.
	Put(ctx context.Context, id uuid.UUID, ts time.Time, tier model.Tier, payload []byte) error

	// Get reads one tier. Returns ErrNotFound if the record or tier is
	// absent.
	Get(ctx context.Context, id uuid.UUID, tier model.Tier) ([]byte, error)

	// GetAll reads every tier. Returns ErrNotFound if the metadata tier is
	// missing, regardless of other tiers.
	GetAll(ctx context.Context, id uuid.UUID) (map[model.Tier][]byte, error)

	// Exists reports whether the metadata tier is present.
	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	// Scan visits every stored record id in partition order. It exists for
	// the re-index recovery path; normal reads never scan.
	Scan(ctx context.Context, fn func(id uuid.UUID) error) error
}
