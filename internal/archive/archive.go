// Package archive is the write and query engine over the document store and
// the structured index. The writer decomposes a validated record into its
// four tiers, commits documents first, then index rows; queries consult the
// index first and hydrate only what the caller's result shape needs.
package archive

import (
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kaigi-ai/gijiroku/internal/docstore"
	"github.com/kaigi-ai/gijiroku/internal/index"
	"github.com/kaigi-ai/gijiroku/internal/telemetry"
)

// ErrDuplicateID is returned when storing a record whose id already has a
// metadata document and no overwrite flag was passed.
var ErrDuplicateID = errors.New("archive: duplicate record id")

// ErrIndexInconsistency marks a query hit whose document is missing. The
// query logs and skips the entry; the operator recovery path is Reindex.
var ErrIndexInconsistency = errors.New("archive: index row without document")

// Archive couples one document store with one structured index.
type Archive struct {
	docs   docstore.Store
	idx    index.Index
	logger *slog.Logger
	tracer trace.Tracer

	// hydrations deduplicates concurrent synthesis loads for the same id.
	hydrations singleflight.Group

	storedTotal          metric.Int64Counter
	storeSeconds         metric.Float64Histogram
	queriesTotal         metric.Int64Counter
	inconsistenciesTotal metric.Int64Counter
	reindexedTotal       metric.Int64Counter
}

// New wires an archive over the given backends.
func New(docs docstore.Store, idx index.Index, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("gijiroku/archive")
	storedTotal, _ := meter.Int64Counter("gijiroku.records.stored",
		metric.WithDescription("Total deliberation records persisted"))
	storeSeconds, _ := meter.Float64Histogram("gijiroku.store.duration",
		metric.WithDescription("Store latency in seconds"),
		metric.WithUnit("s"))
	queriesTotal, _ := meter.Int64Counter("gijiroku.queries",
		metric.WithDescription("Total queries served, by kind"))
	inconsistenciesTotal, _ := meter.Int64Counter("gijiroku.index.inconsistencies",
		metric.WithDescription("Query hits whose document was missing"))
	reindexedTotal, _ := meter.Int64Counter("gijiroku.records.reindexed",
		metric.WithDescription("Records re-indexed by recovery scans"))

	return &Archive{
		docs:                 docs,
		idx:                  idx,
		logger:               logger,
		tracer:               telemetry.Tracer("gijiroku/archive"),
		storedTotal:          storedTotal,
		storeSeconds:         storeSeconds,
		queriesTotal:         queriesTotal,
		inconsistenciesTotal: inconsistenciesTotal,
		reindexedTotal:       reindexedTotal,
	}
}
