package archive

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// reindexParallelism bounds concurrent record loads during a recovery scan.
const reindexParallelism = 8

// ReindexReport summarises one recovery scan.
type ReindexReport struct {
	Scanned int64
	Indexed int64
	Failed  int64
}

// Reindex rebuilds the structured index from the document store. Index rows
// are derived and disposable; rebuilding a record that was already indexed
// reproduces identical rows, so the scan is safe to run at any time —
// after a crash between document and index commit, after index corruption,
// or against a brand-new index database.
//
// Per-record failures (corrupt tiers, unreadable documents) are logged and
// counted; they never abort the rest of the scan.
func (a *Archive) Reindex(ctx context.Context) (ReindexReport, error) {
	ctx, span := a.tracer.Start(ctx, "archive.Reindex")
	defer span.End()

	var ids []uuid.UUID
	if err := a.docs.Scan(ctx, func(id uuid.UUID) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return ReindexReport{}, fmt.Errorf("archive: scan document store: %w", err)
	}

	var indexed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexParallelism)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := a.Get(gctx, id)
			if err != nil {
				failed.Add(1)
				a.logger.Warn("reindex: cannot load record, skipping", "id", id, "error", err)
				return nil
			}
			if err := a.idx.IndexRecord(gctx, rec); err != nil {
				failed.Add(1)
				a.logger.Warn("reindex: cannot index record, skipping", "id", id, "error", err)
				return nil
			}
			indexed.Add(1)
			a.reindexedTotal.Add(gctx, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReindexReport{}, err
	}

	report := ReindexReport{
		Scanned: int64(len(ids)),
		Indexed: indexed.Load(),
		Failed:  failed.Load(),
	}
	a.logger.Info("reindex complete",
		"scanned", report.Scanned, "indexed", report.Indexed, "failed", report.Failed)
	return report, nil
}
