// Command reindex rebuilds the structured index from the document store.
// Run it after a crash between document and index commit, after index
// corruption, or after losing the index file entirely.
//
// Usage:
//
//	GIJIROKU_DATA_DIR=/var/lib/gijiroku go run ./scripts/reindex
//
// The scan walks every partition directory, re-reads each record's document
// tiers, and replaces its index rows. Records whose documents fail to load
// are logged and skipped; the exit status is non-zero only when the scan
// itself fails.
//
// Safe to run multiple times — indexing a record replaces its prior rows.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kaigi-ai/gijiroku"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	arc, err := gijiroku.New(ctx)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arc.Close(ctx)

	report, err := arc.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	fmt.Printf("scanned %d records, indexed %d, failed %d\n",
		report.Scanned, report.Indexed, report.Failed)
	if report.Failed > 0 {
		fmt.Fprintln(os.Stderr, "some records failed to index; see log output above")
	}
	return nil
}
