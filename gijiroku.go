// Package gijiroku is the public API for embedding the deliberation archive:
// a hybrid storage and query engine that persists multi-agent deliberation
// records as hierarchical document tiers and indexes their metadata, pattern
// observations, and dissent tables for fast filtered queries.
//
//	arc, err := gijiroku.New(ctx,
//	    gijiroku.WithDataDir("/var/lib/gijiroku"),
//	    gijiroku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer arc.Close(ctx)
//
//	stored, err := arc.Store(ctx, record, gijiroku.StoreOptions{})
//
// The import graph enforces a strict no-cycle rule: gijiroku (root) imports
// internal/*, but internal/* never imports gijiroku (root). Public types
// (DeliberationRecord, Summary, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package gijiroku

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kaigi-ai/gijiroku/internal/archive"
	"github.com/kaigi-ai/gijiroku/internal/config"
	"github.com/kaigi-ai/gijiroku/internal/docstore"
	"github.com/kaigi-ai/gijiroku/internal/index"
	"github.com/kaigi-ai/gijiroku/internal/model"
	"github.com/kaigi-ai/gijiroku/internal/telemetry"
)

// Sentinel errors surfaced by Archive methods. Match with errors.Is.
var (
	// ErrNotFound is returned when a record or tier does not exist.
	ErrNotFound = docstore.ErrNotFound
	// ErrCorruptArtifact is returned when a stored tier fails to parse.
	ErrCorruptArtifact = docstore.ErrCorruptArtifact
	// ErrDuplicateID is returned when storing an id that already exists
	// without StoreOptions.Overwrite.
	ErrDuplicateID = archive.ErrDuplicateID
	// ErrIndexInconsistency marks an index row whose document is missing.
	ErrIndexInconsistency = archive.ErrIndexInconsistency
)

// ValidationError reports a malformed record, raised before any I/O.
type ValidationError = model.ValidationError

// NewRecordID generates a record identifier. Identifiers are time-ordered
// (UUID version 7); the built-in document store derives the year/month
// partition from the id alone.
func NewRecordID() uuid.UUID { return model.NewID() }

// Archive is the deliberation archive lifecycle. Construct with New(), and
// Close() when done. Archive has no public fields — use New() options to
// configure it.
type Archive struct {
	arc          *archive.Archive
	idx          index.Index
	logger       *slog.Logger
	otelShutdown telemetry.Shutdown
}

// New initialises the archive. It opens the document store root, connects
// the structured index backend, runs index migrations, and wires telemetry.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.indexDriver != "" {
		cfg.IndexDriver = o.indexDriver
	}
	if o.indexDSN != "" {
		cfg.IndexDSN = o.indexDSN
	} else if o.dataDir != "" && cfg.IndexDriver == config.DriverSQLite && os.Getenv("GIJIROKU_INDEX_DSN") == "" {
		// Re-derive the default sqlite path: Load computed it from the
		// pre-override data dir.
		cfg.IndexDSN = filepath.Join(cfg.DataDir, "index.db")
	}
	if o.otelEndpoint != "" {
		cfg.OTELEndpoint = o.otelEndpoint
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		}))
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, o.otelInsecure)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var docs docstore.Store
	if o.docs != nil {
		docs = &docStoreAdapter{ds: o.docs}
	} else {
		fsStore, err := docstore.NewFSStore(docstore.FSConfig{
			Root:           cfg.DataDir,
			MaxRetries:     cfg.WriteRetries,
			RetryBaseDelay: cfg.WriteRetryBase,
		}, logger)
		if err != nil {
			return nil, err
		}
		docs = fsStore
	}

	var idx index.Index
	switch {
	case o.idx != nil:
		idx = &indexAdapter{idx: o.idx}
	case cfg.IndexDriver == config.DriverPostgres:
		idx, err = index.OpenPostgres(ctx, cfg.IndexDSN, logger)
	default:
		idx, err = index.OpenSQLite(ctx, cfg.IndexDSN, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	logger.Info("archive ready",
		"data_dir", cfg.DataDir,
		"index_driver", cfg.IndexDriver,
		"version", version)

	return &Archive{
		arc:          archive.New(docs, idx, logger),
		idx:          idx,
		logger:       logger,
		otelShutdown: otelShutdown,
	}, nil
}

// Close releases the index backend and flushes telemetry.
func (a *Archive) Close(ctx context.Context) error {
	var firstErr error
	if err := a.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Store validates rec, derives any unattached computed fields, persists the
// four document tiers, then commits the index rows. It fails with
// ErrDuplicateID when the id already exists and opts.Overwrite is false.
// The returned record carries the derived fields as persisted.
func (a *Archive) Store(ctx context.Context, rec DeliberationRecord, opts StoreOptions) (DeliberationRecord, error) {
	stored, err := a.arc.Store(ctx, toInternalRecord(rec), archive.StoreOptions{Overwrite: opts.Overwrite})
	if err != nil {
		return DeliberationRecord{}, err
	}
	return toPublicRecord(stored), nil
}

// Get hydrates the full record, including the complete pairwise dissent
// table. Fails with ErrNotFound if the record is absent.
func (a *Archive) Get(ctx context.Context, id uuid.UUID) (DeliberationRecord, error) {
	rec, err := a.arc.Get(ctx, id)
	if err != nil {
		return DeliberationRecord{}, err
	}
	return toPublicRecord(rec), nil
}

// QueryByAttack returns hydrated summaries most recent first.
func (a *Archive) QueryByAttack(ctx context.Context, q AttackQuery) ([]Summary, error) {
	hits, err := a.arc.QueryByAttack(ctx, index.AttackQuery{
		Category: q.Category,
		Since:    q.Since,
		Until:    q.Until,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(hits))
	for i, h := range hits {
		out[i] = Summary{
			Metadata:  RecordMetadata(h.Metadata),
			Patterns:  toPublicPatterns(h.Patterns),
			Consensus: ConsensusResult(h.Consensus),
		}
	}
	return out, nil
}

// QueryByPattern returns pattern observations with
// agreement_score >= minAgreement, highest agreement first.
func (a *Archive) QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]PatternHit, error) {
	hits, err := a.arc.QueryByPattern(ctx, patternType, minAgreement, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PatternHit, len(hits))
	for i, h := range hits {
		out[i] = PatternHit{RecordID: h.RecordID, Timestamp: h.Timestamp, Pattern: Pattern(h.Pattern)}
	}
	return out, nil
}

// FindDissents returns dissents with f_delta >= minFDelta, largest delta
// first, tie-broken by record timestamp descending then model identifiers.
func (a *Archive) FindDissents(ctx context.Context, minFDelta float64, limit int) ([]DissentHit, error) {
	hits, err := a.arc.FindDissents(ctx, minFDelta, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DissentHit, len(hits))
	for i, h := range hits {
		out[i] = DissentHit{RecordID: h.RecordID, Timestamp: h.Timestamp, Dissent: Dissent(h.Dissent)}
	}
	return out, nil
}

// Reindex rebuilds the structured index by scanning the document store.
// It is the recovery path for crashes between document and index commit and
// for index corruption or loss.
func (a *Archive) Reindex(ctx context.Context) (ReindexReport, error) {
	report, err := a.arc.Reindex(ctx)
	if err != nil {
		return ReindexReport{}, err
	}
	return ReindexReport(report), nil
}

// Verify re-runs the extraction algorithms against a stored record and
// checks that they reproduce exactly what was persisted.
func (a *Archive) Verify(ctx context.Context, id uuid.UUID) error {
	return a.arc.Verify(ctx, id)
}

// Stats reports corpus-level counts from the index alone.
func (a *Archive) Stats(ctx context.Context) (Stats, error) {
	st, err := a.arc.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats(st), nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// --- conversions between the public types and internal/model ---

func toPublicRecord(rec *model.DeliberationRecord) DeliberationRecord {
	out := DeliberationRecord{
		ID:              rec.ID,
		Timestamp:       rec.Timestamp,
		Models:          rec.Models,
		AttackID:        rec.AttackID,
		AttackCategory:  rec.AttackCategory,
		Rounds:          make([]Round, len(rec.Rounds)),
		Patterns:        toPublicPatterns(rec.Patterns),
		Consensus:       ConsensusResult(rec.Consensus),
		Dissents:        make([]Dissent, len(rec.Dissents)),
		DurationSeconds: rec.DurationSeconds,
		QuorumValid:     rec.QuorumValid,
		SupersedesID:    rec.SupersedesID,
	}
	for i, round := range rec.Rounds {
		evals := make(map[string]Evaluation, len(round.Evaluations))
		for name, ev := range round.Evaluations {
			evals[name] = Evaluation(ev)
		}
		out.Rounds[i] = Round{
			RoundNumber: round.RoundNumber,
			Evaluations: evals,
			MeanF:       round.MeanF,
			StddevF:     round.StddevF,
		}
	}
	for i, d := range rec.Dissents {
		out.Dissents[i] = Dissent(d)
	}
	return out
}

func toInternalRecord(rec DeliberationRecord) *model.DeliberationRecord {
	out := &model.DeliberationRecord{
		ID:              rec.ID,
		Timestamp:       rec.Timestamp,
		Models:          rec.Models,
		AttackID:        rec.AttackID,
		AttackCategory:  rec.AttackCategory,
		Rounds:          make([]model.Round, len(rec.Rounds)),
		Patterns:        toInternalPatterns(rec.Patterns),
		Consensus:       model.ConsensusResult(rec.Consensus),
		DurationSeconds: rec.DurationSeconds,
		QuorumValid:     rec.QuorumValid,
		SupersedesID:    rec.SupersedesID,
	}
	for i, round := range rec.Rounds {
		evals := make(map[string]model.Evaluation, len(round.Evaluations))
		for name, ev := range round.Evaluations {
			evals[name] = model.Evaluation(ev)
		}
		out.Rounds[i] = model.Round{
			RoundNumber: round.RoundNumber,
			Evaluations: evals,
			MeanF:       round.MeanF,
			StddevF:     round.StddevF,
		}
	}
	if rec.Dissents != nil {
		out.Dissents = make([]model.Dissent, len(rec.Dissents))
		for i, d := range rec.Dissents {
			out.Dissents[i] = model.Dissent(d)
		}
	}
	return out
}

func toPublicPatterns(patterns []model.Pattern) []Pattern {
	if patterns == nil {
		return nil
	}
	out := make([]Pattern, len(patterns))
	for i, p := range patterns {
		out[i] = Pattern(p)
	}
	return out
}

func toInternalPatterns(patterns []Pattern) []model.Pattern {
	if patterns == nil {
		return nil
	}
	out := make([]model.Pattern, len(patterns))
	for i, p := range patterns {
		out[i] = model.Pattern(p)
	}
	return out
}

// --- adapters wrapping user-provided extension points for internal use ---

type docStoreAdapter struct{ ds DocumentStore }

func (a *docStoreAdapter) Put(ctx context.Context, id uuid.UUID, ts time.Time, tier model.Tier, payload []byte) error {
	return a.ds.Put(ctx, id, ts, string(tier), payload)
}

func (a *docStoreAdapter) Get(ctx context.Context, id uuid.UUID, tier model.Tier) ([]byte, error) {
	return a.ds.Get(ctx, id, string(tier))
}

func (a *docStoreAdapter) GetAll(ctx context.Context, id uuid.UUID) (map[model.Tier][]byte, error) {
	payloads, err := a.ds.GetAll(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Tier][]byte, len(payloads))
	for tier, data := range payloads {
		out[model.Tier(tier)] = data
	}
	return out, nil
}

func (a *docStoreAdapter) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return a.ds.Exists(ctx, id)
}

func (a *docStoreAdapter) Scan(ctx context.Context, fn func(id uuid.UUID) error) error {
	return a.ds.Scan(ctx, fn)
}

type indexAdapter struct{ idx Index }

func (a *indexAdapter) IndexRecord(ctx context.Context, rec *model.DeliberationRecord) error {
	return a.idx.IndexRecord(ctx, toPublicRecord(rec))
}

func (a *indexAdapter) HasRecord(ctx context.Context, id uuid.UUID) (bool, error) {
	return a.idx.HasRecord(ctx, id)
}

func (a *indexAdapter) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	return a.idx.DeleteRecord(ctx, id)
}

func (a *indexAdapter) QueryByAttack(ctx context.Context, q index.AttackQuery) ([]model.Metadata, error) {
	metas, err := a.idx.QueryByAttack(ctx, AttackQuery{
		Category: q.Category,
		Since:    q.Since,
		Until:    q.Until,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Metadata, len(metas))
	for i, m := range metas {
		out[i] = model.Metadata(m)
	}
	return out, nil
}

func (a *indexAdapter) QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]index.PatternHit, error) {
	hits, err := a.idx.QueryByPattern(ctx, patternType, minAgreement, limit)
	if err != nil {
		return nil, err
	}
	out := make([]index.PatternHit, len(hits))
	for i, h := range hits {
		out[i] = index.PatternHit{RecordID: h.RecordID, Timestamp: h.Timestamp, Pattern: model.Pattern(h.Pattern)}
	}
	return out, nil
}

func (a *indexAdapter) QueryDissents(ctx context.Context, minDelta float64, limit int) ([]index.DissentHit, error) {
	hits, err := a.idx.QueryDissents(ctx, minDelta, limit)
	if err != nil {
		return nil, err
	}
	out := make([]index.DissentHit, len(hits))
	for i, h := range hits {
		out[i] = index.DissentHit{RecordID: h.RecordID, Timestamp: h.Timestamp, Dissent: model.Dissent(h.Dissent)}
	}
	return out, nil
}

func (a *indexAdapter) Stats(ctx context.Context) (index.Stats, error) {
	st, err := a.idx.Stats(ctx)
	if err != nil {
		return index.Stats{}, err
	}
	return index.Stats(st), nil
}

func (a *indexAdapter) Close() error { return a.idx.Close() }
