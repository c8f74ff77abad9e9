package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kaigi-ai/gijiroku/internal/model"
	migrations "github.com/kaigi-ai/gijiroku/migrations/postgres"
)

// Postgres is the shared-deployment index backend.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn, pings the pool, and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("index: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("index: ping pool: %w", err)
	}
	if err := migratePostgres(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// IndexRecord inserts all rows for rec in one transaction, replacing any
// rows a prior write left behind so re-indexing reproduces the original
// write exactly.
func (p *Postgres) IndexRecord(ctx context.Context, rec *model.DeliberationRecord) error {
	models, err := json.Marshal(rec.Models)
	if err != nil {
		return fmt.Errorf("index: marshal models: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// ON DELETE CASCADE clears pattern and dissent rows with the record.
	if _, err := tx.Exec(ctx, `DELETE FROM records WHERE id = $1`, rec.ID); err != nil {
		return fmt.Errorf("index: clear prior rows: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO records (id, ts, models, attack_id, attack_category, consensus_f,
		 empty_chair_influence, duration_seconds, quorum_valid, supersedes_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Timestamp.UTC(), string(models), rec.AttackID, rec.AttackCategory,
		rec.Consensus.F, rec.Consensus.EmptyChairInfluence, rec.DurationSeconds,
		rec.QuorumValid, rec.SupersedesID,
	); err != nil {
		return fmt.Errorf("index: insert record row: %w", err)
	}

	for _, pat := range rec.Patterns {
		attribution, err := json.Marshal(pat.Attribution)
		if err != nil {
			return fmt.Errorf("index: marshal attribution: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO patterns (record_id, pattern_type, agreement_score, attribution, description)
			 VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, pat.PatternType, pat.AgreementScore, string(attribution), pat.Description,
		); err != nil {
			return fmt.Errorf("index: insert pattern row: %w", err)
		}
	}

	for _, d := range rec.Dissents {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dissents (record_id, round_number, model_high, model_low, f_high, f_low, f_delta)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, d.RoundNumber, d.ModelHigh, d.ModelLow, d.FHigh, d.FLow, d.FDelta,
		); err != nil {
			return fmt.Errorf("index: insert dissent row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// HasRecord reports whether a records row exists for id.
func (p *Postgres) HasRecord(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("index: has record: %w", err)
	}
	return exists, nil
}

// DeleteRecord removes all rows for id in one transaction.
func (p *Postgres) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("index: delete record rows: %w", err)
	}
	return nil
}

// QueryByAttack returns record summaries most recent first.
func (p *Postgres) QueryByAttack(ctx context.Context, q AttackQuery) ([]model.Metadata, error) {
	var conditions []string
	var args []any
	idx := 1
	if q.Category != "" {
		conditions = append(conditions, fmt.Sprintf("attack_category = $%d", idx))
		args = append(args, q.Category)
		idx++
	}
	if q.Since != nil {
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", idx))
		args = append(args, q.Since.UTC())
		idx++
	}
	if q.Until != nil {
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", idx))
		args = append(args, q.Until.UTC())
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT id, ts, models, attack_id, attack_category, consensus_f,
		 empty_chair_influence, duration_seconds, quorum_valid, supersedes_id
		 FROM records%s ORDER BY ts DESC, id DESC LIMIT %d`,
		where, clampLimit(q.Limit),
	)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query by attack: %w", err)
	}
	defer rows.Close()

	var out []model.Metadata
	for rows.Next() {
		meta, err := scanMetadataPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: query by attack: %w", err)
	}
	return out, nil
}

// QueryByPattern returns pattern observations ordered by agreement score.
func (p *Postgres) QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]PatternHit, error) {
	query := fmt.Sprintf(
		`SELECT p.record_id, r.ts, p.pattern_type, p.agreement_score, p.attribution, p.description
		 FROM patterns p JOIN records r ON r.id = p.record_id
		 WHERE p.pattern_type = $1 AND p.agreement_score >= $2
		 ORDER BY p.agreement_score DESC, r.ts DESC LIMIT %d`,
		clampLimit(limit),
	)
	rows, err := p.pool.Query(ctx, query, patternType, minAgreement)
	if err != nil {
		return nil, fmt.Errorf("index: query by pattern: %w", err)
	}
	defer rows.Close()

	var out []PatternHit
	for rows.Next() {
		var (
			hit         PatternHit
			attribution []byte
		)
		if err := rows.Scan(&hit.RecordID, &hit.Timestamp, &hit.Pattern.PatternType,
			&hit.Pattern.AgreementScore, &attribution, &hit.Pattern.Description); err != nil {
			return nil, fmt.Errorf("index: scan pattern row: %w", err)
		}
		if err := json.Unmarshal(attribution, &hit.Pattern.Attribution); err != nil {
			return nil, fmt.Errorf("index: unmarshal attribution: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: query by pattern: %w", err)
	}
	return out, nil
}

// QueryDissents returns dissents at or above minDelta, largest first.
func (p *Postgres) QueryDissents(ctx context.Context, minDelta float64, limit int) ([]DissentHit, error) {
	query := fmt.Sprintf(
		`SELECT d.record_id, r.ts, d.round_number, d.model_high, d.model_low, d.f_high, d.f_low, d.f_delta
		 FROM dissents d JOIN records r ON r.id = d.record_id
		 WHERE d.f_delta >= $1
		 ORDER BY d.f_delta DESC, r.ts DESC, d.model_high ASC, d.model_low ASC LIMIT %d`,
		clampLimit(limit),
	)
	rows, err := p.pool.Query(ctx, query, minDelta)
	if err != nil {
		return nil, fmt.Errorf("index: query dissents: %w", err)
	}
	defer rows.Close()

	var out []DissentHit
	for rows.Next() {
		var hit DissentHit
		if err := rows.Scan(&hit.RecordID, &hit.Timestamp, &hit.Dissent.RoundNumber,
			&hit.Dissent.ModelHigh, &hit.Dissent.ModelLow, &hit.Dissent.FHigh,
			&hit.Dissent.FLow, &hit.Dissent.FDelta); err != nil {
			return nil, fmt.Errorf("index: scan dissent row: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: query dissents: %w", err)
	}
	return out, nil
}

// Stats reports corpus-level counts from the index alone.
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var (
		st               Stats
		earliest, latest *time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE quorum_valid), MIN(ts), MAX(ts) FROM records`,
	).Scan(&st.Records, &st.QuorumValid, &earliest, &latest)
	if err != nil {
		return Stats{}, fmt.Errorf("index: stats records: %w", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&st.Patterns); err != nil {
		return Stats{}, fmt.Errorf("index: stats patterns: %w", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dissents`).Scan(&st.Dissents); err != nil {
		return Stats{}, fmt.Errorf("index: stats dissents: %w", err)
	}
	st.EarliestEntry = earliest
	st.LatestEntry = latest
	return st, nil
}

func scanMetadataPostgres(rows pgx.Rows) (model.Metadata, error) {
	var (
		meta   model.Metadata
		models []byte
	)
	if err := rows.Scan(&meta.ID, &meta.Timestamp, &models, &meta.AttackID,
		&meta.AttackCategory, &meta.ConsensusF, &meta.EmptyChairInfluence,
		&meta.DurationSeconds, &meta.QuorumValid, &meta.SupersedesID); err != nil {
		return model.Metadata{}, fmt.Errorf("index: scan record row: %w", err)
	}
	if err := json.Unmarshal(models, &meta.Models); err != nil {
		return model.Metadata{}, fmt.Errorf("index: unmarshal models: %w", err)
	}
	return meta, nil
}
