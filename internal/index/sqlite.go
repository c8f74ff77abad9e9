package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kaigi-ai/gijiroku/internal/model"
	migrations "github.com/kaigi-ai/gijiroku/migrations/sqlite"
)

// timeLayout is a fixed-width RFC 3339 variant (always nine fractional
// digits, always UTC) so lexical ordering of the ts column matches
// chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the embedded default index backend.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the index database at path and applies
// pending migrations. Pass ":memory:" for an ephemeral index.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite: %w", err)
	}
	// Every connection to an in-memory database sees its own empty database,
	// so those are pinned to a single connection. File-backed databases keep
	// the pool: WAL lets readers proceed under a writer, and busy_timeout
	// covers writer-writer contention.
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("index: apply pragma: %w", err)
		}
	}
	if err := migrateSQLite(ctx, db, migrations.FS, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// IndexRecord inserts all rows for rec in one transaction, replacing any
// rows a prior write left behind so re-indexing reproduces the original
// write exactly.
func (s *SQLite) IndexRecord(ctx context.Context, rec *model.DeliberationRecord) error {
	models, err := json.Marshal(rec.Models)
	if err != nil {
		return fmt.Errorf("index: marshal models: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := rec.ID.String()
	for _, stmt := range []string{
		`DELETE FROM dissents WHERE record_id = ?`,
		`DELETE FROM patterns WHERE record_id = ?`,
		`DELETE FROM records WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("index: clear prior rows: %w", err)
		}
	}

	var supersedes *string
	if rec.SupersedesID != nil {
		v := rec.SupersedesID.String()
		supersedes = &v
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, ts, models, attack_id, attack_category, consensus_f,
		 empty_chair_influence, duration_seconds, quorum_valid, supersedes_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Timestamp.UTC().Format(timeLayout), string(models),
		rec.AttackID, rec.AttackCategory, rec.Consensus.F,
		rec.Consensus.EmptyChairInfluence, rec.DurationSeconds,
		boolToInt(rec.QuorumValid), supersedes,
	); err != nil {
		return fmt.Errorf("index: insert record row: %w", err)
	}

	for _, p := range rec.Patterns {
		attribution, err := json.Marshal(p.Attribution)
		if err != nil {
			return fmt.Errorf("index: marshal attribution: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patterns (record_id, pattern_type, agreement_score, attribution, description)
			 VALUES (?, ?, ?, ?, ?)`,
			id, p.PatternType, p.AgreementScore, string(attribution), p.Description,
		); err != nil {
			return fmt.Errorf("index: insert pattern row: %w", err)
		}
	}

	for _, d := range rec.Dissents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dissents (record_id, round_number, model_high, model_low, f_high, f_low, f_delta)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, d.RoundNumber, d.ModelHigh, d.ModelLow, d.FHigh, d.FLow, d.FDelta,
		); err != nil {
			return fmt.Errorf("index: insert dissent row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	return nil
}

// HasRecord reports whether a records row exists for id.
func (s *SQLite) HasRecord(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE id = ?`, id.String(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("index: has record: %w", err)
	}
	return n > 0, nil
}

// DeleteRecord removes all rows for id in one transaction.
func (s *SQLite) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM dissents WHERE record_id = ?`,
		`DELETE FROM patterns WHERE record_id = ?`,
		`DELETE FROM records WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id.String()); err != nil {
			return fmt.Errorf("index: delete record rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit delete: %w", err)
	}
	return nil
}

// QueryByAttack returns record summaries most recent first.
func (s *SQLite) QueryByAttack(ctx context.Context, q AttackQuery) ([]model.Metadata, error) {
	var conditions []string
	var args []any
	if q.Category != "" {
		conditions = append(conditions, "attack_category = ?")
		args = append(args, q.Category)
	}
	if q.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	if q.Until != nil {
		conditions = append(conditions, "ts <= ?")
		args = append(args, q.Until.UTC().Format(timeLayout))
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
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query by attack: %w", err)
	}
	defer rows.Close()

	var out []model.Metadata
	for rows.Next() {
		meta, err := scanMetadataSQLite(rows)
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
func (s *SQLite) QueryByPattern(ctx context.Context, patternType string, minAgreement float64, limit int) ([]PatternHit, error) {
	query := fmt.Sprintf(
		`SELECT p.record_id, r.ts, p.pattern_type, p.agreement_score, p.attribution, p.description
		 FROM patterns p JOIN records r ON r.id = p.record_id
		 WHERE p.pattern_type = ? AND p.agreement_score >= ?
		 ORDER BY p.agreement_score DESC, r.ts DESC LIMIT %d`,
		clampLimit(limit),
	)
	rows, err := s.db.QueryContext(ctx, query, patternType, minAgreement)
	if err != nil {
		return nil, fmt.Errorf("index: query by pattern: %w", err)
	}
	defer rows.Close()

	var out []PatternHit
	for rows.Next() {
		var (
			hit         PatternHit
			idStr, ts   string
			attribution string
		)
		if err := rows.Scan(&idStr, &ts, &hit.Pattern.PatternType, &hit.Pattern.AgreementScore, &attribution, &hit.Pattern.Description); err != nil {
			return nil, fmt.Errorf("index: scan pattern row: %w", err)
		}
		if hit.RecordID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("index: parse record id: %w", err)
		}
		if hit.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("index: parse ts: %w", err)
		}
		if err := json.Unmarshal([]byte(attribution), &hit.Pattern.Attribution); err != nil {
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
func (s *SQLite) QueryDissents(ctx context.Context, minDelta float64, limit int) ([]DissentHit, error) {
	query := fmt.Sprintf(
		`SELECT d.record_id, r.ts, d.round_number, d.model_high, d.model_low, d.f_high, d.f_low, d.f_delta
		 FROM dissents d JOIN records r ON r.id = d.record_id
		 WHERE d.f_delta >= ?
		 ORDER BY d.f_delta DESC, r.ts DESC, d.model_high ASC, d.model_low ASC LIMIT %d`,
		clampLimit(limit),
	)
	rows, err := s.db.QueryContext(ctx, query, minDelta)
	if err != nil {
		return nil, fmt.Errorf("index: query dissents: %w", err)
	}
	defer rows.Close()

	var out []DissentHit
	for rows.Next() {
		var (
			hit       DissentHit
			idStr, ts string
		)
		if err := rows.Scan(&idStr, &ts, &hit.Dissent.RoundNumber, &hit.Dissent.ModelHigh,
			&hit.Dissent.ModelLow, &hit.Dissent.FHigh, &hit.Dissent.FLow, &hit.Dissent.FDelta); err != nil {
			return nil, fmt.Errorf("index: scan dissent row: %w", err)
		}
		if hit.RecordID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("index: parse record id: %w", err)
		}
		if hit.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("index: parse ts: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: query dissents: %w", err)
	}
	return out, nil
}

// Stats reports corpus-level counts from the index alone.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var (
		st               Stats
		earliest, latest sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(quorum_valid), 0), MIN(ts), MAX(ts) FROM records`,
	).Scan(&st.Records, &st.QuorumValid, &earliest, &latest)
	if err != nil {
		return Stats{}, fmt.Errorf("index: stats records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&st.Patterns); err != nil {
		return Stats{}, fmt.Errorf("index: stats patterns: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dissents`).Scan(&st.Dissents); err != nil {
		return Stats{}, fmt.Errorf("index: stats dissents: %w", err)
	}
	if earliest.Valid {
		t, err := time.Parse(timeLayout, earliest.String)
		if err != nil {
			return Stats{}, fmt.Errorf("index: parse earliest ts: %w", err)
		}
		st.EarliestEntry = &t
	}
	if latest.Valid {
		t, err := time.Parse(timeLayout, latest.String)
		if err != nil {
			return Stats{}, fmt.Errorf("index: parse latest ts: %w", err)
		}
		st.LatestEntry = &t
	}
	return st, nil
}

func scanMetadataSQLite(rows *sql.Rows) (model.Metadata, error) {
	var (
		meta                  model.Metadata
		idStr, ts, modelsJSON string
		attackID, attackCat   sql.NullString
		quorum                int
		supersedes            sql.NullString
	)
	if err := rows.Scan(&idStr, &ts, &modelsJSON, &attackID, &attackCat,
		&meta.ConsensusF, &meta.EmptyChairInfluence, &meta.DurationSeconds, &quorum, &supersedes); err != nil {
		return model.Metadata{}, fmt.Errorf("index: scan record row: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("index: parse record id: %w", err)
	}
	meta.ID = id
	if meta.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
		return model.Metadata{}, fmt.Errorf("index: parse ts: %w", err)
	}
	if err := json.Unmarshal([]byte(modelsJSON), &meta.Models); err != nil {
		return model.Metadata{}, fmt.Errorf("index: unmarshal models: %w", err)
	}
	if attackID.Valid {
		meta.AttackID = &attackID.String
	}
	if attackCat.Valid {
		meta.AttackCategory = &attackCat.String
	}
	meta.QuorumValid = quorum != 0
	if supersedes.Valid {
		sid, err := uuid.Parse(supersedes.String)
		if err != nil {
			return model.Metadata{}, fmt.Errorf("index: parse supersedes id: %w", err)
		}
		meta.SupersedesID = &sid
	}
	return meta, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
