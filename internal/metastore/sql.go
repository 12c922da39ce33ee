package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Config holds the metadata database connection.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore implements Store over database/sql for Postgres and SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the metadata database.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Driver == "sqlite3" {
		// a single writer avoids SQLITE_BUSY between workers
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metadata store: %w", err)
	}
	return NewSQLStore(db, cfg.Driver, logger), nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, driver string, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, driver: driver, logger: logger.Named("metastore"), now: time.Now}
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the metadata tables when absent.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create metadata schema: %w", err)
		}
	}
	s.logger.Info("metadata schema ready", zap.String("driver", s.driver))
	return nil
}

func (s *SQLStore) Get(ctx context.Context, table string) (*core.Watermark, error) {
	var (
		wm                core.Watermark
		loadType          string
		deltaCol, batchID sql.NullString
		deltaVal, success sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT table_name, last_load_type, last_delta_column, last_delta_value,
		       last_max_id, last_row_count, last_batch_id, last_success_at
		FROM sync_watermark
		WHERE table_name = ?`), table).Scan(
		&wm.Table, &loadType, &deltaCol, &deltaVal,
		&wm.LastMaxID, &wm.LastRowCount, &batchID, &success,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", table, err)
	}
	wm.LastLoadType = core.LoadType(loadType)
	wm.LastDeltaColumn = deltaCol.String
	wm.LastDeltaValue = timeOf(deltaVal)
	wm.LastBatchID = batchID.String
	wm.LastSuccessAt = timeOf(success)
	return &wm, nil
}

func (s *SQLStore) Set(ctx context.Context, table string, wm core.Watermark) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_watermark (
			table_name, last_load_type, last_delta_column, last_delta_value,
			last_max_id, last_row_count, last_batch_id, last_success_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET
			last_load_type = excluded.last_load_type,
			last_delta_column = excluded.last_delta_column,
			last_delta_value = excluded.last_delta_value,
			last_max_id = excluded.last_max_id,
			last_row_count = excluded.last_row_count,
			last_batch_id = excluded.last_batch_id,
			last_success_at = excluded.last_success_at,
			updated_at = excluded.updated_at`),
		table, string(wm.LastLoadType), nullString(wm.LastDeltaColumn), nullTime(wm.LastDeltaValue),
		wm.LastMaxID, wm.LastRowCount, nullString(wm.LastBatchID), nullTime(wm.LastSuccessAt), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) SaveJob(ctx context.Context, job *core.SyncJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.RunID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_jobs (run_id, table_name, state, loaded, watermark_pending, started_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			loaded = excluded.loaded,
			watermark_pending = excluded.watermark_pending,
			updated_at = excluded.updated_at,
			payload = excluded.payload`),
		job.RunID, job.Table(), string(job.State), job.Loaded, job.WatermarkPending,
		job.StartedAt.UTC(), s.now().UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.RunID, err)
	}
	return nil
}

func (s *SQLStore) SaveChunk(ctx context.Context, runID string, chunk core.Chunk) error {
	rng, err := json.Marshal(chunk.Range)
	if err != nil {
		return fmt.Errorf("encode chunk range: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_chunks (run_id, idx, status, row_count, location, checksum, size_bytes, range_spec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			status = excluded.status,
			row_count = excluded.row_count,
			location = excluded.location,
			checksum = excluded.checksum,
			size_bytes = excluded.size_bytes,
			range_spec = excluded.range_spec`),
		runID, chunk.Index, string(chunk.Status), chunk.RowCount,
		nullString(chunk.Location), nullString(chunk.Checksum), chunk.Size, string(rng),
	)
	if err != nil {
		return fmt.Errorf("save chunk %s/%d: %w", runID, chunk.Index, err)
	}
	return nil
}

func (s *SQLStore) LatestJob(ctx context.Context, table string) (*core.SyncJob, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT payload FROM sync_jobs
		WHERE table_name = ?
		ORDER BY started_at DESC, run_id DESC
		LIMIT 1`), table).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest job %s: %w", table, err)
	}
	var job core.SyncJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (s *SQLStore) Chunks(ctx context.Context, runID string) ([]core.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT idx, status, row_count, location, checksum, size_bytes, range_spec
		FROM sync_chunks
		WHERE run_id = ?
		ORDER BY idx`), runID)
	if err != nil {
		return nil, fmt.Errorf("list chunks %s: %w", runID, err)
	}
	defer rows.Close()

	var chunks []core.Chunk
	for rows.Next() {
		var (
			c                  core.Chunk
			status, rng        string
			location, checksum sql.NullString
		)
		if err := rows.Scan(&c.Index, &status, &c.RowCount, &location, &checksum, &c.Size, &rng); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(rng), &c.Range); err != nil {
			return nil, fmt.Errorf("decode chunk range: %w", err)
		}
		c.Status = core.ChunkStatus(status)
		c.Location, c.Checksum = location.String, checksum.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLStore) AppendLoadStats(ctx context.Context, r core.LoadStatsRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_load_stats (
			run_id, pipeline_name, trigger_type, source_system_id, source_system_name,
			run_started_at, run_ended_at, source_schema, source_table, target_schema, target_table,
			load_type, delta_column, delta_start, delta_end,
			rows_read, rows_loaded, rows_rejected, chunks_processed, sampled,
			duration_ms, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RunID, nullString(r.PipelineName), nullString(r.TriggerType), nullString(r.SourceSystemID), nullString(r.SourceSystemName),
		r.RunStartedAt.UTC(), r.RunEndedAt.UTC(), nullString(r.SourceSchema), r.SourceTable, nullString(r.TargetSchema), r.TargetTable,
		string(r.LoadType), nullString(r.DeltaColumn), nullTime(r.DeltaStart), nullTime(r.DeltaEnd),
		r.RowsRead, r.RowsLoaded, r.RowsRejected, r.ChunksProcessed, r.Sampled,
		r.DurationMillis, r.Success, nullString(r.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("append load stats %s: %w", r.RunID, err)
	}
	return nil
}

func (s *SQLStore) AppendQualityResults(ctx context.Context, results []core.QualityCheckResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quality append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO sync_data_quality (
			run_id, table_name, check_type, column_name, source_value, target_value,
			difference, difference_percent, tolerance, passed, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare quality append: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx,
			r.RunID, r.Table, string(r.CheckType), nullString(r.Column), r.SourceValue, r.TargetValue,
			r.Difference, r.DifferencePercent, r.Tolerance, r.Passed, r.CheckedAt.UTC(),
		); err != nil {
			return fmt.Errorf("append quality result %s/%s: %w", r.RunID, r.CheckType, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) LoadStats(ctx context.Context, runID string) ([]core.LoadStatsRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT run_id, pipeline_name, trigger_type, source_system_id, source_system_name,
		       run_started_at, run_ended_at, source_schema, source_table, target_schema, target_table,
		       load_type, delta_column, delta_start, delta_end,
		       rows_read, rows_loaded, rows_rejected, chunks_processed, sampled,
		       duration_ms, success, error_message
		FROM sync_load_stats
		WHERE run_id = ?
		ORDER BY run_ended_at`), runID)
	if err != nil {
		return nil, fmt.Errorf("list load stats %s: %w", runID, err)
	}
	defer rows.Close()

	var out []core.LoadStatsRecord
	for rows.Next() {
		var (
			r                                   core.LoadStatsRecord
			pipeline, trigger, sysID, sysName   sql.NullString
			srcSchema, tgtSchema, deltaCol, msg sql.NullString
			loadType                            string
			deltaStart, deltaEnd                sql.NullTime
		)
		if err := rows.Scan(
			&r.RunID, &pipeline, &trigger, &sysID, &sysName,
			&r.RunStartedAt, &r.RunEndedAt, &srcSchema, &r.SourceTable, &tgtSchema, &r.TargetTable,
			&loadType, &deltaCol, &deltaStart, &deltaEnd,
			&r.RowsRead, &r.RowsLoaded, &r.RowsRejected, &r.ChunksProcessed, &r.Sampled,
			&r.DurationMillis, &r.Success, &msg,
		); err != nil {
			return nil, fmt.Errorf("scan load stats: %w", err)
		}
		r.PipelineName, r.TriggerType = pipeline.String, trigger.String
		r.SourceSystemID, r.SourceSystemName = sysID.String, sysName.String
		r.SourceSchema, r.TargetSchema = srcSchema.String, tgtSchema.String
		r.LoadType = core.LoadType(loadType)
		r.DeltaColumn, r.ErrorMessage = deltaCol.String, msg.String
		r.DeltaStart, r.DeltaEnd = timeOf(deltaStart), timeOf(deltaEnd)
		r.RunStartedAt, r.RunEndedAt = r.RunStartedAt.UTC(), r.RunEndedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) QualityResults(ctx context.Context, runID string) ([]core.QualityCheckResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT run_id, table_name, check_type, column_name, source_value, target_value,
		       difference, difference_percent, tolerance, passed, checked_at
		FROM sync_data_quality
		WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("list quality results %s: %w", runID, err)
	}
	defer rows.Close()

	var out []core.QualityCheckResult
	for rows.Next() {
		var (
			r      core.QualityCheckResult
			check  string
			column sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Table, &check, &column, &r.SourceValue, &r.TargetValue,
			&r.Difference, &r.DifferencePercent, &r.Tolerance, &r.Passed, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan quality result: %w", err)
		}
		r.CheckType, r.Column = core.CheckType(check), column.String
		r.CheckedAt = r.CheckedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// rebind rewrites '?' placeholders to $n for Postgres drivers.
func (s *SQLStore) rebind(query string) string {
	if s.driver == "sqlite3" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeOf(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
