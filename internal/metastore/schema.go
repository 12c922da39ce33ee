package metastore

// schema is portable between Postgres and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_watermark (
		table_name        TEXT PRIMARY KEY,
		last_load_type    TEXT NOT NULL,
		last_delta_column TEXT,
		last_delta_value  TIMESTAMP,
		last_max_id       BIGINT NOT NULL DEFAULT 0,
		last_row_count    BIGINT NOT NULL DEFAULT 0,
		last_batch_id     TEXT,
		last_success_at   TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		run_id            TEXT PRIMARY KEY,
		table_name        TEXT NOT NULL,
		state             TEXT NOT NULL,
		loaded            BOOLEAN NOT NULL DEFAULT FALSE,
		watermark_pending BOOLEAN NOT NULL DEFAULT FALSE,
		started_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
		payload           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_table ON sync_jobs (table_name, started_at)`,
	`CREATE TABLE IF NOT EXISTS sync_chunks (
		run_id     TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		status     TEXT NOT NULL,
		row_count  BIGINT NOT NULL DEFAULT 0,
		location   TEXT,
		checksum   TEXT,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		range_spec TEXT NOT NULL,
		PRIMARY KEY (run_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_load_stats (
		run_id             TEXT NOT NULL,
		pipeline_name      TEXT,
		trigger_type       TEXT,
		source_system_id   TEXT,
		source_system_name TEXT,
		run_started_at     TIMESTAMP NOT NULL,
		run_ended_at       TIMESTAMP NOT NULL,
		source_schema      TEXT,
		source_table       TEXT NOT NULL,
		target_schema      TEXT,
		target_table       TEXT NOT NULL,
		load_type          TEXT NOT NULL,
		delta_column       TEXT,
		delta_start        TIMESTAMP,
		delta_end          TIMESTAMP,
		rows_read          BIGINT NOT NULL DEFAULT 0,
		rows_loaded        BIGINT NOT NULL DEFAULT 0,
		rows_rejected      BIGINT NOT NULL DEFAULT 0,
		chunks_processed   INTEGER NOT NULL DEFAULT 0,
		sampled            BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms        BIGINT NOT NULL DEFAULT 0,
		success            BOOLEAN NOT NULL,
		error_message      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_load_stats_run ON sync_load_stats (run_id)`,
	`CREATE TABLE IF NOT EXISTS sync_data_quality (
		run_id             TEXT NOT NULL,
		table_name         TEXT NOT NULL,
		check_type         TEXT NOT NULL,
		column_name        TEXT,
		source_value       DOUBLE PRECISION,
		target_value       DOUBLE PRECISION,
		difference         DOUBLE PRECISION,
		difference_percent DOUBLE PRECISION,
		tolerance          DOUBLE PRECISION,
		passed             BOOLEAN NOT NULL,
		checked_at         TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_data_quality_run ON sync_data_quality (run_id)`,
}
