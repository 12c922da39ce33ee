// Package metastore persists watermarks, job and chunk state, load statistics
// and quality results. Watermarks, jobs and chunks are atomic upserts keyed by
// table, run id, or run id plus chunk index. Stats and quality results are append-only.
package metastore

import (
	"context"
	"errors"

	"github.com/nucleus/ucl-sync/internal/core"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("metastore: not found")

// WatermarkStore holds one durable cursor per table.
type WatermarkStore interface {
	// Get returns nil, nil when the table has no watermark yet.
	Get(ctx context.Context, table string) (*core.Watermark, error)
	// Set overwrites the table's watermark. Calling it twice with the same value is harmless.
	Set(ctx context.Context, table string, wm core.Watermark) error
}

// MetadataStore records jobs, chunks and their outcomes.
type MetadataStore interface {
	SaveJob(ctx context.Context, job *core.SyncJob) error
	SaveChunk(ctx context.Context, runID string, chunk core.Chunk) error
	// LatestJob returns the most recently started job of a table, or ErrNotFound.
	LatestJob(ctx context.Context, table string) (*core.SyncJob, error)
	Chunks(ctx context.Context, runID string) ([]core.Chunk, error)

	AppendLoadStats(ctx context.Context, rec core.LoadStatsRecord) error
	AppendQualityResults(ctx context.Context, results []core.QualityCheckResult) error
	LoadStats(ctx context.Context, runID string) ([]core.LoadStatsRecord, error)
	QualityResults(ctx context.Context, runID string) ([]core.QualityCheckResult, error)
}

// Store is both stores behind one connection.
type Store interface {
	WatermarkStore
	MetadataStore
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*Memory)(nil)
)
