// Package extract reads one chunk from the source, normalizes its values and
// writes it to a local delimited artifact.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/connector/jdbc"
	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/retry"
)

// Source is the range read the extractor needs.
type Source interface {
	ReadRange(ctx context.Context, table core.TableRef, r core.Range, fn jdbc.RowFunc) error
}

// Options tune extraction.
type Options struct {
	WorkDir        string
	Delimiter      rune
	FloatPrecision int32
	Retry          retry.Policy
	// OnRetry observes failed attempts.
	OnRetry retry.NotifyFunc
}

// Artifact is one extracted chunk on local disk.
type Artifact struct {
	Chunk    int
	Path     string
	Columns  []string
	Rows     int64
	Size     int64
	Checksum string
}

// Extractor turns chunks into artifacts.
type Extractor struct {
	src    Source
	opts   Options
	norm   Normalizer
	logger *zap.Logger
}

// New builds an Extractor.
func New(src Source, opts Options, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = '|'
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Extractor{
		src:    src,
		opts:   opts,
		norm:   Normalizer{Precision: opts.FloatPrecision},
		logger: logger.Named("extract"),
	}
}

// ArtifactPath is the local path of a chunk's artifact.
func (e *Extractor) ArtifactPath(runID string, index int) string {
	return filepath.Join(e.opts.WorkDir, runID, fmt.Sprintf("chunk_%06d.csv", index))
}

// Extract reads chunk from the source and writes its artifact, retrying
// transient failures. A failed attempt never leaves a partial file behind.
func (e *Extractor) Extract(ctx context.Context, job *core.SyncJob, chunk core.Chunk) (*Artifact, error) {
	path := e.ArtifactPath(job.RunID, chunk.Index)
	log := e.logger.With(zap.String("run_id", job.RunID), zap.String("table", job.Table()), zap.Int("chunk", chunk.Index))

	var art *Artifact
	started := time.Now()
	err := e.opts.Retry.Do(ctx, func(attempt int) error {
		a, err := e.extractOnce(ctx, job, chunk, path)
		if err != nil {
			_ = os.Remove(path)
			return err
		}
		art = a
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("extraction attempt failed", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if e.opts.OnRetry != nil {
			e.opts.OnRetry(attempt, err, wait)
		}
	})
	if err != nil {
		return nil, core.ExtractionError(job.Table(), chunk.Index, err)
	}
	log.Info("chunk extracted",
		zap.Int64("rows", art.Rows),
		zap.Int64("bytes", art.Size),
		zap.Duration("elapsed", time.Since(started)))
	return art, nil
}

func (e *Extractor) extractOnce(ctx context.Context, job *core.SyncJob, chunk core.Chunk, path string) (*Artifact, error) {
	var columns []string
	var raw [][]any
	err := e.src.ReadRange(ctx, job.Spec.Source(), chunk.Range, func(cols []string, row []any) error {
		if columns == nil {
			columns = append([]string(nil), cols...)
		}
		raw = append(raw, append([]any(nil), row...))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", chunk.Range, err)
	}
	if columns == nil {
		columns = columnNames(job.Columns)
	}

	var header []string
	if chunk.Index == 0 {
		header = columns
	}
	size, sum, err := WriteArtifact(path, header, e.norm.Rows(raw), e.opts.Delimiter)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Chunk:    chunk.Index,
		Path:     path,
		Columns:  columns,
		Rows:     int64(len(raw)),
		Size:     size,
		Checksum: sum,
	}, nil
}

func columnNames(cols []core.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
