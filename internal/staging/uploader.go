// Package staging moves extracted artifacts into the object store, verifies
// them, and removes a job's staged objects once the job is done with them.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/connector/minio"
	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/extract"
	"github.com/nucleus/ucl-sync/internal/retry"
)

// Options tune staging.
type Options struct {
	Bucket string
	Prefix string
	Retry  retry.Policy
	// OnRetry observes failed attempts.
	OnRetry retry.NotifyFunc
}

// Uploader stages artifacts into an ObjectStore.
type Uploader struct {
	store  minio.ObjectStore
	opts   Options
	logger *zap.Logger
}

// New builds an Uploader.
func New(store minio.ObjectStore, opts Options, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Uploader{store: store, opts: opts, logger: logger.Named("staging")}
}

// Bucket returns the staging bucket.
func (u *Uploader) Bucket() string { return u.opts.Bucket }

// JobPrefix is the object prefix owning every artifact of a job.
func (u *Uploader) JobPrefix(job *core.SyncJob) string {
	return minio.JoinKey(u.opts.Prefix, job.Table(), job.RunID) + "/"
}

// Key is the object key of one chunk.
func (u *Uploader) Key(job *core.SyncJob, index int) string {
	return minio.JoinKey(u.opts.Prefix, job.Table(), job.RunID, fmt.Sprintf("chunk_%06d.csv", index))
}

// Stage uploads art, verifies the stored size and checksum, and only then
// removes the local file. A chunk already STAGED under the same checksum is left alone.
func (u *Uploader) Stage(ctx context.Context, job *core.SyncJob, chunk core.Chunk, art *extract.Artifact) (core.Chunk, error) {
	key := u.Key(job, chunk.Index)
	log := u.logger.With(zap.String("run_id", job.RunID), zap.String("table", job.Table()), zap.Int("chunk", chunk.Index))

	if chunk.Status == core.ChunkStaged && chunk.Checksum == art.Checksum {
		if err := u.Verify(ctx, job, chunk); err == nil {
			log.Debug("chunk already staged")
			removeLocal(log, art.Path)
			return chunk, nil
		}
	}

	err := u.opts.Retry.Do(ctx, func(int) error {
		return u.put(ctx, job, chunk.Index, key, art)
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("staging attempt failed", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if u.opts.OnRetry != nil {
			u.opts.OnRetry(attempt, err, wait)
		}
	})
	if err != nil {
		if core.NeedsReextract(err) {
			return chunk, err
		}
		return chunk, core.StagingError(job.Table(), chunk.Index, err)
	}

	removeLocal(log, art.Path)

	chunk.Status = core.ChunkStaged
	chunk.Location = key
	chunk.Checksum = art.Checksum
	chunk.Size = art.Size
	chunk.RowCount = art.Rows
	log.Info("chunk staged", zap.String("key", key), zap.Int64("bytes", art.Size))
	return chunk, nil
}

func (u *Uploader) put(ctx context.Context, job *core.SyncJob, index int, key string, art *extract.Artifact) error {
	f, err := os.Open(art.Path)
	if err != nil {
		// the local artifact is gone; only a new extraction can restore it
		return &core.Error{Kind: core.KindStaging, Table: job.Table(), Chunk: index, Reextract: true, Err: err}
	}
	defer f.Close()

	if err := u.store.PutObject(ctx, u.opts.Bucket, key, f, art.Size, art.Checksum); err != nil {
		return err
	}
	info, err := u.store.StatObject(ctx, u.opts.Bucket, key)
	if err != nil {
		return err
	}
	if info.Size != art.Size {
		return core.ChecksumMismatch(job.Table(), index, fmt.Sprintf("%d bytes", art.Size), fmt.Sprintf("%d bytes", info.Size))
	}
	if info.Checksum != art.Checksum {
		return core.ChecksumMismatch(job.Table(), index, art.Checksum, info.Checksum)
	}
	return nil
}

// Verify checks a STAGED chunk is still present with its recorded size and checksum.
func (u *Uploader) Verify(ctx context.Context, job *core.SyncJob, chunk core.Chunk) error {
	if chunk.Location == "" {
		return &core.Error{Kind: core.KindStaging, Table: job.Table(), Chunk: chunk.Index, Reextract: true, Err: errors.New("chunk has no staged location")}
	}
	info, err := u.store.StatObject(ctx, u.opts.Bucket, chunk.Location)
	if err != nil {
		if minio.IsNotFound(err) {
			return &core.Error{Kind: core.KindStaging, Table: job.Table(), Chunk: chunk.Index, Reextract: true, Err: err}
		}
		return core.StagingError(job.Table(), chunk.Index, err)
	}
	if info.Size != chunk.Size || info.Checksum != chunk.Checksum {
		return core.ChecksumMismatch(job.Table(), chunk.Index, chunk.Checksum, info.Checksum)
	}
	return nil
}

// Cleanup deletes every staged object of job.
func (u *Uploader) Cleanup(ctx context.Context, job *core.SyncJob) error {
	prefix := u.JobPrefix(job)
	keys, err := u.store.ListPrefix(ctx, u.opts.Bucket, prefix)
	if err != nil {
		return core.StagingError(job.Table(), core.NoChunk, fmt.Errorf("list %s: %w", prefix, err))
	}
	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, u.store.RemoveObject(ctx, u.opts.Bucket, key))
	}
	if errs != nil {
		return core.StagingError(job.Table(), core.NoChunk, errs)
	}
	u.logger.Info("staged artifacts removed",
		zap.String("run_id", job.RunID),
		zap.String("table", job.Table()),
		zap.Int("objects", len(keys)))
	return nil
}

func removeLocal(log *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("could not remove local artifact", zap.String("path", path), zap.Error(err))
	}
}
