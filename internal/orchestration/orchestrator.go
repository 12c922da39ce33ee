// Package orchestration drives table sync jobs through their states, runs the
// bounded extract/stage pipeline of a job, and schedules jobs across tables.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/extract"
	"github.com/nucleus/ucl-sync/internal/loader"
	"github.com/nucleus/ucl-sync/internal/metastore"
	"github.com/nucleus/ucl-sync/internal/metrics"
	"github.com/nucleus/ucl-sync/internal/notify"
	"github.com/nucleus/ucl-sync/internal/planner"
	"github.com/nucleus/ucl-sync/internal/quality"
)

// Planner computes a job's extent and chunks.
type Planner interface {
	Plan(ctx context.Context, spec core.TableSpec, wm *core.Watermark, now time.Time) (*planner.Plan, error)
}

// Extractor writes one chunk to a local artifact.
type Extractor interface {
	Extract(ctx context.Context, job *core.SyncJob, chunk core.Chunk) (*extract.Artifact, error)
}

// Stager moves artifacts into the object store.
type Stager interface {
	Stage(ctx context.Context, job *core.SyncJob, chunk core.Chunk, art *extract.Artifact) (core.Chunk, error)
	Verify(ctx context.Context, job *core.SyncJob, chunk core.Chunk) error
	Cleanup(ctx context.Context, job *core.SyncJob) error
}

// Loader ingests a job's staged chunks.
type Loader interface {
	Load(ctx context.Context, job *core.SyncJob, chunks []core.Chunk) (*loader.Result, error)
}

// Validator runs post-load quality checks.
type Validator interface {
	Validate(ctx context.Context, job *core.SyncJob) ([]core.QualityCheckResult, error)
}

// Store is the persistent state the orchestrator reads and writes.
type Store interface {
	metastore.WatermarkStore
	metastore.MetadataStore
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Planner   Planner
	Extractor Extractor
	Stager    Stager
	Loader    Loader
	// Validator is optional; nil skips quality checks.
	Validator Validator
	Store     Store
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Locks     *TableLocks
	Recorder  *StateRecorder
}

// Options tune job execution.
type Options struct {
	// PipelineDepth bounds how many chunks are extracted or uploading at once.
	PipelineDepth int
	// RetainOnFailure keeps staged objects of a failed job so a rerun can reuse them.
	RetainOnFailure bool
	// WorkDir is the extractor's local root; <WorkDir>/<run id> is removed when a job ends.
	WorkDir string

	PipelineName     string
	TriggerType      string
	SourceSystemID   string
	SourceSystemName string

	Now func() time.Time
}

// Orchestrator runs one table at a time through
// PLANNED -> EXTRACTING -> STAGING -> LOADING -> VALIDATING -> COMPLETE,
// with FAILED reachable from every non-terminal state.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New builds an Orchestrator.
func New(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Locks == nil {
		deps.Locks = NewTableLocks()
	}
	if opts.PipelineDepth < 1 {
		opts.PipelineDepth = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger.Named("orchestrator")}
}

// RunJob runs spec to COMPLETE or FAILED and returns the job with the error
// that failed it. The latest job of the table decides how the run starts:
// data that landed without its watermark only retries the watermark, an
// unfinished job whose plan is still valid resumes under its run id, and
// anything else plans a new job.
func (o *Orchestrator) RunJob(ctx context.Context, spec core.TableSpec) (*core.SyncJob, error) {
	key := spec.Key()
	release, err := o.deps.Locks.AcquireJob(spec)
	if err != nil {
		return nil, err
	}
	defer release()

	r := &run{
		o:       o,
		bg:      context.WithoutCancel(ctx),
		started: o.now(),
		log:     o.logger.With(zap.String("table", key)),
	}
	if err := spec.Validate(); err != nil {
		return r.reject(spec, err)
	}
	prev, err := o.deps.Store.LatestJob(ctx, key)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return r.reject(spec, fmt.Errorf("read previous job: %w", err))
	}
	wm, err := o.deps.Store.Get(ctx, key)
	if err != nil {
		return r.reject(spec, fmt.Errorf("read watermark: %w", err))
	}

	switch {
	case prev != nil && prev.Loaded && prev.State != core.StateComplete:
		return r.finishLanded(ctx, prev)
	case prev != nil && resumable(prev, spec, wm):
		return r.resume(ctx, prev, spec, wm)
	default:
		return r.start(ctx, spec, wm)
	}
}

func (o *Orchestrator) now() time.Time { return o.opts.Now().UTC() }

// resumable reports whether prev stopped before loading and its extent is
// still the one the current watermark would produce.
func resumable(prev *core.SyncJob, spec core.TableSpec, wm *core.Watermark) bool {
	if prev.State == core.StateComplete || prev.Loaded || prev.ChunkSize <= 0 {
		return false
	}
	if prev.Spec.LoadType != spec.LoadType ||
		prev.Spec.DeltaColumn != spec.DeltaColumn ||
		prev.Spec.PKColumn != spec.PKColumn {
		return false
	}
	return wm == nil || !wm.LastSuccessAt.After(prev.StartedAt)
}

// run is one attempt of one job.
type run struct {
	o *Orchestrator
	// bg outlives cancellation of the caller's context. Persistence and
	// cleanup use it so a stopped job still records how it ended.
	bg      context.Context
	started time.Time
	log     *zap.Logger

	mu    sync.Mutex
	job   *core.SyncJob
	state State
}

func (r *run) init(job *core.SyncJob, state State) {
	r.job = job
	r.state = state
	job.State = state.Name()
	r.log = r.log.With(zap.String("run_id", job.RunID))
	r.record(state)
	r.saveJob()
}

func (r *run) newJob(spec core.TableSpec) *core.SyncJob {
	return &core.SyncJob{
		RunID:     core.NewRunID(r.started),
		Spec:      spec,
		LoadType:  spec.LoadType,
		Attempt:   1,
		StartedAt: r.started,
	}
}

// reject fails a job that could not get as far as planning. It is recorded
// like any other failed job.
func (r *run) reject(spec core.TableSpec, err error) (*core.SyncJob, error) {
	r.init(r.newJob(spec), &PlannedState{})
	return r.fail(core.PlanningError(spec.Key(), err))
}

func (r *run) start(ctx context.Context, spec core.TableSpec, wm *core.Watermark) (*core.SyncJob, error) {
	r.init(r.newJob(spec), &PlannedState{})

	plan, err := r.o.deps.Planner.Plan(ctx, spec, wm, r.started)
	if err != nil {
		if core.KindOf(err) != core.KindPlanning {
			err = core.PlanningError(spec.Key(), err)
		}
		return r.fail(err)
	}
	job := r.job
	job.Extent = plan.Extent
	job.ExpectedRows = plan.ExpectedRows
	job.ChunkSize = plan.ChunkSize
	job.Sampled = plan.Sampled
	job.Snapshot = plan.Snapshot
	job.Columns = plan.Columns
	job.Chunks = plan.Chunks
	if err := r.persistPlan(); err != nil {
		return r.fail(core.PlanningError(spec.Key(), err))
	}
	r.notify(notify.EventJobStarted, "")
	return r.execute(ctx)
}

func (r *run) resume(ctx context.Context, prev *core.SyncJob, spec core.TableSpec, wm *core.Watermark) (*core.SyncJob, error) {
	persisted, err := r.o.deps.Store.Chunks(ctx, prev.RunID)
	if err == nil && len(persisted) == 0 && prev.ExpectedRows > 0 {
		r.log.Info("previous job left no chunk plan, planning again", zap.String("previous_run_id", prev.RunID))
		return r.start(ctx, spec, wm)
	}

	job := *prev
	job.Spec = spec
	job.Attempt++
	job.Error = ""
	job.Warnings = nil
	job.RowsLoaded, job.RowsRejected = 0, 0
	job.EndedAt = time.Time{}
	job.Chunks = resumeChunks(persisted)
	job.RowsRead = job.ExtractedRows()
	r.init(&job, &PlannedState{})
	if err != nil {
		return r.fail(core.PlanningError(spec.Key(), fmt.Errorf("read chunks: %w", err)))
	}

	staged := 0
	for _, c := range job.Chunks {
		if c.Status == core.ChunkStaged {
			staged++
		}
	}
	r.log.Info("resuming job",
		zap.Int("attempt", job.Attempt),
		zap.Int("chunks", len(job.Chunks)),
		zap.Int("staged", staged))
	if err := r.persistPlan(); err != nil {
		return r.fail(core.PlanningError(spec.Key(), err))
	}
	r.notify(notify.EventJobStarted, "")
	return r.execute(ctx)
}

// resumeChunks keeps the persisted chunk boundaries, which were bounded by
// row counts when planned. Chunks that did not reach STAGED with a checksum
// are transferred again.
func resumeChunks(persisted []core.Chunk) []core.Chunk {
	chunks := make([]core.Chunk, len(persisted))
	for i, c := range persisted {
		if c.Status != core.ChunkStaged || c.Checksum == "" {
			c = core.Chunk{Index: c.Index, Range: c.Range, Status: core.ChunkPlanned}
		}
		chunks[i] = c
	}
	return chunks
}

// finishLanded completes a job whose ingest committed but whose watermark did not.
func (r *run) finishLanded(ctx context.Context, prev *core.SyncJob) (*core.SyncJob, error) {
	job := *prev
	job.Attempt++
	job.Error = ""
	job.EndedAt = time.Time{}
	if chunks, err := r.o.deps.Store.Chunks(ctx, job.RunID); err == nil {
		job.Chunks = chunks
	}
	r.init(&job, &ValidatingState{})
	r.log.Info("data already loaded, retrying watermark", zap.Int("attempt", job.Attempt))
	return r.complete()
}

func (r *run) execute(ctx context.Context) (*core.SyncJob, error) {
	if err := r.transfer(ctx); err != nil {
		return r.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return r.fail(core.CancelledError(r.job.Table(), err))
	}
	r.transitionTo(r.currentState().(*StagingState).ToLoading())

	if err := r.load(ctx); err != nil {
		return r.fail(err)
	}
	r.transitionTo(r.currentState().(*LoadingState).ToValidating())

	r.validate(ctx)
	return r.complete()
}

// transfer extracts and stages every chunk that is not already staged.
// Extraction of a chunk overlaps the upload of the previous one, bounded by
// the pipeline depth. A stop signal is honored between chunks: the chunk in
// flight finishes, nothing further is read.
func (r *run) transfer(ctx context.Context) error {
	r.transitionTo(r.currentState().(*PlannedState).ToExtracting())

	// Chunk I/O is not interrupted mid-stream.
	chunkCtx := context.WithoutCancel(ctx)
	pending := r.pendingChunks(chunkCtx)

	arts := make(chan *extract.Artifact, r.o.opts.PipelineDepth-1)
	stagerDone := make(chan struct{})
	var g errgroup.Group

	g.Go(func() error {
		defer close(arts)
		for _, c := range pending {
			if err := ctx.Err(); err != nil {
				r.log.Warn("stop requested, no further chunks will be read", zap.Int("next_chunk", c.Index))
				return core.CancelledError(r.job.Table(), err)
			}
			select {
			case <-stagerDone:
				return nil
			default:
			}
			art, err := r.extract(chunkCtx, c)
			if err != nil {
				return err
			}
			select {
			case arts <- art:
			case <-stagerDone:
				return nil
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(stagerDone)
		for art := range arts {
			if err := r.stage(chunkCtx, art); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if s, ok := r.currentState().(*ExtractingState); ok {
		r.transitionTo(s.ToStaging())
	}
	if !r.job.AllStaged() {
		return core.StagingError(r.job.Table(), core.NoChunk, errors.New("not every chunk reached STAGED"))
	}
	return nil
}

// pendingChunks returns the chunks still to transfer. Staged chunks that no
// longer verify are reset and transferred again.
func (r *run) pendingChunks(ctx context.Context) []core.Chunk {
	var pending []core.Chunk
	reused := 0
	for i, c := range r.job.Chunks {
		if c.Status == core.ChunkStaged {
			err := r.o.deps.Stager.Verify(ctx, r.job, c)
			if err == nil {
				reused++
				continue
			}
			r.log.Warn("staged chunk failed verification, extracting again", zap.Int("chunk", c.Index), zap.Error(err))
			c = core.Chunk{Index: c.Index, Range: c.Range, Status: core.ChunkPlanned}
			r.job.Chunks[i] = c
		}
		pending = append(pending, c)
	}
	if reused > 0 {
		r.log.Info("reusing staged chunks", zap.Int("reused", reused), zap.Int("pending", len(pending)))
	}
	return pending
}

func (r *run) extract(ctx context.Context, c core.Chunk) (*extract.Artifact, error) {
	art, err := r.o.deps.Extractor.Extract(ctx, r.job, c)
	if err != nil {
		r.updateChunk(c.Index, func(ch *core.Chunk) { ch.Status = core.ChunkFailed })
		return nil, err
	}
	r.updateChunk(c.Index, func(ch *core.Chunk) {
		ch.Status = core.ChunkExtracted
		ch.RowCount = art.Rows
	})
	r.o.deps.Metrics.AddExtracted(r.job.Table(), art.Rows)
	if s, ok := r.currentState().(*ExtractingState); ok {
		r.transitionTo(s.ToStaging())
	}
	return art, nil
}

// stage uploads one artifact. A checksum mismatch extracts the chunk once more.
func (r *run) stage(ctx context.Context, art *extract.Artifact) error {
	c := r.chunk(art.Chunk)
	staged, err := r.o.deps.Stager.Stage(ctx, r.job, c, art)
	if core.NeedsReextract(err) {
		r.log.Warn("staged artifact did not verify, extracting chunk again", zap.Int("chunk", c.Index), zap.Error(err))
		if art, err = r.o.deps.Extractor.Extract(ctx, r.job, c); err == nil {
			staged, err = r.o.deps.Stager.Stage(ctx, r.job, c, art)
		}
	}
	if err != nil {
		r.updateChunk(c.Index, func(ch *core.Chunk) { ch.Status = core.ChunkFailed })
		return err
	}
	r.updateChunk(c.Index, func(ch *core.Chunk) { *ch = staged })
	return nil
}

func (r *run) load(ctx context.Context) error {
	job := r.job
	res, err := r.o.deps.Loader.Load(ctx, job, job.Chunks)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return core.CancelledError(job.Table(), cerr)
		}
		return err
	}

	r.mu.Lock()
	job.RowsLoaded = res.RowsLoaded
	job.RowsRejected = res.RowsRejected
	job.Loaded = true
	for i := range job.Chunks {
		job.Chunks[i].Status = core.ChunkLoaded
		r.saveChunkLocked(job.Chunks[i])
	}
	r.saveJobLocked()
	r.mu.Unlock()

	r.o.deps.Metrics.AddLoaded(job.Table(), string(job.LoadType), res.RowsLoaded, res.RowsRejected)
	if res.RowsRejected > 0 {
		r.log.Warn("rows rejected during load",
			zap.Int64("rows_rejected", res.RowsRejected),
			zap.Any("reasons", res.Rejects))
	}
	return nil
}

// validate records quality results. Nothing here fails the job.
func (r *run) validate(ctx context.Context) {
	if r.o.deps.Validator == nil {
		return
	}
	results, err := r.o.deps.Validator.Validate(ctx, r.job)
	if len(results) > 0 {
		if perr := r.o.deps.Store.AppendQualityResults(r.bg, results); perr != nil {
			r.log.Error("failed to record quality results", zap.Error(perr))
		}
	}
	for _, f := range quality.Failed(results) {
		check := string(f.CheckType)
		if f.Column != "" {
			check += " " + f.Column
		}
		r.warn(fmt.Sprintf("%s: source %s, target %s, %.4f%% difference exceeds %.4f%%",
			check, humanize.Commaf(f.SourceValue), humanize.Commaf(f.TargetValue),
			f.DifferencePercent, f.Tolerance*100))
	}
	if err != nil {
		r.warn(err.Error())
	}
}

func (r *run) warn(msg string) {
	r.job.Warnings = append(r.job.Warnings, msg)
	r.log.Warn("quality warning", zap.String("detail", msg))
	r.notify(notify.EventQualityWarning, msg)
}

// complete advances the watermark and finishes the job.
func (r *run) complete() (*core.SyncJob, error) {
	job := r.job
	if err := r.commitWatermark(); err != nil {
		job.WatermarkPending = true
		return r.fail(err)
	}
	job.WatermarkPending = false
	job.EndedAt = r.o.now()
	r.transitionTo(r.currentState().(*ValidatingState).ToComplete())

	elapsed := job.EndedAt.Sub(r.started)
	r.writeStats(true)
	r.o.deps.Metrics.ObserveJob(job.Table(), string(job.LoadType), "success", elapsed)
	r.notify(notify.EventJobCompleted, "")
	r.cleanup(false)
	r.log.Info("sync job complete",
		zap.Int64("rows_read", job.RowsRead),
		zap.Int64("rows_loaded", job.RowsLoaded),
		zap.Int64("rows_rejected", job.RowsRejected),
		zap.Int("warnings", len(job.Warnings)),
		zap.Duration("elapsed", elapsed))
	return job, nil
}

// commitWatermark moves a DELTA table's cursor to the job's snapshot bound.
func (r *run) commitWatermark() error {
	job := r.job
	if job.LoadType != core.LoadDelta {
		return nil
	}
	key := job.Table()
	prev, err := r.o.deps.Store.Get(r.bg, key)
	if err != nil {
		return core.WatermarkWriteError(key, fmt.Errorf("read watermark: %w", err))
	}
	next := prev.Advance(core.Watermark{
		Table:           key,
		LastLoadType:    job.LoadType,
		LastDeltaColumn: job.Spec.DeltaColumn,
		LastDeltaValue:  job.Extent.To,
		LastRowCount:    job.RowsLoaded,
		LastBatchID:     job.RunID,
		LastSuccessAt:   r.o.now(),
	})
	if err := r.o.deps.Store.Set(r.bg, key, next); err != nil {
		return core.WatermarkWriteError(key, err)
	}
	r.log.Info("watermark advanced", zap.Time("last_delta_value", next.LastDeltaValue))
	return nil
}

func (r *run) fail(err error) (*core.SyncJob, error) {
	job := r.job
	job.Error = err.Error()
	job.EndedAt = r.o.now()
	if f, ok := r.currentState().(failable); ok {
		r.transitionTo(f.ToFailed())
	}

	r.writeStats(false)
	r.o.deps.Metrics.ObserveJob(job.Table(), string(job.LoadType), "failed", job.EndedAt.Sub(r.started))
	r.notify(notify.EventJobFailed, "")
	r.cleanup(true)
	r.log.Error("sync job failed",
		zap.String("kind", string(core.KindOf(err))),
		zap.Bool("loaded", job.Loaded),
		zap.Error(err))
	return job, err
}

// writeStats appends the job's LoadStatsRecord, on success and on failure.
func (r *run) writeStats(success bool) {
	job := r.job
	src, dst := job.Spec.Source(), job.Spec.Target()
	processed := 0
	for _, c := range job.Chunks {
		if c.Status == core.ChunkStaged || c.Status == core.ChunkLoaded {
			processed++
		}
	}
	rec := core.LoadStatsRecord{
		RunID:            job.RunID,
		PipelineName:     r.o.opts.PipelineName,
		TriggerType:      r.o.opts.TriggerType,
		SourceSystemID:   r.o.opts.SourceSystemID,
		SourceSystemName: r.o.opts.SourceSystemName,
		RunStartedAt:     r.started,
		RunEndedAt:       job.EndedAt,
		SourceSchema:     src.Schema,
		SourceTable:      src.Name,
		TargetSchema:     dst.Schema,
		TargetTable:      dst.Name,
		LoadType:         job.LoadType,
		DeltaColumn:      job.DeltaColumn(),
		RowsRead:         job.RowsRead,
		RowsLoaded:       job.RowsLoaded,
		RowsRejected:     job.RowsRejected,
		ChunksProcessed:  processed,
		Sampled:          job.Sampled,
		DurationMillis:   job.EndedAt.Sub(r.started).Milliseconds(),
		Success:          success,
		ErrorMessage:     job.Error,
	}
	if job.Extent.Kind == core.RangeTime {
		rec.DeltaStart, rec.DeltaEnd = job.Extent.From, job.Extent.To
	}
	if err := r.o.deps.Store.AppendLoadStats(r.bg, rec); err != nil {
		r.log.Error("failed to record load stats", zap.Bool("success", success), zap.Error(err))
	}
}

// cleanup removes the job's local artifacts, and its staged objects unless a
// failed job keeps them for a rerun.
func (r *run) cleanup(failed bool) {
	if r.o.opts.WorkDir != "" {
		if err := os.RemoveAll(filepath.Join(r.o.opts.WorkDir, r.job.RunID)); err != nil {
			r.log.Warn("could not remove local artifacts", zap.Error(err))
		}
	}
	if failed && r.o.opts.RetainOnFailure && !r.job.Loaded {
		r.log.Info("keeping staged artifacts for the next attempt")
		return
	}
	if err := r.o.deps.Stager.Cleanup(r.bg, r.job); err != nil {
		r.log.Warn("could not remove staged artifacts", zap.Error(err))
	}
}

func (r *run) notify(t notify.EventType, msg string) {
	ev := notify.JobEvent(t, r.job)
	ev.Message = msg
	if err := r.o.deps.Notifier.Notify(r.bg, ev); err != nil {
		r.log.Warn("failed to deliver notification", zap.String("event", string(t)), zap.Error(err))
	}
}

// transitionTo performs a state transition, persists it and logs it.
func (r *run) transitionTo(next State) {
	r.mu.Lock()
	from := r.state.Name()
	r.state = next
	r.job.State = next.Name()
	r.saveJobLocked()
	r.mu.Unlock()

	r.record(next)
	r.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(next.Name())))
}

func (r *run) record(state State) {
	if r.o.deps.Recorder != nil {
		r.o.deps.Recorder.Record(r.job.RunID, state)
	}
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) chunk(index int) core.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Chunks[index]
}

func (r *run) updateChunk(index int, fn func(*core.Chunk)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job.Chunks[index])
	r.job.RowsRead = r.job.ExtractedRows()
	r.saveChunkLocked(r.job.Chunks[index])
}

func (r *run) persistPlan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.o.deps.Store.SaveJob(r.bg, r.job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	for _, c := range r.job.Chunks {
		if err := r.o.deps.Store.SaveChunk(r.bg, r.job.RunID, c); err != nil {
			return fmt.Errorf("persist chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

func (r *run) saveJob() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveJobLocked()
}

func (r *run) saveJobLocked() {
	if err := r.o.deps.Store.SaveJob(r.bg, r.job); err != nil {
		r.log.Error("failed to persist job", zap.String("state", string(r.job.State)), zap.Error(err))
	}
}

func (r *run) saveChunkLocked(c core.Chunk) {
	if err := r.o.deps.Store.SaveChunk(r.bg, r.job.RunID, c); err != nil {
		r.log.Error("failed to persist chunk", zap.Int("chunk", c.Index), zap.Error(err))
	}
}
