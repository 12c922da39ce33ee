package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/metrics"
	"github.com/nucleus/ucl-sync/internal/notify"
)

// JobRunner runs one table.
type JobRunner interface {
	RunJob(ctx context.Context, spec core.TableSpec) (*core.SyncJob, error)
}

// Failure is a table whose job failed.
type Failure struct {
	Table string
	RunID string
	Error string
}

// Warning is a quality finding on a job that otherwise completed.
type Warning struct {
	Table   string
	RunID   string
	Message string
}

// Summary is the outcome of one run over the table list.
type Summary struct {
	Attempted  int
	Succeeded  int
	Failed     int
	Failures   []Failure
	Warnings   []Warning
	Skipped    []string
	RowsLoaded int64
	Elapsed    time.Duration
	Jobs       []*core.SyncJob
}

// OK reports whether every attempted table succeeded and none were skipped.
func (s *Summary) OK() bool {
	return s.Failed == 0 && len(s.Skipped) == 0
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tables attempted, %d succeeded, %d failed", s.Attempted, s.Succeeded, s.Failed)
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped", len(s.Skipped))
	}
	fmt.Fprintf(&b, "; %s rows loaded in %s\n", humanize.Comma(s.RowsLoaded), s.Elapsed.Round(time.Millisecond))
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "FAILED  %s (%s): %s\n", f.Table, f.RunID, f.Error)
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "WARNING %s (%s): %s\n", w.Table, w.RunID, w.Message)
	}
	for _, t := range s.Skipped {
		fmt.Fprintf(&b, "SKIPPED %s\n", t)
	}
	return b.String()
}

// Manager runs a table list on a worker pool. One table's failure never stops the others.
type Manager struct {
	runner   JobRunner
	workers  int
	notifier notify.Notifier
	pusher   *metrics.Pusher
	logger   *zap.Logger
}

// NewManager builds a Manager. workers below 1 runs tables sequentially.
func NewManager(runner JobRunner, workers int, notifier notify.Notifier, pusher *metrics.Pusher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		runner:   runner,
		workers:  max(workers, 1),
		notifier: notifier,
		pusher:   pusher,
		logger:   logger.Named("manager"),
	}
}

// Run syncs every spec and summarizes the outcome. Tables not started
// before ctx is done are reported as skipped.
func (m *Manager) Run(ctx context.Context, specs []core.TableSpec) *Summary {
	started := time.Now()
	m.logger.Info("sync run starting", zap.Int("tables", len(specs)), zap.Int("workers", m.workers))

	pool := NewWorkPool[*core.SyncJob](m.workers)
	for _, spec := range specs {
		pool.AddJob(func(ctx context.Context) (*core.SyncJob, error) {
			return m.runner.RunJob(ctx, spec)
		})
	}

	s := &Summary{}
	for _, res := range pool.Run(ctx) {
		table := specs[res.Index].Key()
		if res.Skipped {
			s.Skipped = append(s.Skipped, table)
			continue
		}
		s.Attempted++
		var runID string
		if job := res.Value; job != nil {
			runID = job.RunID
			s.Jobs = append(s.Jobs, job)
			for _, w := range job.Warnings {
				s.Warnings = append(s.Warnings, Warning{Table: table, RunID: runID, Message: w})
			}
		}
		if res.Error != nil {
			s.Failed++
			s.Failures = append(s.Failures, Failure{Table: table, RunID: runID, Error: res.Error.Error()})
			continue
		}
		s.Succeeded++
		s.RowsLoaded += res.Value.RowsLoaded
	}
	s.Elapsed = time.Since(started)

	m.logger.Info("sync run finished",
		zap.Int("attempted", s.Attempted),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("warnings", len(s.Warnings)),
		zap.Int("skipped", len(s.Skipped)),
		zap.Int64("rows_loaded", s.RowsLoaded),
		zap.Duration("elapsed", s.Elapsed))

	ev := notify.Event{
		Type:       notify.EventRunCompleted,
		RowsLoaded: s.RowsLoaded,
		Attempted:  s.Attempted,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Warnings:   len(s.Warnings),
		Message:    strings.TrimSpace(s.String()),
		Time:       time.Now().UTC(),
	}
	if err := m.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("failed to deliver notification", zap.String("event", string(ev.Type)), zap.Error(err))
	}
	m.pusher.Push()
	return s
}
