// Package notify delivers sync progress events. Formatting for chat or email
// is left to whatever consumes the events.
package notify

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/core"
)

// EventType names an event.
type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventQualityWarning EventType = "quality_warning"
	EventRunCompleted   EventType = "run_completed"
)

// Event is one notification.
type Event struct {
	Type         EventType     `json:"type"`
	RunID        string        `json:"runId,omitempty"`
	Table        string        `json:"table,omitempty"`
	LoadType     core.LoadType `json:"loadType,omitempty"`
	State        core.JobState `json:"state,omitempty"`
	RowsRead     int64         `json:"rowsRead"`
	RowsLoaded   int64         `json:"rowsLoaded"`
	RowsRejected int64         `json:"rowsRejected"`
	Chunks       int           `json:"chunks"`
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`

	// Run totals, set on run_completed.
	Attempted int `json:"attempted,omitempty"`
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Warnings  int `json:"warnings,omitempty"`

	Time time.Time `json:"time"`
}

// JobEvent builds an event from a job's current counters.
func JobEvent(t EventType, job *core.SyncJob) Event {
	return Event{
		Type:         t,
		RunID:        job.RunID,
		Table:        job.Table(),
		LoadType:     job.LoadType,
		State:        job.State,
		RowsRead:     job.RowsRead,
		RowsLoaded:   job.RowsLoaded,
		RowsRejected: job.RowsRejected,
		Chunks:       len(job.Chunks),
		Error:        job.Error,
		Time:         time.Now().UTC(),
	}
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs error
	for _, n := range m {
		errs = multierr.Append(errs, n.Notify(ctx, ev))
	}
	return errs
}

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("run_id", ev.RunID),
		zap.String("table", ev.Table),
		zap.Int64("rows_read", ev.RowsRead),
		zap.Int64("rows_loaded", ev.RowsLoaded),
		zap.Int64("rows_rejected", ev.RowsRejected),
	}
	switch ev.Type {
	case EventJobFailed:
		n.logger.Error("sync job failed", append(fields, zap.String("error", ev.Error))...)
	case EventQualityWarning:
		n.logger.Warn("quality check outside tolerance", append(fields, zap.String("detail", ev.Message))...)
	case EventRunCompleted:
		n.logger.Info("sync run completed",
			zap.Int("attempted", ev.Attempted),
			zap.Int("succeeded", ev.Succeeded),
			zap.Int("failed", ev.Failed),
			zap.Int("warnings", ev.Warnings))
	default:
		n.logger.Info("sync event", fields...)
	}
	return nil
}
