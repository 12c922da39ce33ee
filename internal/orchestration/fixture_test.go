package orchestration_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nucleus/ucl-sync/internal/connector/jdbc"
	"github.com/nucleus/ucl-sync/internal/connector/minio"
	"github.com/nucleus/ucl-sync/internal/connector/warehouse"
	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/extract"
	"github.com/nucleus/ucl-sync/internal/loader"
	"github.com/nucleus/ucl-sync/internal/metastore"
	"github.com/nucleus/ucl-sync/internal/notify"
	"github.com/nucleus/ucl-sync/internal/orchestration"
	"github.com/nucleus/ucl-sync/internal/planner"
	"github.com/nucleus/ucl-sync/internal/quality"
	"github.com/nucleus/ucl-sync/internal/retry"
	"github.com/nucleus/ucl-sync/internal/staging"
)

const bucket = "ucl-staging"

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var target = core.TableRef{Schema: "analytics", Name: "FactSales"}

func salesSpec() core.TableSpec {
	return core.TableSpec{
		SourceSchema:     "dbo",
		SourceTable:      "FactSales",
		TargetSchema:     "analytics",
		TargetTable:      "FactSales",
		LoadType:         core.LoadDelta,
		DeltaColumn:      "modified_at",
		PKColumn:         "id",
		Enabled:          true,
		AggregateColumns: []string{"amount"},
	}
}

type salesRow struct {
	id       int64
	amount   float64
	modified time.Time
}

// tableSource serves every table from one row set. ReadRange calls are
// recorded in order and can be made to fail or trigger a hook.
type tableSource struct {
	mu      sync.Mutex
	rows    []salesRow
	missing map[string]bool
	reads   []core.Range
	failOn  int
	onRead  func(n int)
}

// hourly returns n rows, one per hour, the newest at end.
func hourly(n int, end time.Time) *tableSource {
	s := &tableSource{missing: map[string]bool{}}
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		s.rows = append(s.rows, salesRow{
			id:       id,
			amount:   float64(id) + 0.25,
			modified: end.Add(-time.Duration(n-1-i) * time.Hour),
		})
	}
	return s
}

func (s *tableSource) failRead(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = n
}

func (s *tableSource) hook(fn func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = fn
}

func (s *tableSource) readsSince(n int) []core.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Range(nil), s.reads[n:]...)
}

func (s *tableSource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

func (s *tableSource) match(r core.Range) []salesRow {
	var out []salesRow
	for _, row := range s.rows {
		switch r.Kind {
		case core.RangeTime:
			if !r.ContainsTime(row.modified) {
				continue
			}
		case core.RangeID:
			if !r.ContainsID(row.id) {
				continue
			}
		}
		out = append(out, row)
	}
	// rows are kept in id order, which stands in for OrderBy
	if r.Windowed() {
		lo := min(r.Offset, int64(len(out)))
		hi := min(r.Offset+r.Limit, int64(len(out)))
		out = out[lo:hi]
	}
	return out
}

func (s *tableSource) Columns(_ context.Context, table core.TableRef) ([]core.Column, error) {
	if s.missing[table.Name] {
		return nil, fmt.Errorf("relation %s does not exist", table)
	}
	return []core.Column{
		{Name: "id", DataType: "bigint", Position: 1},
		{Name: "amount", DataType: "numeric", Precision: 18, Scale: 4, Nullable: true, Position: 2},
		{Name: "modified_at", DataType: "timestamp", Position: 3},
	}, nil
}

func (s *tableSource) EstimateRows(context.Context, core.TableRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *tableSource) Count(_ context.Context, _ core.TableRef, r core.Range) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.match(r))), nil
}

func (s *tableSource) IDBounds(context.Context, core.TableRef, string) (int64, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		return 0, 0, false, nil
	}
	lo, hi := s.rows[0].id, s.rows[0].id
	for _, row := range s.rows {
		lo, hi = min(lo, row.id), max(hi, row.id)
	}
	return lo, hi, true, nil
}

func (s *tableSource) ReadRange(_ context.Context, _ core.TableRef, r core.Range, fn jdbc.RowFunc) error {
	s.mu.Lock()
	s.reads = append(s.reads, r)
	n := len(s.reads)
	fail := s.failOn == n
	onRead := s.onRead
	rows := s.match(r)
	s.mu.Unlock()

	if onRead != nil {
		onRead(n)
	}
	if fail {
		return errors.New("connection reset by peer")
	}
	cols := []string{"id", "amount", "modified_at"}
	for _, row := range rows {
		if err := fn(cols, []any{row.id, row.amount, row.modified}); err != nil {
			return err
		}
	}
	return nil
}

func (s *tableSource) Sum(_ context.Context, _ core.TableRef, _ string, r core.Range) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, row := range s.match(r) {
		total += row.amount
	}
	return total, nil
}

func (s *tableSource) CountNulls(context.Context, core.TableRef, string, core.Range) (int64, error) {
	return 0, nil
}

// driftingSource reports rows written to the source after extraction.
type driftingSource struct {
	*tableSource
	extra int64
}

func (d driftingSource) Count(ctx context.Context, table core.TableRef, r core.Range) (int64, error) {
	n, err := d.tableSource.Count(ctx, table, r)
	return n + d.extra, err
}

// clock advances one second per reading.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(_ context.Context, ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []notify.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.EventType
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) last() notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type setup struct {
	chunkSize int64
	tolerance float64
	// drift is added to the source row counts the validator sees.
	drift            int64
	discardOnFailure bool
	// watermarkReadErr fails every watermark read.
	watermarkReadErr error
}

// brokenWatermarks cannot read watermarks.
type brokenWatermarks struct {
	*metastore.Memory
	err error
}

func (b brokenWatermarks) Get(context.Context, string) (*core.Watermark, error) {
	return nil, b.err
}

type fixture struct {
	src      *tableSource
	dst      *warehouse.Memory
	objects  *minio.LocalStore
	store    *metastore.Memory
	locks    *orchestration.TableLocks
	recorder *orchestration.StateRecorder
	events   *eventLog
	workDir  string
	orch     *orchestration.Orchestrator
}

func newFixture(t *testing.T, src *tableSource, s setup) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := &clock{now: base}
	f := &fixture{
		src:      src,
		dst:      warehouse.NewMemory(),
		objects:  minio.NewLocalStore(t.TempDir()),
		store:    metastore.NewMemory(),
		locks:    orchestration.NewTableLocks(),
		recorder: orchestration.NewStateRecorder(),
		events:   &eventLog{},
		workDir:  t.TempDir(),
	}
	once := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	var store orchestration.Store = f.store
	if s.watermarkReadErr != nil {
		store = brokenWatermarks{Memory: f.store, err: s.watermarkReadErr}
	}
	var qsrc quality.Source = src
	if s.drift != 0 {
		qsrc = driftingSource{tableSource: src, extra: s.drift}
	}
	f.orch = orchestration.New(orchestration.Deps{
		Planner:   planner.New(src, planner.Options{ChunkSize: s.chunkSize, Lookback: 7 * 24 * time.Hour}, logger),
		Extractor: extract.New(src, extract.Options{WorkDir: f.workDir, FloatPrecision: 4, Retry: once}, logger),
		Stager:    staging.New(f.objects, staging.Options{Bucket: bucket, Prefix: "sync", Retry: once}, logger),
		Loader:    loader.New(f.dst, f.objects, loader.Options{Bucket: bucket, Now: clk.Now}, logger),
		Validator: quality.New(qsrc, f.dst, quality.Options{Tolerance: s.tolerance, Now: clk.Now}, logger),
		Store:     store,
		Notifier:  f.events,
		Locks:     f.locks,
		Recorder:  f.recorder,
	}, orchestration.Options{
		PipelineDepth:   2,
		RetainOnFailure: !s.discardOnFailure,
		WorkDir:         f.workDir,
		PipelineName:    "ucl-sync-test",
		TriggerType:     "test",
		Now:             clk.Now,
	}, logger)
	return f
}
