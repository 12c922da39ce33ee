// Package planner computes a job's extent and splits it into ordered, non-overlapping chunks.
package planner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Source is the subset of the source connector the planner probes.
type Source interface {
	Columns(ctx context.Context, table core.TableRef) ([]core.Column, error)
	EstimateRows(ctx context.Context, table core.TableRef) (int64, error)
	Count(ctx context.Context, table core.TableRef, r core.Range) (int64, error)
	IDBounds(ctx context.Context, table core.TableRef, column string) (lo, hi int64, ok bool, err error)
}

// Options tune planning.
type Options struct {
	ChunkSize int64
	// Lookback bounds the first DELTA run of a table.
	Lookback time.Duration
	// Sampling plans FULL loads of tables above SampleThreshold rows as a SampleSize extent.
	Sampling        bool
	SampleThreshold int64
	SampleSize      int64
}

// Plan is a computed extent and its chunks.
type Plan struct {
	Extent       core.Range
	ExpectedRows int64
	ChunkSize    int64
	Sampled      bool
	Snapshot     time.Time
	Columns      []core.Column
	Chunks       []core.Chunk
}

// Planner probes the source to plan jobs.
type Planner struct {
	src    Source
	opts   Options
	logger *zap.Logger
}

// New builds a Planner.
func New(src Source, opts Options, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500_000
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	return &Planner{src: src, opts: opts, logger: logger.Named("planner")}
}

// Plan computes the extent of spec from the stored watermark and splits it.
// now is captured once as the snapshot so the upper bound does not move mid-run.
func (p *Planner) Plan(ctx context.Context, spec core.TableSpec, wm *core.Watermark, now time.Time) (*Plan, error) {
	table := spec.Source()
	cols, err := p.src.Columns(ctx, table)
	if err != nil {
		return nil, core.PlanningError(spec.Key(), fmt.Errorf("read columns: %w", err))
	}

	plan := &Plan{
		ChunkSize: p.opts.ChunkSize,
		Snapshot:  now.UTC().Truncate(time.Microsecond),
		Columns:   cols,
	}

	switch spec.LoadType {
	case core.LoadDelta:
		err = p.planDelta(ctx, spec, wm, plan)
	case core.LoadFull:
		err = p.planFull(ctx, spec, plan)
	default:
		err = fmt.Errorf("unknown load type %q", spec.LoadType)
	}
	if err != nil {
		return nil, core.PlanningError(spec.Key(), err)
	}

	plan.Chunks = Chunks(plan.Extent, plan.ExpectedRows, plan.ChunkSize)
	if k := plan.Extent.Kind; k == core.RangeID || k == core.RangeTime {
		plan.Chunks, err = p.bound(ctx, table, plan.Chunks, rowOrder(spec, cols))
		if err != nil {
			return nil, core.PlanningError(spec.Key(), err)
		}
	}
	p.logger.Info("planned table",
		zap.String("table", spec.Key()),
		zap.String("load_type", string(spec.LoadType)),
		zap.Stringer("extent", plan.Extent),
		zap.Int64("rows", plan.ExpectedRows),
		zap.Int("chunks", len(plan.Chunks)),
		zap.Bool("sampled", plan.Sampled))
	return plan, nil
}

func (p *Planner) planDelta(ctx context.Context, spec core.TableSpec, wm *core.Watermark, plan *Plan) error {
	extent := core.Range{
		Kind:        core.RangeTime,
		Column:      spec.DeltaColumn,
		To:          plan.Snapshot,
		ToInclusive: true,
	}
	if wm != nil && !wm.LastDeltaValue.IsZero() {
		extent.From = wm.LastDeltaValue.UTC()
	} else {
		extent.From = plan.Snapshot.Add(-p.opts.Lookback)
		extent.FromInclusive = true
	}
	plan.Extent = extent

	if !extent.To.After(extent.From) {
		// Watermark at or past the snapshot: nothing new to read.
		return nil
	}
	n, err := p.src.Count(ctx, spec.Source(), extent)
	if err != nil {
		return fmt.Errorf("count probe: %w", err)
	}
	plan.ExpectedRows = n
	return nil
}

func (p *Planner) planFull(ctx context.Context, spec core.TableSpec, plan *Plan) error {
	table := spec.Source()

	if p.opts.Sampling && p.opts.SampleThreshold > 0 {
		est, err := p.src.EstimateRows(ctx, table)
		if err != nil {
			return fmt.Errorf("row estimate: %w", err)
		}
		if est > p.opts.SampleThreshold {
			plan.Extent = core.Range{Kind: core.RangeSample, Limit: p.opts.SampleSize, OrderBy: rowOrder(spec, plan.Columns)}
			plan.ExpectedRows = min(est, p.opts.SampleSize)
			plan.Sampled = true
			p.logger.Warn("table above sampling threshold, loading a sample",
				zap.String("table", spec.Key()),
				zap.Int64("estimate", est),
				zap.Int64("sample_size", p.opts.SampleSize))
			return nil
		}
	}

	if spec.PKColumn == "" {
		plan.Extent = core.Range{Kind: core.RangeAll, OrderBy: rowOrder(spec, plan.Columns)}
		n, err := p.src.Count(ctx, table, plan.Extent)
		if err != nil {
			return fmt.Errorf("count probe: %w", err)
		}
		plan.ExpectedRows = n
		return nil
	}

	lo, hi, ok, err := p.src.IDBounds(ctx, table, spec.PKColumn)
	if err != nil {
		return fmt.Errorf("id bounds: %w", err)
	}
	if !ok {
		plan.Extent = core.Range{Kind: core.RangeID, Column: spec.PKColumn}
		return nil
	}
	plan.Extent = core.Range{Kind: core.RangeID, Column: spec.PKColumn, LowID: lo, HighID: hi}
	n, err := p.src.Count(ctx, table, plan.Extent)
	if err != nil {
		return fmt.Errorf("count probe: %w", err)
	}
	plan.ExpectedRows = n
	return nil
}

// bound subdivides every chunk holding more than ChunkSize rows. A chunk is
// halved while its range can be split; a single identifier or instant that
// still holds too many rows is cut into row windows. Neighbouring ranges that
// fit under the cap together are then joined again.
func (p *Planner) bound(ctx context.Context, table core.TableRef, chunks []core.Chunk, order []string) ([]core.Chunk, error) {
	type counted struct {
		r core.Range
		n int64
	}
	var out []counted
	var visit func(r core.Range) error
	visit = func(r core.Range) error {
		n, err := p.src.Count(ctx, table, r)
		if err != nil {
			return fmt.Errorf("count probe: %w", err)
		}
		if n <= p.opts.ChunkSize {
			if last := len(out) - 1; last >= 0 && !out[last].r.Windowed() && out[last].n+n <= p.opts.ChunkSize {
				out[last] = counted{r: join(out[last].r, r), n: out[last].n + n}
				return nil
			}
			out = append(out, counted{r: r, n: n})
			return nil
		}
		if lo, hi, ok := halve(r); ok {
			if err := visit(lo); err != nil {
				return err
			}
			return visit(hi)
		}
		r.OrderBy = order
		for _, w := range splitRows(r, n, p.opts.ChunkSize) {
			out = append(out, counted{r: w, n: w.Limit})
		}
		return nil
	}
	for _, c := range chunks {
		if err := visit(c.Range); err != nil {
			return nil, err
		}
	}

	ranges := make([]core.Range, len(out))
	for i, c := range out {
		ranges[i] = c.r
	}
	if len(ranges) != len(chunks) {
		p.logger.Debug("chunks bounded by row count",
			zap.String("table", table.String()),
			zap.Int("planned", len(chunks)),
			zap.Int("bounded", len(ranges)))
	}
	return numbered(ranges), nil
}

// rowOrder is the sort key of row windows: the primary key, else every column.
func rowOrder(spec core.TableSpec, cols []core.Column) []string {
	if spec.PKColumn != "" {
		return []string{spec.PKColumn}
	}
	order := make([]string, len(cols))
	for i, c := range cols {
		order[i] = c.Name
	}
	return order
}
