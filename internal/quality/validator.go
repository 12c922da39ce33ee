// Package quality compares source and destination after a load.
//
// A check passes when |source - target| / |source| is within the configured
// tolerance (a fraction, 0.01 = 1%). Drift inside the tolerance is expected
// when the source keeps receiving writes during a sync. A failed check is a
// warning: it is recorded and surfaced but never fails the job.
package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/core"
)

// DefaultTolerance is 1%.
const DefaultTolerance = 0.01

// Source is the source side of the checks, filtered by the job extent.
type Source interface {
	Count(ctx context.Context, table core.TableRef, r core.Range) (int64, error)
	Sum(ctx context.Context, table core.TableRef, column string, r core.Range) (float64, error)
	CountNulls(ctx context.Context, table core.TableRef, column string, r core.Range) (int64, error)
}

// Target is the destination side of the checks, filtered by run id.
type Target interface {
	CountRows(ctx context.Context, table core.TableRef, runID string) (int64, error)
	Sum(ctx context.Context, table core.TableRef, column, runID string) (float64, error)
	CountNulls(ctx context.Context, table core.TableRef, column, runID string) (int64, error)
}

// Options tune validation.
type Options struct {
	Tolerance float64
	Now       func() time.Time
}

// Validator runs the configured checks for a job.
type Validator struct {
	src    Source
	dst    Target
	opts   Options
	logger *zap.Logger
}

// New builds a Validator.
func New(src Source, dst Target, opts Options, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Validator{src: src, dst: dst, opts: opts, logger: logger.Named("quality")}
}

// Validate runs a row-count check plus one aggregate check per configured
// aggregate column and one null check per configured null-check column.
// Probe failures are returned as a ValidationWarning alongside the results that did complete.
func (v *Validator) Validate(ctx context.Context, job *core.SyncJob) ([]core.QualityCheckResult, error) {
	src, dst := job.Spec.Source(), job.Spec.Target()
	var results []core.QualityCheckResult
	var errs error

	sCount, err := v.src.Count(ctx, src, job.Extent)
	errs = multierr.Append(errs, err)
	if err == nil {
		tCount, err := v.dst.CountRows(ctx, dst, job.RunID)
		errs = multierr.Append(errs, err)
		if err == nil {
			results = append(results, v.Compare(job, core.CheckRowCount, "", float64(sCount), float64(tCount)))
		}
	}

	for _, col := range job.Spec.AggregateColumns {
		s, err := v.src.Sum(ctx, src, col, job.Extent)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		t, err := v.dst.Sum(ctx, dst, col, job.RunID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		results = append(results, v.Compare(job, core.CheckAggregate, col, s, t))
	}

	for _, col := range job.Spec.NullCheckColumns {
		s, err := v.src.CountNulls(ctx, src, col, job.Extent)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		t, err := v.dst.CountNulls(ctx, dst, col, job.RunID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		results = append(results, v.Compare(job, core.CheckNulls, col, float64(s), float64(t)))
	}

	for _, r := range results {
		fields := []zap.Field{
			zap.String("run_id", job.RunID),
			zap.String("check", string(r.CheckType)),
			zap.String("column", r.Column),
			zap.Float64("source", r.SourceValue),
			zap.Float64("target", r.TargetValue),
			zap.Float64("difference_pct", r.DifferencePercent),
		}
		if r.Passed {
			v.logger.Info("quality check passed", fields...)
		} else {
			v.logger.Warn("quality check outside tolerance", fields...)
		}
	}
	if errs != nil {
		return results, core.ValidationWarning(job.Table(), fmt.Errorf("quality probe: %w", errs))
	}
	return results, nil
}

// Compare builds one result. An empty source passes only against an empty target.
func (v *Validator) Compare(job *core.SyncJob, check core.CheckType, column string, source, target float64) core.QualityCheckResult {
	s, t := decimal.NewFromFloat(source), decimal.NewFromFloat(target)
	diff := s.Sub(t).Abs()

	var rel decimal.Decimal
	switch {
	case !s.IsZero():
		rel = diff.DivRound(s.Abs(), 12)
	case !t.IsZero():
		rel = decimal.NewFromInt(1)
	default:
		rel = decimal.Zero
	}

	diffF, _ := diff.Float64()
	pct, _ := rel.Mul(decimal.NewFromInt(100)).Float64()
	return core.QualityCheckResult{
		RunID:             job.RunID,
		Table:             job.Table(),
		CheckType:         check,
		Column:            column,
		SourceValue:       source,
		TargetValue:       target,
		Difference:        diffF,
		DifferencePercent: pct,
		Tolerance:         v.opts.Tolerance,
		Passed:            rel.LessThanOrEqual(decimal.NewFromFloat(v.opts.Tolerance)),
		CheckedAt:         v.opts.Now().UTC(),
	}
}

// Failed returns the results outside tolerance.
func Failed(results []core.QualityCheckResult) []core.QualityCheckResult {
	var out []core.QualityCheckResult
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
