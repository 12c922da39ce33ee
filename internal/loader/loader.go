// Package loader bulk-ingests a job's staged artifacts into the destination as one set.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/connector/minio"
	"github.com/nucleus/ucl-sync/internal/connector/warehouse"
	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/extract"
)

// Reject reasons.
const (
	RejectFieldCount = "field_count"
	RejectNullKey    = "null_primary_key"
	RejectFutureDate = "future_date"
)

// Target is the destination side of a load.
type Target interface {
	EnsureTable(ctx context.Context, table core.TableRef, cols []core.Column, meta []warehouse.MetaColumn) error
	Ingest(ctx context.Context, req warehouse.IngestRequest) (int64, error)
}

// Options tune loading.
type Options struct {
	Bucket    string
	Delimiter rune
	// SourceSystemID is stamped on every row when set.
	SourceSystemID string
	// RejectFutureDates rejects rows whose date column is later than the load time.
	RejectFutureDates bool
	Now               func() time.Time
}

// Result is the outcome of one bulk load.
type Result struct {
	RowsLoaded   int64
	RowsRejected int64
	Rejects      map[string]int64
}

// BulkLoader streams staged artifacts into a single ingest.
type BulkLoader struct {
	target Target
	store  minio.ObjectStore
	opts   Options
	logger *zap.Logger
}

// New builds a BulkLoader.
func New(target Target, store minio.ObjectStore, opts Options, logger *zap.Logger) *BulkLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Delimiter == 0 {
		opts.Delimiter = '|'
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BulkLoader{target: target, store: store, opts: opts, logger: logger.Named("loader")}
}

// Load ingests every chunk of job in one operation. FULL jobs replace the
// destination contents and DELTA jobs append. The ingest commits only when
// loaded plus rejected rows equal the extracted row count.
func (l *BulkLoader) Load(ctx context.Context, job *core.SyncJob, chunks []core.Chunk) (*Result, error) {
	table := job.Spec.Target()
	fail := func(err error) (*Result, error) { return nil, core.LoadError(job.Table(), err) }

	var extracted int64
	for _, c := range chunks {
		if c.Status != core.ChunkStaged && c.Status != core.ChunkLoaded {
			return fail(fmt.Errorf("chunk %d is %s, not staged", c.Index, c.Status))
		}
		extracted += c.RowCount
	}

	meta := warehouse.DefaultMetaColumns(l.opts.SourceSystemID != "")
	if err := l.target.EnsureTable(ctx, table, job.Columns, meta); err != nil {
		return fail(err)
	}

	res := &Result{Rejects: map[string]int64{}}
	if len(chunks) == 0 && job.LoadType == core.LoadDelta {
		return res, nil
	}

	header := columnNames(job.Columns)
	var first *headless
	if len(chunks) > 0 {
		rc, h, err := l.openFirst(ctx, chunks[0])
		if err != nil {
			return fail(err)
		}
		first, header = rc, h
	}

	columns := append([]string(nil), header...)
	for _, m := range meta {
		columns = append(columns, m.Name)
	}

	now := l.opts.Now().UTC()
	s := &stream{
		loader: l,
		job:    job,
		header: header,
		now:    now,
		meta:   l.metaValues(job, now),
		counts: map[string]*atomic.Int64{
			RejectFieldCount: {},
			RejectNullKey:    {},
			RejectFutureDate: {},
		},
	}
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(s.run(ctx, chunks, first, pw))
	}()

	loaded, err := l.target.Ingest(ctx, warehouse.IngestRequest{
		Table:     table,
		Columns:   columns,
		Reader:    pr,
		Delimiter: l.opts.Delimiter,
		Replace:   job.LoadType == core.LoadFull,
		BeforeCommit: func(loaded int64) error {
			if rejected := s.rejected(); loaded+rejected != extracted {
				return fmt.Errorf("row count mismatch: extracted %d, loaded %d, rejected %d", extracted, loaded, rejected)
			}
			return nil
		},
	})
	pr.CloseWithError(errIngestDone)
	<-done
	if err != nil {
		return fail(err)
	}

	res.RowsLoaded = loaded
	for reason, n := range s.counts {
		if v := n.Load(); v > 0 {
			res.Rejects[reason] = v
			res.RowsRejected += v
		}
	}
	l.logger.Info("bulk load finished",
		zap.String("run_id", job.RunID),
		zap.String("table", table.String()),
		zap.Int("artifacts", len(chunks)),
		zap.Int64("rows_loaded", res.RowsLoaded),
		zap.Int64("rows_rejected", res.RowsRejected))
	return res, nil
}

var errIngestDone = errors.New("ingest finished")

// openFirst opens the first artifact and consumes its header line.
func (l *BulkLoader) openFirst(ctx context.Context, chunk core.Chunk) (*headless, []string, error) {
	rc, err := l.store.GetObject(ctx, l.opts.Bucket, chunk.Location)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", chunk.Location, err)
	}
	r := l.reader(rc)
	header, err := r.Read()
	if err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("read header of %s: %w", chunk.Location, err)
	}
	return &headless{ReadCloser: rc, r: r}, append([]string(nil), header...), nil
}

func (l *BulkLoader) reader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = l.opts.Delimiter
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}

func (l *BulkLoader) metaValues(job *core.SyncJob, now time.Time) []string {
	vals := []string{now.Format(extract.TimeLayout), job.RunID}
	if l.opts.SourceSystemID != "" {
		vals = append(vals, l.opts.SourceSystemID)
	}
	return vals
}

// headless is an artifact whose csv reader already consumed the header.
type headless struct {
	io.ReadCloser
	r *csv.Reader
}

type stream struct {
	loader *BulkLoader
	job    *core.SyncJob
	header []string
	now    time.Time
	meta   []string
	counts map[string]*atomic.Int64
}

func (s *stream) rejected() int64 {
	var total int64
	for _, n := range s.counts {
		total += n.Load()
	}
	return total
}

// run writes every artifact's load-ready rows to w in chunk order.
func (s *stream) run(ctx context.Context, chunks []core.Chunk, first *headless, w io.Writer) error {
	out := csv.NewWriter(w)
	out.Comma = s.loader.opts.Delimiter

	pk := indexOf(s.header, s.job.Spec.PKColumn)
	date := -1
	if s.loader.opts.RejectFutureDates {
		date = indexOf(s.header, s.job.DateColumn())
	}

	for i, c := range chunks {
		var r *csv.Reader
		var rc io.ReadCloser
		if i == 0 && first != nil {
			r, rc = first.r, first
		} else {
			obj, err := s.loader.store.GetObject(ctx, s.loader.opts.Bucket, c.Location)
			if err != nil {
				return fmt.Errorf("open %s: %w", c.Location, err)
			}
			r, rc = s.loader.reader(obj), obj
		}
		err := s.copyRows(r, out, pk, date)
		rc.Close()
		if err != nil {
			return fmt.Errorf("artifact %s: %w", c.Location, err)
		}
	}
	out.Flush()
	return out.Error()
}

func (s *stream) copyRows(r *csv.Reader, out *csv.Writer, pk, date int) error {
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if reason := s.check(rec, pk, date); reason != "" {
			s.counts[reason].Add(1)
			continue
		}
		if err := out.Write(append(rec, s.meta...)); err != nil {
			return err
		}
	}
}

func (s *stream) check(rec []string, pk, date int) string {
	if len(rec) != len(s.header) {
		return RejectFieldCount
	}
	if pk >= 0 && rec[pk] == extract.Null {
		return RejectNullKey
	}
	if date >= 0 && rec[date] != extract.Null {
		if ts, err := time.ParseInLocation(extract.TimeLayout, rec[date], time.UTC); err == nil && ts.After(s.now) {
			return RejectFutureDate
		}
	}
	return ""
}

func indexOf(header []string, column string) int {
	if column == "" {
		return -1
	}
	for i, h := range header {
		if h == column {
			return i
		}
	}
	for i, h := range header {
		if strings.EqualFold(h, column) {
			return i
		}
	}
	return -1
}

func columnNames(cols []core.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
