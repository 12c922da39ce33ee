package warehouse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Memory is an in-process destination with the same ingest contract as
// Warehouse. It backs dry runs and tests. Rows are column maps; a null is an absent key.
type Memory struct {
	mu        sync.Mutex
	tables    map[string]*memTable
	ingestErr error
}

type memTable struct {
	columns []string
	rows    []map[string]string
}

// NewMemory builds an empty in-memory destination.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// FailIngest makes every later Ingest fail with err after reading its input. Nil clears it.
func (m *Memory) FailIngest(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingestErr = err
}

func (m *Memory) EnsureTable(ctx context.Context, table core.TableRef, cols []core.Column, meta []MetaColumn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table.String()]
	if !ok {
		if len(cols) == 0 {
			return fmt.Errorf("cannot create %s: no source columns", table)
		}
		t = &memTable{}
		for _, c := range cols {
			t.columns = append(t.columns, c.Name)
		}
		m.tables[table.String()] = t
	}
	for _, mc := range meta {
		if !slices.Contains(t.columns, mc.Name) {
			t.columns = append(t.columns, mc.Name)
		}
	}
	return nil
}

// Seed inserts rows directly, bypassing ingest.
func (m *Memory) Seed(table core.TableRef, columns []string, rows ...map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table.String()]
	if !ok {
		t = &memTable{columns: columns}
		m.tables[table.String()] = t
	}
	t.rows = append(t.rows, rows...)
}

func (m *Memory) Ingest(ctx context.Context, req IngestRequest) (int64, error) {
	m.mu.Lock()
	t, ok := m.tables[req.Table.String()]
	failWith := m.ingestErr
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("relation %s does not exist", req.Table)
	}

	r := csv.NewReader(req.Reader)
	r.Comma = req.Delimiter
	r.FieldsPerRecord = len(req.Columns)
	var batch []map[string]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("copy into %s: %w", req.Table, err)
		}
		row := make(map[string]string, len(rec))
		for i, v := range rec {
			if v != "" {
				row[req.Columns[i]] = v
			}
		}
		batch = append(batch, row)
	}
	if failWith != nil {
		return 0, failWith
	}

	loaded := int64(len(batch))
	if req.BeforeCommit != nil {
		if err := req.BeforeCommit(loaded); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Replace {
		t.rows = batch
	} else {
		t.rows = append(t.rows, batch...)
	}
	return loaded, nil
}

// Rows returns a copy of a table's rows.
func (m *Memory) Rows(table core.TableRef) []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table.String()]
	if !ok {
		return nil
	}
	return append([]map[string]string(nil), t.rows...)
}

func (m *Memory) CountRows(ctx context.Context, table core.TableRef, runID string) (int64, error) {
	var n int64
	err := m.scan(table, runID, func(map[string]string) error {
		n++
		return nil
	})
	return n, err
}

func (m *Memory) Sum(ctx context.Context, table core.TableRef, column, runID string) (float64, error) {
	var total float64
	err := m.scan(table, runID, func(row map[string]string) error {
		v, ok := row[column]
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("sum %s.%s: %w", table, column, err)
		}
		total += f
		return nil
	})
	return total, err
}

func (m *Memory) CountNulls(ctx context.Context, table core.TableRef, column, runID string) (int64, error) {
	var n int64
	err := m.scan(table, runID, func(row map[string]string) error {
		if _, ok := row[column]; !ok {
			n++
		}
		return nil
	})
	return n, err
}

func (m *Memory) scan(table core.TableRef, runID string, fn func(map[string]string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table.String()]
	if !ok {
		return fmt.Errorf("relation %s does not exist", table)
	}
	for _, row := range t.rows {
		if runID != "" && row[ColumnRunID] != runID {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
