package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Memory is an in-process Store for dry runs and tests.
type Memory struct {
	mu         sync.Mutex
	watermarks map[string]core.Watermark
	jobs       map[string]core.SyncJob
	chunks     map[string]map[int]core.Chunk
	stats      []core.LoadStatsRecord
	quality    []core.QualityCheckResult

	// setErr, when set, fails watermark writes.
	setErr error
}

// NewMemory builds an empty store.
func NewMemory() *Memory {
	return &Memory{
		watermarks: make(map[string]core.Watermark),
		jobs:       make(map[string]core.SyncJob),
		chunks:     make(map[string]map[int]core.Chunk),
	}
}

// FailWatermarkWrites makes Set return err until cleared with nil.
func (m *Memory) FailWatermarkWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(_ context.Context, table string) (*core.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.watermarks[table]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

func (m *Memory) Set(_ context.Context, table string, wm core.Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	wm.Table = table
	m.watermarks[table] = wm
	return nil
}

func (m *Memory) SaveJob(_ context.Context, job *core.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	cp.Chunks = nil
	cp.Columns = append([]core.Column(nil), job.Columns...)
	m.jobs[job.RunID] = cp
	return nil
}

func (m *Memory) SaveChunk(_ context.Context, runID string, chunk core.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[runID] == nil {
		m.chunks[runID] = make(map[int]core.Chunk)
	}
	m.chunks[runID][chunk.Index] = chunk
	return nil
}

func (m *Memory) LatestJob(_ context.Context, table string) (*core.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *core.SyncJob
	for _, j := range m.jobs {
		if j.Table() != table {
			continue
		}
		if latest == nil || j.StartedAt.After(latest.StartedAt) ||
			(j.StartedAt.Equal(latest.StartedAt) && j.RunID > latest.RunID) {
			cp := j
			latest = &cp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) Chunks(_ context.Context, runID string) ([]core.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Chunk, 0, len(m.chunks[runID]))
	for _, c := range m.chunks[runID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) AppendLoadStats(_ context.Context, rec core.LoadStatsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, rec)
	return nil
}

func (m *Memory) AppendQualityResults(_ context.Context, results []core.QualityCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality = append(m.quality, results...)
	return nil
}

func (m *Memory) LoadStats(_ context.Context, runID string) ([]core.LoadStatsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.LoadStatsRecord
	for _, r := range m.stats {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) QualityResults(_ context.Context, runID string) ([]core.QualityCheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.QualityCheckResult
	for _, r := range m.quality {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}
