package orchestration

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nucleus/ucl-sync/internal/core"
)

// ErrTableBusy is returned when another job holds a table.
var ErrTableBusy = errors.New("table is locked by another job")

// TableLocks gives at most one job per table at a time.
type TableLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewTableLocks() *TableLocks {
	return &TableLocks{held: make(map[string]struct{})}
}

// Acquire takes the lock for table without waiting. The returned release is idempotent.
func (l *TableLocks) Acquire(table string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[table]; ok {
		return nil, fmt.Errorf("%s: %w", table, ErrTableBusy)
	}
	l.held[table] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, table)
			l.mu.Unlock()
		})
	}, nil
}

// TargetKey names the lock on the destination table of spec.
func TargetKey(spec core.TableSpec) string { return "target:" + spec.Target().String() }

// SourceKey names the lock on the watermark and job history of spec's source table.
func SourceKey(spec core.TableSpec) string { return "source:" + spec.Key() }

// AcquireJob takes both locks a job needs, or neither: its destination
// table, so no two jobs load the same table, and its source table state.
func (l *TableLocks) AcquireJob(spec core.TableSpec) (release func(), err error) {
	target, err := l.Acquire(TargetKey(spec))
	if err != nil {
		return nil, err
	}
	source, err := l.Acquire(SourceKey(spec))
	if err != nil {
		target()
		return nil, err
	}
	return func() {
		source()
		target()
	}, nil
}

// Held reports whether table is locked.
func (l *TableLocks) Held(table string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[table]
	return ok
}
