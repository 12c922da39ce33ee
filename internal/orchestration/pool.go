package orchestration

import (
	"context"
	"fmt"
	"sync"
)

// Work is one unit handed to the pool.
type Work[T any] func(ctx context.Context) (T, error)

// Result is the outcome of the work item at Index.
type Result[T any] struct {
	Index int
	Value T
	Error error
	// Skipped is set when ctx was done before the work started.
	Skipped bool
}

// WorkPool runs queued work on a fixed number of workers.
type WorkPool[T any] struct {
	workerCount int
	works       []Work[T]
}

func NewWorkPool[T any](workerCount int) *WorkPool[T] {
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkPool[T]{workerCount: workerCount}
}

func (w *WorkPool[T]) AddJob(work Work[T]) {
	w.works = append(w.works, work)
}

// Run executes every queued work item and returns the results in queue order.
// Items not yet started when ctx is done are reported as skipped.
func (w *WorkPool[T]) Run(ctx context.Context) []Result[T] {
	queue := make(chan int, len(w.works))
	for i := range w.works {
		queue <- i
	}
	close(queue)

	results := make([]Result[T], len(w.works))
	var wg sync.WaitGroup
	for i := 0; i < min(w.workerCount, len(w.works)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				results[idx] = w.run(ctx, idx)
			}
		}()
	}
	wg.Wait()
	return results
}

func (w *WorkPool[T]) run(ctx context.Context, idx int) (res Result[T]) {
	res.Index = idx
	if err := ctx.Err(); err != nil {
		res.Error = err
		res.Skipped = true
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Errorf("paniced with %v", r)
		}
	}()
	res.Value, res.Error = w.works[idx](ctx)
	return res
}
