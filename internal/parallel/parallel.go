// Package parallel runs bounded fan-out work.
package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Result holds the outcome for the item at Index.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Collect processes items with at most workers goroutines. It cancels the
// remaining work on the first error and returns results in input order along
// with the first non-context error. Items skipped after cancellation carry
// the context error.
//
// onProgress is called after each successful item.
func Collect[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) (R, error),
	onProgress func(done int64, total int64),
) ([]Result[R], error) {
	if len(items) == 0 {
		return nil, nil
	}

	workers = normalizeWorkers(workers, len(items))
	total := int64(len(items))

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, len(items))
	out := make([]Result[R], len(items))
	var done int64

	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for idx := range jobs {
				out[idx].Index = idx
				if err := workerCtx.Err(); err != nil {
					out[idx].Err = err
					continue
				}
				value, err := process(workerCtx, items[idx])
				if err != nil {
					out[idx].Err = err
					cancel()
					continue
				}
				out[idx].Value = value
				n := atomic.AddInt64(&done, 1)
				if onProgress != nil {
					onProgress(n, total)
				}
			}
		})
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var firstErr, firstNonCancelErr error
	for _, res := range out {
		if res.Err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = res.Err
		}
		if firstNonCancelErr == nil && !errors.Is(res.Err, context.Canceled) {
			firstNonCancelErr = res.Err
		}
	}

	// Prefer non-cancel errors for reporting
	if firstNonCancelErr != nil {
		return out, firstNonCancelErr
	}
	return out, firstErr
}

// normalizeWorkers ensures worker count is between 1 and item count.
func normalizeWorkers(workers, itemCount int) int {
	if workers < 1 {
		workers = 1
	}
	if workers > itemCount {
		workers = itemCount
	}
	return workers
}
