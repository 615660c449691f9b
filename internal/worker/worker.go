// Package worker provides bounded-concurrency fan-out for slow external
// calls, plus per-host rate limiting.
package worker

import (
	"context"
	"sync"
)

// Outcome is the per-item result of a bounded map. Exactly one of Value and
// Err is meaningful; a failed call never removes its slot from the result
// slice, so positions always line up with the input.
type Outcome[R any] struct {
	Value R
	Err   error
}

// MapBounded applies fn to every item with at most concurrency calls in
// flight. Results are returned in input order regardless of completion order.
// A failing call yields an error marker in its slot rather than aborting
// sibling calls; context cancellation errors out the slots that have not
// started instead of dropping them. MapBounded returns only when every slot
// holds a success or an error.
func MapBounded[T, R any](ctx context.Context, items []T, concurrency int, fn func(context.Context, T) (R, error)) []Outcome[R] {
	results := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(idx int, item T) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				results[idx] = Outcome[R]{Err: ctx.Err()}
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			v, err := fn(ctx, item)
			results[idx] = Outcome[R]{Value: v, Err: err}
		}(i, items[i])
	}
	wg.Wait()
	return results
}
