package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/opensource-finance/trialguard/internal/domain"
)

// BatchResult is the outcome of one event in a batch.
type BatchResult struct {
	Record *domain.DecisionRecord
	Err    error
}

// EvaluateBatch evaluates events and returns one result per event, in input
// order. Each account's events are stable-sorted by timestamp first, so
// reordering inside a batch is absorbed; distinct accounts run
// concurrently on at most BatchWorkers goroutines.
func (e *Engine) EvaluateBatch(ctx context.Context, events []domain.Event) []BatchResult {
	results := make([]BatchResult, len(events))

	groups := make(map[domain.Key][]int)
	order := make([]domain.Key, 0)
	for i := range events {
		k := events[i].Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}

	for _, k := range order {
		idx := groups[k]
		sort.SliceStable(idx, func(a, b int) bool {
			return events[idx[a]].Timestamp.Before(events[idx[b]].Timestamp)
		})
	}

	workers := e.batchWorkers
	if workers > len(order) {
		workers = len(order)
	}
	jobs := make(chan []int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				for _, i := range idx {
					if err := ctx.Err(); err != nil {
						results[i] = BatchResult{Err: err}
						continue
					}
					rec, err := e.Evaluate(ctx, events[i])
					results[i] = BatchResult{Record: rec, Err: err}
				}
			}
		}()
	}

	for _, k := range order {
		jobs <- groups[k]
	}
	close(jobs)

	wg.Wait()
	return results
}
