package assemble

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work for RunBounded.
type Task[T any] func(ctx context.Context) (T, error)

// Result holds the outcome of a Task. Exactly one of Value and Err is meaningful.
type Result[T any] struct {
	Value T
	Err   error
}

// RunBounded runs tasks with at most max running at once and returns their
// results in submission order. A failing task only fills its own slot; the
// rest of the batch keeps going. Tasks not yet started when ctx is done get
// ctx.Err() without running.
func RunBounded[T any](ctx context.Context, tasks []Task[T], max int) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if max <= 0 {
		max = 1
	}

	var g errgroup.Group
	g.SetLimit(max)
	for i, task := range tasks {
		i, task := i, task
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			v, err := task(ctx)
			results[i] = Result[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
