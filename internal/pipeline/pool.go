package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler resolves one task into its outcome. It must not block forever.
type Handler func(ctx context.Context, t Task) Outcome

// WorkerPool runs a fixed number of goroutines that pull tasks one at a time
// from a dispatch queue.
type WorkerPool struct {
	workers int
	handle  Handler
	log     *slog.Logger
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(workers int, handle Handler, log *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &WorkerPool{
		workers: workers,
		handle:  handle,
		log:     log,
	}
}

// Dispatch hands every task to exactly one worker and blocks until all
// dispatched tasks have been recorded. Once ctx is cancelled no further
// task is dispatched; tasks already taken by a worker still run to
// completion. The tasks that were never dispatched are returned.
func (wp *WorkerPool) Dispatch(ctx context.Context, tasks []Task, record func(Outcome)) []Task {
	if len(tasks) == 0 {
		return nil
	}

	// Unbuffered: a send succeeds only when a worker takes the task.
	queue := make(chan Task)
	taskCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := range min(wp.workers, len(tasks)) {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(taskCtx, id, queue, record)
		}(i)
	}

	var pending []Task
dispatch:
	for i, t := range tasks {
		select {
		case queue <- t:
		case <-ctx.Done():
			pending = tasks[i:]
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	if len(pending) > 0 {
		wp.log.Warn("run cancelled, tasks not dispatched", "count", len(pending))
	}
	return pending
}

func (wp *WorkerPool) loop(ctx context.Context, id int, queue <-chan Task, record func(Outcome)) {
	for t := range queue {
		wp.log.Debug("worker: processing task", "worker", id, "symbol", t.Symbol)
		record(wp.safeHandle(ctx, t))
	}
}

func (wp *WorkerPool) safeHandle(ctx context.Context, t Task) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error("worker: panic recovered", "symbol", t.Symbol, "error", r)
			o = Failed(t.Symbol, fmt.Sprintf("panic: %v", r))
		}
	}()
	return wp.handle(ctx, t)
}
