package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// dequeueBackoff spaces out retries when the queue itself is failing.
const dequeueBackoff = time.Second

// Handler processes one dequeued chunk task.
type Handler interface {
	ProcessChunk(ctx context.Context, task ChunkTask) error
}

// Worker drains the continuation queue. Tasks for different runs execute
// concurrently up to the semaphore limit; tasks for one run are naturally
// serialized because a run's next chunk is only enqueued when the previous
// one finishes.
type Worker struct {
	queue     Queue
	handler   Handler
	logger    *slog.Logger
	semaphore chan struct{}
	wg        sync.WaitGroup
}

func NewWorker(q Queue, handler Handler, maxConcurrency int, logger *slog.Logger) *Worker {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Worker{
		queue:     q,
		handler:   handler,
		logger:    logger,
		semaphore: make(chan struct{}, maxConcurrency),
	}
}

// Start blocks until ctx is cancelled, then waits for in-flight tasks.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("continuation worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("continuation worker stopping")
			w.wg.Wait()
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if task == nil {
			continue
		}

		w.wg.Add(1)
		go w.handle(ctx, *task)
	}
}

func (w *Worker) handle(ctx context.Context, task ChunkTask) {
	defer w.wg.Done()

	w.semaphore <- struct{}{}
	defer func() { <-w.semaphore }()

	if err := w.handler.ProcessChunk(ctx, task); err != nil {
		w.logger.Error("chunk processing failed",
			"run_id", task.RunID, "start_index", task.StartIndex, "error", err)
	}
}
