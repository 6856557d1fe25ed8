package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker drains a buffered job queue on a single background goroutine, so
// ingestion and digest runs for one deployment never race each other
type Worker struct {
	pipeline *Pipeline
	jobs     chan Job
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewWorker creates a worker with the given queue capacity
func NewWorker(pipeline *Pipeline, queueSize int, logger *zap.Logger) *Worker {
	return &Worker{
		pipeline: pipeline,
		jobs:     make(chan Job, queueSize),
		logger:   logger,
	}
}

// Start launches the worker loop
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("pipeline worker started", zap.Int("queue_size", cap(w.jobs)))
}

// Stop cancels the running job and waits for the loop to exit. Queued jobs
// are dropped.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("pipeline worker stopped")
}

// Enqueue adds a job without blocking. A full queue rejects the job.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.jobs <- job:
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.logger.Info("processing job",
				zap.String("kind", string(job.Kind)),
				zap.Int64("user_id", job.UserID),
				zap.Int64("repo_id", job.RepoID))

			if err := w.pipeline.Run(ctx, job); err != nil {
				w.logger.Error("job failed",
					zap.String("kind", string(job.Kind)),
					zap.Int64("user_id", job.UserID),
					zap.Error(err))
			}
		}
	}
}
