package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/orionX123/billing/internal/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Job identifies one persisted sync run. Everything else is loaded from the
// SyncLog row so a job survives a process restart when queued externally.
type Job struct {
	SyncLogID   uuid.UUID `json:"syncLogId"`
	ConnectorID uuid.UUID `json:"connectorId"`
	SyncType    string    `json:"syncType"`
}

// Dispatcher hands a job to whatever executes runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job Job) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) error { return f(ctx, job) }

// Executor runs a dispatched job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// WorkerPool is the in-process Dispatcher: a bounded buffer drained by a
// fixed number of workers.
type WorkerPool struct {
	workers int
	queue   chan Job
	logger  *slog.Logger
}

func NewWorkerPool(workers, queueSize int, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{workers: workers, queue: make(chan Job, queueSize), logger: logger}
}

// Dispatch enqueues job without blocking.
func (p *WorkerPool) Dispatch(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- job:
		metrics.SyncQueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is done. Jobs still buffered at shutdown
// stay pending and are failed by the reaper.
func (p *WorkerPool) Run(ctx context.Context, exec Executor) error {
	if exec == nil {
		return errors.New("sync executor is nil")
	}
	g, gctx := errgroup.WithContext(ctx)
	for range p.workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-p.queue:
					metrics.SyncQueueDepth.Dec()
					if err := exec.Execute(gctx, job); err != nil {
						p.logger.Error("sync job failed", "sync_log_id", job.SyncLogID, "connector_id", job.ConnectorID, "err", err)
					}
				}
			}
		})
	}
	return g.Wait()
}
