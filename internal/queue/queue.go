// Package queue holds inventories waiting for correlation. One task per
// host may be pending at a time: a newer report for a host that is still
// queued replaces the queued payload instead of queueing twice, because
// inventories supersede, they never merge.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/errors"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/types"
)

// TaskQueue manages the queue of inventory ingest tasks
type TaskQueue interface {
	// Enqueue adds a task, or supersedes the pending task for the same host
	Enqueue(ctx context.Context, task *IngestTask) error

	// Dequeue retrieves a task for processing (blocking)
	Dequeue(ctx context.Context) (*IngestTask, error)

	// Complete marks a task as successfully processed (for metrics/logging)
	Complete(ctx context.Context, host string) error

	// Fail marks a task as failed (for metrics/logging)
	Fail(ctx context.Context, host string, err error) error

	// GetQueueDepth returns current queue size
	GetQueueDepth(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// IngestTask carries one host inventory through the pipeline. Seq is the
// submitter's monotonic sequence for supersede ordering: a task with a
// lower Seq than another task for the same host is the older report.
type IngestTask struct {
	Inventory  types.HostInventory
	EnqueuedAt time.Time
	IsRescan   bool
	Seq        uint64
}

// InMemoryQueue implements TaskQueue using Go channels
type InMemoryQueue struct {
	tasks      chan *IngestTask
	pending    map[string]*IngestTask // host -> queued task, for supersede
	pendingMu  sync.Mutex
	metrics    *QueueMetrics
	metricsMu  sync.RWMutex
	closed     bool
	closedMu   sync.RWMutex
	bufferSize int
}

// QueueMetrics tracks queue operation statistics
type QueueMetrics struct {
	Enqueued   int64
	Dequeued   int64
	Completed  int64
	Failed     int64
	Superseded int64
}

// NewInMemoryQueue creates a new in-memory ingest queue
func NewInMemoryQueue(bufferSize int) *InMemoryQueue {
	return &InMemoryQueue{
		tasks:      make(chan *IngestTask, bufferSize),
		pending:    make(map[string]*IngestTask),
		metrics:    &QueueMetrics{},
		bufferSize: bufferSize,
	}
}

// Enqueue adds a task to the queue. If a task for the same host is still
// queued, its payload is replaced in place and no second task is queued.
func (q *InMemoryQueue) Enqueue(ctx context.Context, task *IngestTask) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return errors.NewPermanentf("queue is closed")
	}
	q.closedMu.RUnlock()

	if task == nil {
		return errors.NewPermanentf("task cannot be nil")
	}

	if task.Inventory.Host == "" {
		return errors.NewPermanentf("task host cannot be empty")
	}

	q.pendingMu.Lock()
	if existing, ok := q.pending[task.Inventory.Host]; ok {
		existing.Inventory = task.Inventory
		existing.EnqueuedAt = task.EnqueuedAt
		existing.IsRescan = task.IsRescan
		existing.Seq = task.Seq
		q.pendingMu.Unlock()
		q.incrementMetric("superseded")
		observability.GetMetrics().QueueSuperseded.Inc()
		return nil
	}
	q.pending[task.Inventory.Host] = task
	q.pendingMu.Unlock()

	select {
	case q.tasks <- task:
		q.incrementMetric("enqueued")
		m := observability.GetMetrics()
		m.QueueEnqueued.Inc()
		m.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	case <-ctx.Done():
		q.pendingMu.Lock()
		delete(q.pending, task.Inventory.Host)
		q.pendingMu.Unlock()
		return ctx.Err()
	}
}

// Dequeue retrieves a task for processing (blocking). The returned task
// is a snapshot taken under the pending lock, so a racing supersede can
// no longer mutate what the worker processes.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*IngestTask, error) {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return nil, errors.NewPermanentf("queue is closed")
	}
	q.closedMu.RUnlock()

	select {
	case task, ok := <-q.tasks:
		if !ok {
			return nil, errors.NewPermanentf("queue is closed")
		}

		q.pendingMu.Lock()
		delete(q.pending, task.Inventory.Host)
		snapshot := *task
		q.pendingMu.Unlock()

		q.incrementMetric("dequeued")
		m := observability.GetMetrics()
		m.QueueDequeued.Inc()
		m.QueueDepth.Set(float64(len(q.tasks)))
		return &snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete marks a task as successfully processed
func (q *InMemoryQueue) Complete(ctx context.Context, host string) error {
	q.incrementMetric("completed")
	observability.GetMetrics().QueueCompleted.Inc()
	return nil
}

// Fail marks a task as failed
func (q *InMemoryQueue) Fail(ctx context.Context, host string, err error) error {
	q.incrementMetric("failed")
	observability.GetMetrics().QueueFailed.Inc()
	return nil
}

// GetQueueDepth returns current queue size
func (q *InMemoryQueue) GetQueueDepth(ctx context.Context) (int, error) {
	return len(q.tasks), nil
}

// Close shuts down the queue gracefully
func (q *InMemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return errors.NewPermanentf("queue already closed")
	}

	q.closed = true
	close(q.tasks)
	return nil
}

// GetMetrics returns a copy of current metrics
func (q *InMemoryQueue) GetMetrics() QueueMetrics {
	q.metricsMu.RLock()
	defer q.metricsMu.RUnlock()
	return *q.metrics
}

// incrementMetric safely increments a metric counter
func (q *InMemoryQueue) incrementMetric(metric string) {
	q.metricsMu.Lock()
	defer q.metricsMu.Unlock()

	switch metric {
	case "enqueued":
		q.metrics.Enqueued++
	case "dequeued":
		q.metrics.Dequeued++
	case "completed":
		q.metrics.Completed++
	case "failed":
		q.metrics.Failed++
	case "superseded":
		q.metrics.Superseded++
	}
}
