// Package worker runs the ingestion pipeline: it drains the task queue,
// resolves each inventory into findings, evaluates compliance and
// persists the result atomically per host.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/correlator"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/policy"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
)

// Worker consumes ingest tasks from the queue with a bounded pool of
// process loops. At most one ingest per host is in flight at a time;
// submitting a newer inventory for a host cancels the in-flight ingest
// for that host, since a superseded finding set would be overwritten
// immediately anyway.
type Worker struct {
	queue      queue.TaskQueue
	correlator *correlator.Correlator
	policy     *policy.Engine
	store      statestore.StateStore
	cfg        config.WorkerConfig
	logger     *slog.Logger

	// inflight maps host -> the ingest currently processing it
	inflight   map[string]*inflightEntry
	inflightMu sync.Mutex
	nextGen    uint64

	// submitSeq stamps every submission so supersede ordering survives
	// the gap between dequeue and inflight registration
	submitSeq atomic.Uint64

	status   Status
	statusMu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status is a snapshot of pipeline progress for the status endpoint.
type Status struct {
	Queued            int       `json:"queued"`
	InProgress        []string  `json:"in_progress"`
	Ingested          int64     `json:"ingested"`
	Failed            int64     `json:"failed"`
	LastCompletedHost string    `json:"last_completed_host,omitempty"`
	LastCompletedAt   time.Time `json:"last_completed_at,omitempty"`
}

// New creates a worker over the given pipeline components.
func New(q queue.TaskQueue, corr *correlator.Correlator, pol *policy.Engine, store statestore.StateStore, cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:      q,
		correlator: corr,
		policy:     pol,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		inflight:   make(map[string]*inflightEntry),
	}
}

// Submit queues an inventory for ingestion. If an ingest for the same
// host is currently running it is cancelled first: the new report
// supersedes it.
func (w *Worker) Submit(ctx context.Context, inv types.HostInventory, isRescan bool) error {
	if inv.Host == "" {
		return fmt.Errorf("inventory host cannot be empty")
	}

	seq := w.submitSeq.Add(1)

	w.inflightMu.Lock()
	if entry, ok := w.inflight[inv.Host]; ok {
		w.logger.Info("superseding in-flight ingest",
			"host", inv.Host)
		entry.cancel()
	}
	w.inflightMu.Unlock()

	return w.queue.Enqueue(ctx, &queue.IngestTask{
		Inventory:  inv,
		EnqueuedAt: time.Now().UTC(),
		IsRescan:   isRescan,
		Seq:        seq,
	})
}

// Start launches the configured number of process loops.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("starting ingestion worker",
		"concurrency", w.cfg.Concurrency)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.processLoop(ctx, id)
		}(i)
	}
}

// Stop cancels the process loops and waits for them to drain, up to the
// given timeout.
func (w *Worker) Stop(timeout time.Duration) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("ingestion worker stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker shutdown timed out after %s", timeout)
	}
}

// processLoop dequeues and processes tasks until the context is
// cancelled.
func (w *Worker) processLoop(ctx context.Context, id int) {
	logger := w.logger.With("loop", id)
	logger.Debug("process loop started")

	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("process loop stopping")
				return
			}
			logger.Error("failed to dequeue task", "error", err.Error())
			observability.GetMetrics().WorkerErrors.Inc()

			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		w.processTask(ctx, logger, task)
	}
}

// processTask runs one inventory through resolve -> policy -> persist.
// The task gets its own cancellable context registered under the host
// name so a superseding report can abort it mid-resolve.
func (w *Worker) processTask(ctx context.Context, logger *slog.Logger, task *queue.IngestTask) {
	host := task.Inventory.Host
	metrics := observability.GetMetrics()

	taskCtx, cancel := context.WithCancel(ctx)
	w.inflightMu.Lock()
	if current, ok := w.inflight[host]; ok {
		if current.seq > task.Seq {
			// A newer report for this host is already being ingested;
			// this task was dequeued out of order and must not run.
			w.inflightMu.Unlock()
			cancel()
			logger.Info("dropping stale ingest",
				"host", host)
			_ = w.queue.Fail(ctx, host, statestore.ErrStaleIngest)
			return
		}
		current.cancel()
	}
	w.nextGen++
	entry := &inflightEntry{cancel: cancel, gen: w.nextGen, seq: task.Seq}
	w.inflight[host] = entry
	w.inflightMu.Unlock()

	defer func() {
		w.inflightMu.Lock()
		// Another loop may have started a newer ingest for this host
		if current, ok := w.inflight[host]; ok && current.gen == entry.gen {
			delete(w.inflight, host)
		}
		w.inflightMu.Unlock()
		cancel()
	}()

	w.setInProgress(host, true)
	defer w.setInProgress(host, false)

	start := time.Now()
	logger.Info("ingesting inventory",
		"host", host,
		"items", len(task.Inventory.Items),
		"rescan", task.IsRescan)

	findings, err := w.correlator.Resolve(taskCtx, task.Inventory)
	if err != nil {
		if taskCtx.Err() != nil && ctx.Err() == nil {
			// Superseded: the newer report for this host is already queued
			logger.Info("ingest cancelled by newer report",
				"host", host,
				"resolved", len(findings))
			_ = w.queue.Fail(ctx, host, err)
			return
		}
		logger.Error("failed to resolve inventory",
			"host", host,
			"error", err.Error())
		metrics.WorkerErrors.Inc()
		w.recordFailure()
		_ = w.queue.Fail(ctx, host, err)
		return
	}

	decision, err := w.policy.Evaluate(taskCtx, host, findings)
	if err != nil {
		logger.Error("failed to evaluate compliance policy",
			"host", host,
			"error", err.Error())
		metrics.WorkerErrors.Inc()
		w.recordFailure()
		_ = w.queue.Fail(ctx, host, err)
		return
	}

	if err := w.store.ReplaceFindings(taskCtx, task.Inventory, findings, statestore.ComplianceResult{
		Compliant: decision.Compliant,
		Reason:    decision.Reason,
	}, task.Seq); err != nil {
		if errors.Is(err, statestore.ErrStaleIngest) {
			// A newer report for this host already persisted its set
			logger.Info("ingest result discarded, newer report persisted first",
				"host", host)
			_ = w.queue.Fail(ctx, host, err)
			return
		}
		logger.Error("failed to persist findings",
			"host", host,
			"error", err.Error())
		metrics.WorkerErrors.Inc()
		w.recordFailure()
		_ = w.queue.Fail(ctx, host, err)
		return
	}

	elapsed := time.Since(start)
	metrics.InventoriesIngested.Inc()
	metrics.IngestDuration.Observe(elapsed.Seconds())
	_ = w.queue.Complete(ctx, host)
	w.recordCompleted(host)

	logger.Info("inventory ingested",
		"host", host,
		"findings", len(findings),
		"compliant", decision.Compliant,
		"max_cvss", decision.MaxCVSS,
		"duration", elapsed.String())
}

// Status returns a snapshot of pipeline progress.
func (w *Worker) Status(ctx context.Context) Status {
	w.statusMu.RLock()
	snapshot := w.status
	snapshot.InProgress = append([]string(nil), w.status.InProgress...)
	w.statusMu.RUnlock()

	if depth, err := w.queue.GetQueueDepth(ctx); err == nil {
		snapshot.Queued = depth
	}
	return snapshot
}

func (w *Worker) setInProgress(host string, active bool) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()

	if active {
		w.status.InProgress = append(w.status.InProgress, host)
		return
	}
	for i, h := range w.status.InProgress {
		if h == host {
			w.status.InProgress = append(w.status.InProgress[:i], w.status.InProgress[i+1:]...)
			break
		}
	}
}

func (w *Worker) recordCompleted(host string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.Ingested++
	w.status.LastCompletedHost = host
	w.status.LastCompletedAt = time.Now().UTC()
}

func (w *Worker) recordFailure() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.Failed++
}

// inflightEntry identifies one running ingest so its registry slot is
// only cleared by the ingest that owns it. seq is the submission
// sequence of the task it is running.
type inflightEntry struct {
	cancel context.CancelFunc
	gen    uint64
	seq    uint64
}
