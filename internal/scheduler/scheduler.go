// Package scheduler re-enqueues stale hosts. A host whose findings were
// resolved against a vulnerability feed snapshot older than the rescan
// interval gets its last known inventory re-correlated, so new CVE
// publications surface without waiting for the agent's next report.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
	"github.com/hostsentry/hostsentry/internal/worker"
)

// Scheduler runs the periodic rescan sweep.
type Scheduler struct {
	store  statestore.StateStore
	worker *worker.Worker
	cfg    config.WorkerConfig
	logger *slog.Logger
}

// New creates a rescan scheduler.
func New(store statestore.StateStore, w *worker.Worker, cfg config.WorkerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		worker: w,
		cfg:    cfg,
		logger: logger,
	}
}

// Start begins the sweep loop. It blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.RescanInterval <= 0 {
		s.logger.Info("rescan disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("starting rescan scheduler",
		"poll_interval", s.cfg.PollInterval.String(),
		"rescan_interval", s.cfg.RescanInterval.String())

	// Initial sweep, then wait for the poll interval after each sweep
	// completes
	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("initial rescan sweep failed",
			"error", err.Error())
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rescan scheduler shutting down")
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("rescan sweep failed",
					"error", err.Error())
			}
		}
	}
}

// Sweep performs a single pass: every host whose findings are older than
// the rescan interval gets its stored inventory resubmitted.
func (s *Scheduler) Sweep(ctx context.Context) error {
	hosts, err := s.store.ListHostsDueForRescan(ctx, s.cfg.RescanInterval)
	if err != nil {
		return fmt.Errorf("failed to list hosts due for rescan: %w", err)
	}
	if len(hosts) == 0 {
		return nil
	}

	s.logger.Info("rescanning stale hosts",
		"count", len(hosts))

	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.rescanHost(ctx, host); err != nil {
			s.logger.Error("failed to rescan host",
				"host", host,
				"error", err.Error())
			continue
		}
	}

	return nil
}

// rescanHost resubmits a host's last stored inventory.
func (s *Scheduler) rescanHost(ctx context.Context, host string) error {
	inv, err := s.store.GetInventory(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to load stored inventory: %w", err)
	}

	s.logger.Debug("resubmitting stored inventory",
		"host", host,
		"items", len(inv.Items),
		"collected_at", inv.CollectedAt.Format(time.RFC3339))

	return s.worker.Submit(ctx, types.HostInventory{
		Host:        inv.Host,
		CollectedAt: inv.CollectedAt,
		Items:       inv.Items,
	}, true)
}
