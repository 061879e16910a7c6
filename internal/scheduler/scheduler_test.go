package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/correlator"
	"github.com/hostsentry/hostsentry/internal/policy"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
	"github.com/hostsentry/hostsentry/internal/versionmatch"
	"github.com/hostsentry/hostsentry/internal/vulncache"
	"github.com/hostsentry/hostsentry/internal/worker"
)

type nopFetcher struct{}

func (nopFetcher) Fetch(_ context.Context, _ types.SoftwareIdentity) ([]types.VulnRecord, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T, rescanInterval time.Duration) (*Scheduler, *statestore.SQLiteStore, *worker.Worker) {
	t.Helper()
	store, err := statestore.NewSQLiteStore(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cache := vulncache.New(store, config.CacheConfig{
		TTL:             24 * time.Hour,
		FailureCooldown: time.Hour,
	}, nil)
	corr := correlator.New(cache, nopFetcher{}, versionmatch.NewSemverStrategy(), nil)

	engine, err := policy.NewEngine(nil, config.PolicyConfig{})
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	q := queue.NewInMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })

	cfg := config.WorkerConfig{
		Concurrency:    1,
		PollInterval:   10 * time.Millisecond,
		RescanInterval: rescanInterval,
	}
	// The worker is deliberately never started: sweeps only enqueue, and
	// the queue depth is the observable effect
	w := worker.New(q, corr, engine, store, cfg, nil)
	return New(store, w, cfg, nil), store, w
}

func seedHost(t *testing.T, store *statestore.SQLiteStore, host string) {
	t.Helper()
	inv := types.HostInventory{
		Host:        host,
		CollectedAt: time.Now().UTC(),
		Items:       []types.SoftwareIdentity{{Name: "nginx", Version: "1.18.0"}},
	}
	findings := []types.Finding{{
		Host: host, Name: "nginx", Version: "1.18.0",
		Status: types.FindingResolved, CVEs: []types.CVEMatch{}, ResolvedAt: time.Now().UTC(),
	}}
	if err := store.ReplaceFindings(context.Background(), inv, findings, statestore.ComplianceResult{
		Compliant: true, Reason: "clean",
	}, 1); err != nil {
		t.Fatalf("seed %s failed: %v", host, err)
	}
}

func TestSweepResubmitsStaleHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping aging test in short mode")
	}
	sched, store, w := newTestScheduler(t, time.Second)
	ctx := context.Background()

	seedHost(t, store, "web01")
	seedHost(t, store, "web02")

	// Timestamps have second granularity, so age the hosts past a full
	// second boundary beyond the rescan interval
	time.Sleep(2100 * time.Millisecond)

	if err := sched.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if queued := w.Status(ctx).Queued; queued != 2 {
		t.Errorf("expected both stale hosts queued, got %d", queued)
	}
}

func TestSweepSkipsFreshHosts(t *testing.T) {
	sched, store, w := newTestScheduler(t, time.Hour)
	ctx := context.Background()

	seedHost(t, store, "web01")

	if err := sched.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if queued := w.Status(ctx).Queued; queued != 0 {
		t.Errorf("fresh host must not be rescanned, got %d queued", queued)
	}
}

func TestSweepEmptyStoreIsNoop(t *testing.T) {
	sched, _, _ := newTestScheduler(t, time.Hour)
	if err := sched.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep over empty store failed: %v", err)
	}
}

func TestStartWithRescanDisabledWaitsForShutdown(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 0)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
