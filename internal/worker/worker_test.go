package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
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
)

// fakeFetcher serves canned records and can block to simulate a slow
// provider
type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]types.VulnRecord
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeFetcher) Fetch(ctx context.Context, identity types.SoftwareIdentity) ([]types.VulnRecord, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[identity.CacheKey()], nil
}

type testPipeline struct {
	worker  *Worker
	queue   *queue.InMemoryQueue
	store   *statestore.SQLiteStore
	fetcher *fakeFetcher
}

func newTestPipeline(t *testing.T, fetcher *fakeFetcher) *testPipeline {
	t.Helper()
	store, err := statestore.NewSQLiteStore(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cache := vulncache.New(store, config.CacheConfig{
		TTL:             24 * time.Hour,
		FailureCooldown: time.Hour,
	}, nil)
	corr := correlator.New(cache, fetcher, versionmatch.NewSemverStrategy(), nil)

	engine, err := policy.NewEngine(nil, config.PolicyConfig{})
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	q := queue.NewInMemoryQueue(16)
	w := New(q, corr, engine, store, config.WorkerConfig{Concurrency: 2}, nil)
	return &testPipeline{worker: w, queue: q, store: store, fetcher: fetcher}
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerIngestsInventory(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]types.VulnRecord{
			"openssl@1.0.1": {
				{ID: "CVE-2014-0160", CVSS: 7.5, AffectedRanges: []types.VersionRange{
					{StartIncluding: "1.0.1", EndExcluding: "1.0.2"},
				}},
			},
		},
	}
	p := newTestPipeline(t, fetcher)
	ctx := context.Background()

	p.worker.Start(ctx)
	defer p.worker.Stop(5 * time.Second)

	inv := types.HostInventory{
		Host:        "web01",
		CollectedAt: time.Now().UTC(),
		Items: []types.SoftwareIdentity{
			{Name: "nginx", Version: "1.18.0"},
			{Name: "OpenSSL", Version: "1.0.1"},
		},
	}
	if err := p.worker.Submit(ctx, inv, false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return p.worker.Status(ctx).Ingested == 1
	})

	findings, err := p.store.GetFindings(ctx, "web01")
	if err != nil {
		t.Fatalf("get findings failed: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[1].Name != "OpenSSL" || len(findings[1].CVEs) != 1 {
		t.Errorf("unexpected finding: %+v", findings[1])
	}

	hosts, err := p.store.ListHosts(ctx)
	if err != nil {
		t.Fatalf("list hosts failed: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(hosts))
	}
	// CVSS 7.5 fails the default policy
	if hosts[0].Compliant {
		t.Errorf("expected non-compliant host, got %+v", hosts[0])
	}
}

func TestWorkerRejectsEmptyHost(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{})
	if err := p.worker.Submit(context.Background(), types.HostInventory{}, false); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestWorkerSupersedesInFlightIngest(t *testing.T) {
	fetcher := &fakeFetcher{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	p := newTestPipeline(t, fetcher)
	ctx := context.Background()

	p.worker.Start(ctx)
	defer p.worker.Stop(5 * time.Second)

	stale := types.HostInventory{
		Host:  "web01",
		Items: []types.SoftwareIdentity{{Name: "ghostware", Version: "0.1"}},
	}
	if err := p.worker.Submit(ctx, stale, false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Wait until the stale ingest is blocked inside the provider call,
	// then submit the superseding report
	<-fetcher.started
	fresh := types.HostInventory{
		Host:  "web01",
		Items: []types.SoftwareIdentity{{Name: "nginx", Version: "1.18.0"}},
	}
	if err := p.worker.Submit(ctx, fresh, false); err != nil {
		t.Fatalf("superseding submit failed: %v", err)
	}
	close(fetcher.block)

	waitFor(t, 5*time.Second, func() bool {
		return p.worker.Status(ctx).Ingested == 1
	})

	// Only the superseding inventory's findings survive
	findings, err := p.store.GetFindings(ctx, "web01")
	if err != nil {
		t.Fatalf("get findings failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Name != "nginx" {
		t.Errorf("expected only the superseding findings, got %+v", findings)
	}

	// The cancelled ingest is not counted as a pipeline failure
	if status := p.worker.Status(ctx); status.Failed != 0 {
		t.Errorf("supersede must not count as a failure, got %d", status.Failed)
	}
}

func TestWorkerDropsStaleTaskDequeuedAfterNewerIngest(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{})
	ctx := context.Background()

	// Register a running ingest for the newer report before the older
	// task reaches the registry, as happens when two loops dequeue the
	// same host back to back
	_, cancel := context.WithCancel(ctx)
	defer cancel()
	p.worker.inflightMu.Lock()
	p.worker.nextGen++
	p.worker.inflight["web01"] = &inflightEntry{cancel: cancel, gen: p.worker.nextGen, seq: 2}
	p.worker.inflightMu.Unlock()

	stale := &queue.IngestTask{
		Inventory: types.HostInventory{
			Host:  "web01",
			Items: []types.SoftwareIdentity{{Name: "ghostware", Version: "0.1"}},
		},
		EnqueuedAt: time.Now().UTC(),
		Seq:        1,
	}
	p.worker.processTask(ctx, p.worker.logger, stale)

	if _, err := p.store.GetFindings(ctx, "web01"); !errors.Is(err, statestore.ErrHostNotFound) {
		t.Errorf("stale task must not persist findings, got %v", err)
	}
	if status := p.worker.Status(ctx); status.Failed != 0 || status.Ingested != 0 {
		t.Errorf("dropped stale task must not count, got %+v", status)
	}

	// The newer ingest's registry slot is untouched
	p.worker.inflightMu.Lock()
	entry, ok := p.worker.inflight["web01"]
	p.worker.inflightMu.Unlock()
	if !ok || entry.seq != 2 {
		t.Errorf("newer ingest registration must survive, got %+v", entry)
	}
}

func TestWorkerDiscardsResultPersistedAfterNewerReport(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{})
	ctx := context.Background()

	// The newer report's result is already in the store
	newer := types.HostInventory{
		Host:        "web01",
		CollectedAt: time.Now().UTC(),
		Items:       []types.SoftwareIdentity{{Name: "nginx", Version: "1.25.0"}},
	}
	newerFindings := []types.Finding{{
		Host: "web01", Name: "nginx", Version: "1.25.0",
		Status: types.FindingResolved, CVEs: []types.CVEMatch{}, ResolvedAt: time.Now().UTC(),
	}}
	if err := p.store.ReplaceFindings(ctx, newer, newerFindings, statestore.ComplianceResult{
		Compliant: true, Reason: "clean",
	}, 2); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// An older task finishing late must not overwrite it
	stale := &queue.IngestTask{
		Inventory: types.HostInventory{
			Host:  "web01",
			Items: []types.SoftwareIdentity{{Name: "ghostware", Version: "0.1"}},
		},
		EnqueuedAt: time.Now().UTC(),
		Seq:        1,
	}
	p.worker.processTask(ctx, p.worker.logger, stale)

	findings, err := p.store.GetFindings(ctx, "web01")
	if err != nil {
		t.Fatalf("get findings failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Name != "nginx" {
		t.Errorf("stale ingest must not overwrite newer findings, got %+v", findings)
	}
	if status := p.worker.Status(ctx); status.Failed != 0 || status.Ingested != 0 {
		t.Errorf("discarded result must not count, got %+v", status)
	}
}

func TestWorkerStatusSnapshot(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{})
	ctx := context.Background()

	p.worker.Start(ctx)
	defer p.worker.Stop(5 * time.Second)

	for _, host := range []string{"web01", "web02"} {
		inv := types.HostInventory{
			Host:  host,
			Items: []types.SoftwareIdentity{{Name: "bash", Version: "5.1"}},
		}
		if err := p.worker.Submit(ctx, inv, false); err != nil {
			t.Fatalf("submit %s failed: %v", host, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return p.worker.Status(ctx).Ingested == 2
	})

	status := p.worker.Status(ctx)
	if status.Queued != 0 {
		t.Errorf("expected drained queue, got %d", status.Queued)
	}
	if len(status.InProgress) != 0 {
		t.Errorf("expected no in-progress hosts, got %v", status.InProgress)
	}
	if status.LastCompletedHost == "" || status.LastCompletedAt.IsZero() {
		t.Errorf("expected completion marker, got %+v", status)
	}
}

func TestWorkerStopDrains(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{})
	ctx := context.Background()

	p.worker.Start(ctx)

	inv := types.HostInventory{
		Host:  "web01",
		Items: []types.SoftwareIdentity{{Name: "bash", Version: "5.1"}},
	}
	if err := p.worker.Submit(ctx, inv, false); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return p.worker.Status(ctx).Ingested == 1
	})

	if err := p.worker.Stop(5 * time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}
