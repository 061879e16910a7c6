package correlator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/errors"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
	"github.com/hostsentry/hostsentry/internal/versionmatch"
	"github.com/hostsentry/hostsentry/internal/vulncache"
)

// fakeFetcher serves canned records per cache key and counts external calls
type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]types.VulnRecord
	errs    map[string]error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, identity types.SoftwareIdentity) ([]types.VulnRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[identity.CacheKey()]; ok {
		return nil, err
	}
	return f.records[identity.CacheKey()], nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCorrelator(t *testing.T, fetcher Fetcher) *Correlator {
	t.Helper()
	store, err := statestore.NewSQLiteStore(filepath.Join(t.TempDir(), "correlator.db"))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cache := vulncache.New(store, config.CacheConfig{
		TTL:             24 * time.Hour,
		FailureCooldown: time.Hour,
	}, nil)
	return New(cache, fetcher, versionmatch.NewSemverStrategy(), nil)
}

func TestResolveSharesCacheAcrossHosts(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]types.VulnRecord{
			"nginx@1.18.0": {
				{ID: "CVE-2021-23017", CVSS: 8.1, AffectedRanges: []types.VersionRange{
					{EndExcluding: "1.20.1"},
				}},
			},
			"openssl@1.0.1": {
				{ID: "CVE-2014-0160", CVSS: 7.5, AffectedRanges: []types.VersionRange{
					{StartIncluding: "1.0.1", EndExcluding: "1.0.2"},
				}},
			},
		},
	}
	c := newTestCorrelator(t, fetcher)
	ctx := context.Background()

	items := []types.SoftwareIdentity{
		{Name: "nginx", Version: "1.18.0"},
		{Name: "OpenSSL", Version: "1.0.1"},
	}

	first, err := c.Resolve(ctx, types.HostInventory{Host: "web01", Items: items})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(first))
	}
	if fetcher.callCount() != 2 {
		t.Fatalf("cold cache should hit the client once per item, got %d calls", fetcher.callCount())
	}
	for _, f := range first {
		if f.FromCache {
			t.Errorf("cold resolution of %s must not be marked from cache", f.Name)
		}
	}

	// A second host reporting the same software resolves entirely from
	// the cache
	second, err := c.Resolve(ctx, types.HostInventory{Host: "web02", Items: items})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("warm cache must not trigger external calls, got %d total", fetcher.callCount())
	}
	for _, f := range second {
		if !f.FromCache {
			t.Errorf("warm resolution of %s must be marked from cache", f.Name)
		}
		if f.Host != "web02" {
			t.Errorf("finding must carry the reporting host, got %s", f.Host)
		}
	}
	if second[1].MaxCVSS != 7.5 || len(second[1].CVEs) != 1 || second[1].CVEs[0].ID != "CVE-2014-0160" {
		t.Errorf("unexpected cached finding: %+v", second[1])
	}
}

func TestResolvePreservesInventoryOrder(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCorrelator(t, fetcher)

	inv := types.HostInventory{
		Host: "web01",
		Items: []types.SoftwareIdentity{
			{Name: "zlib", Version: "1.2.11"},
			{Name: "bash", Version: "5.1"},
			{Name: "curl", Version: "7.68.0"},
		},
	}

	findings, err := c.Resolve(context.Background(), inv)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	for i, item := range inv.Items {
		if findings[i].Name != item.Name {
			t.Errorf("finding %d: expected %s, got %s", i, item.Name, findings[i].Name)
		}
	}
}

func TestResolveIsolatesItemFailures(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]types.VulnRecord{
			"nginx@1.18.0": {},
		},
		errs: map[string]error{
			"ghostware@0.1": errors.NewTransientf("provider unavailable"),
		},
	}
	c := newTestCorrelator(t, fetcher)

	findings, err := c.Resolve(context.Background(), types.HostInventory{
		Host: "web01",
		Items: []types.SoftwareIdentity{
			{Name: "nginx", Version: "1.18.0"},
			{Name: "ghostware", Version: "0.1"},
			{Name: "bash", Version: "5.1"},
		},
	})
	if err != nil {
		t.Fatalf("one item's failure must not abort the inventory: %v", err)
	}
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(findings))
	}

	if findings[0].Status != types.FindingResolved {
		t.Errorf("expected nginx resolved, got %s", findings[0].Status)
	}
	failed := findings[1]
	if failed.Status != types.FindingLookupFailed {
		t.Errorf("expected lookup_failed placeholder, got %s", failed.Status)
	}
	if failed.FailureReason == "" {
		t.Error("placeholder must carry a failure reason")
	}
	if findings[2].Status != types.FindingResolved {
		t.Errorf("expected bash resolved, got %s", findings[2].Status)
	}
}

func TestResolveCachesFailuresUnderCooldown(t *testing.T) {
	fetcher := &fakeFetcher{
		errs: map[string]error{
			"ghostware@0.1": errors.NewTransientf("provider unavailable"),
		},
	}
	c := newTestCorrelator(t, fetcher)
	ctx := context.Background()

	inv := types.HostInventory{
		Host:  "web01",
		Items: []types.SoftwareIdentity{{Name: "ghostware", Version: "0.1"}},
	}
	if _, err := c.Resolve(ctx, inv); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("expected 1 external call, got %d", fetcher.callCount())
	}

	// Within the cooldown another host reporting the same identity gets
	// the cached placeholder instead of re-triggering the failing call
	findings, err := c.Resolve(ctx, types.HostInventory{
		Host:  "web02",
		Items: inv.Items,
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("cooldown must suppress repeat calls, got %d total", fetcher.callCount())
	}
	if findings[0].Status != types.FindingLookupFailed || !findings[0].FromCache {
		t.Errorf("expected cached failure placeholder, got %+v", findings[0])
	}
}

func TestResolveFlagsAmbiguousVersions(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]types.VulnRecord{
			"java@8u401": {
				{ID: "CVE-2024-20918", CVSS: 7.4, AffectedRanges: []types.VersionRange{
					{EndExcluding: "8.0.402"},
				}},
			},
		},
	}
	c := newTestCorrelator(t, fetcher)

	findings, err := c.Resolve(context.Background(), types.HostInventory{
		Host:  "desktop01",
		Items: []types.SoftwareIdentity{{Name: "java", Version: "8u401"}},
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	f := findings[0]
	if len(f.CVEs) != 1 {
		t.Fatalf("ambiguous match must be surfaced, got %d CVEs", len(f.CVEs))
	}
	if f.CVEs[0].Confidence != types.MatchUnverified {
		t.Errorf("expected unverified confidence, got %s", f.CVEs[0].Confidence)
	}
}

func TestResolveDropsRecordsOutsideAffectedRange(t *testing.T) {
	fetcher := &fakeFetcher{
		records: map[string][]types.VulnRecord{
			"openssl@3.0.13": {
				{ID: "CVE-2014-0160", CVSS: 7.5, AffectedRanges: []types.VersionRange{
					{StartIncluding: "1.0.1", EndExcluding: "1.0.2"},
				}},
				{ID: "CVE-2024-0727", CVSS: 5.5, AffectedRanges: []types.VersionRange{
					{EndExcluding: "3.0.14"},
				}},
			},
		},
	}
	c := newTestCorrelator(t, fetcher)

	findings, err := c.Resolve(context.Background(), types.HostInventory{
		Host:  "web01",
		Items: []types.SoftwareIdentity{{Name: "openssl", Version: "3.0.13"}},
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	f := findings[0]
	if len(f.CVEs) != 1 || f.CVEs[0].ID != "CVE-2024-0727" {
		t.Fatalf("record provably outside its range must be dropped, got %+v", f.CVEs)
	}
	if f.CVEs[0].Confidence != types.MatchConfirmed {
		t.Errorf("expected confirmed confidence, got %s", f.CVEs[0].Confidence)
	}
	if f.MaxCVSS != 5.5 {
		t.Errorf("max CVSS must only reflect kept records, got %v", f.MaxCVSS)
	}
}

func TestResolveStopsOnCancellation(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := newTestCorrelator(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	findings, err := c.Resolve(ctx, types.HostInventory{
		Host:  "web01",
		Items: []types.SoftwareIdentity{{Name: "nginx", Version: "1.18.0"}},
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(findings) != 0 {
		t.Errorf("cancelled before the first item, expected no findings, got %d", len(findings))
	}
	if fetcher.callCount() != 0 {
		t.Errorf("cancelled resolve must not call the client, got %d calls", fetcher.callCount())
	}
}
