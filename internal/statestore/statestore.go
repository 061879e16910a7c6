package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/hostsentry/hostsentry/internal/types"
)

// ErrCacheMiss is returned by CacheGet when no entry exists for the key.
// Callers should use errors.Is() to check for this specific error.
var ErrCacheMiss = errors.New("cache entry not found")

// ErrHostNotFound is returned when a host has never reported an inventory.
var ErrHostNotFound = errors.New("host not found")

// ErrStaleIngest is returned by ReplaceFindings when the host row already
// holds the result of a newer submission. The stale finding set is
// discarded, never persisted.
var ErrStaleIngest = errors.New("ingest superseded by a newer report")

// CacheEntryStatus marks what a cache entry holds: a real lookup result
// or a failure placeholder written after retries were exhausted.
type CacheEntryStatus string

const (
	CacheStatusOK     CacheEntryStatus = "ok"
	CacheStatusFailed CacheEntryStatus = "failed"
)

// CacheEntry is one persisted lookup result, keyed by the normalized
// software identity. Mutated only by insert-on-miss (last-write-wins);
// expiry is lazy, enforced by the cache layer on read.
type CacheEntry struct {
	Key       string
	Status    CacheEntryStatus
	Records   []types.VulnRecord
	Error     string
	FetchedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is older than its TTL at the given
// instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.FetchedAt) >= e.TTL
}

// HostSummary is the per-host roll-up returned by ListHosts.
type HostSummary struct {
	Host            string    `json:"host"`
	CollectedAt     time.Time `json:"collected_at"`
	ResolvedAt      time.Time `json:"resolved_at"`
	ItemCount       int       `json:"item_count"`
	VulnerableCount int       `json:"vulnerable_count"`
	MaxCVSS         float64   `json:"max_cvss"`
	Compliant       bool      `json:"compliant"`
	PolicyReason    string    `json:"policy_reason,omitempty"`
}

// ComplianceResult is the policy decision persisted alongside a host's
// finding set.
type ComplianceResult struct {
	Compliant bool
	Reason    string
}

// StateStore is the persistence boundary consumed by the cache, the
// orchestrator and the API layer.
type StateStore interface {
	// CacheGet returns the entry for a normalized key, or ErrCacheMiss
	CacheGet(ctx context.Context, key string) (*CacheEntry, error)

	// CachePut inserts or replaces the entry for a key (last-write-wins)
	CachePut(ctx context.Context, entry *CacheEntry) error

	// CacheDelete removes one entry; removing an absent key is not an error
	CacheDelete(ctx context.Context, key string) error

	// CacheClear removes all entries and returns how many were dropped
	CacheClear(ctx context.Context) (int64, error)

	// CacheEntryCount returns the current number of cached entries
	CacheEntryCount(ctx context.Context) (int64, error)

	// ReplaceFindings atomically replaces the finding set for the
	// inventory's host and records the inventory metadata and the
	// compliance decision. seq is the monotonic submission sequence for
	// the host; a write whose seq is not newer than the stored one is
	// rejected with ErrStaleIngest
	ReplaceFindings(ctx context.Context, inv types.HostInventory, findings []types.Finding, compliance ComplianceResult, seq uint64) error

	// GetFindings returns the current finding set for a host in original
	// inventory order
	GetFindings(ctx context.Context, host string) ([]types.Finding, error)

	// GetInventory reconstructs the last stored inventory for a host
	GetInventory(ctx context.Context, host string) (*types.HostInventory, error)

	// ListHosts returns a summary row per known host
	ListHosts(ctx context.Context) ([]HostSummary, error)

	// ListHostsDueForRescan returns hosts whose findings are older than
	// the given age
	ListHostsDueForRescan(ctx context.Context, olderThan time.Duration) ([]string, error)

	// FindingSeverityCounts returns the current number of CVE matches per
	// severity label across all hosts
	FindingSeverityCounts(ctx context.Context) (map[string]int64, error)

	// Close releases the underlying store
	Close() error
}
