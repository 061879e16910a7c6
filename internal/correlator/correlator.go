// Package correlator turns one host inventory into a finding set by
// resolving each software identity through the cache, falling back to the
// external client on a miss.
package correlator

import (
	"context"
	"log/slog"
	"time"

	"github.com/hostsentry/hostsentry/internal/errors"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/hostsentry/hostsentry/internal/types"
	"github.com/hostsentry/hostsentry/internal/versionmatch"
	"github.com/hostsentry/hostsentry/internal/vulncache"
)

// Fetcher is the external lookup the correlator falls back to on a cache
// miss. The NVD client satisfies it; tests substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, identity types.SoftwareIdentity) ([]types.VulnRecord, error)
}

// Correlator resolves inventories. Instances are safe for concurrent use:
// all mutable state lives in the shared cache and the client's rate
// limiter.
type Correlator struct {
	cache    *vulncache.Cache
	client   Fetcher
	strategy versionmatch.Strategy
	logger   *slog.Logger
}

// New creates a correlator.
func New(cache *vulncache.Cache, client Fetcher, strategy versionmatch.Strategy, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = versionmatch.NewSemverStrategy()
	}
	return &Correlator{
		cache:    cache,
		client:   client,
		strategy: strategy,
		logger:   logger,
	}
}

// Resolve produces one finding per inventory item, preserving the
// inventory's original order. A single item's failure never aborts the
// rest; only context cancellation does, checked before each item so a
// superseded ingest stops before its next external call.
func (c *Correlator) Resolve(ctx context.Context, inv types.HostInventory) ([]types.Finding, error) {
	findings := make([]types.Finding, 0, len(inv.Items))

	for _, item := range inv.Items {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		item.Host = inv.Host
		finding, err := c.resolveItem(ctx, item)
		if err != nil {
			// Only cancellation propagates; everything else became a
			// lookup_failed placeholder inside resolveItem
			return findings, err
		}
		findings = append(findings, finding)
	}

	return findings, nil
}

// resolveItem resolves one software identity: cache, then client, then
// cache write regardless of outcome. The returned error is non-nil only
// for context cancellation.
func (c *Correlator) resolveItem(ctx context.Context, item types.SoftwareIdentity) (types.Finding, error) {
	metrics := observability.GetMetrics()

	entry, hit, err := c.cache.Lookup(ctx, item)
	if err != nil {
		// An unreadable cache is degraded, not fatal; fall through to
		// the client as if it were a miss
		c.logger.Warn("cache lookup failed, treating as miss",
			"name", item.Name,
			"version", item.Version,
			"error", err.Error())
	}

	if hit {
		if entry.Status == statestore.CacheStatusFailed {
			return c.failedFinding(item, entry.Error, true), nil
		}
		return c.buildFinding(item, entry.Records, true), nil
	}

	records, err := c.client.Fetch(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			return types.Finding{}, ctx.Err()
		}

		// Cache the failure under the short cooldown so other hosts
		// reporting the same identity don't immediately re-trigger the
		// same failing call. The write uses a detached context: cache
		// population is valuable even if this ingest gets abandoned.
		if storeErr := c.cache.StoreFailure(context.WithoutCancel(ctx), item, err); storeErr != nil {
			c.logger.Warn("failed to cache lookup failure",
				"name", item.Name,
				"error", storeErr.Error())
		}

		metrics.LookupFailures.Inc()
		c.logger.Warn("lookup failed after retries",
			"name", item.Name,
			"version", item.Version,
			"error", err.Error())
		return c.failedFinding(item, failureReason(err), false), nil
	}

	if storeErr := c.cache.StoreResult(context.WithoutCancel(ctx), item, records); storeErr != nil {
		c.logger.Warn("failed to cache lookup result",
			"name", item.Name,
			"error", storeErr.Error())
	}

	return c.buildFinding(item, records, false), nil
}

// buildFinding applies the version-containment rule to the provider
// records. A record is accepted as confirmed only when the reported
// version provably falls inside a declared affected range; an ambiguous
// comparison keeps the record but flags it, so ambiguity stays visible
// downstream. Records provably outside every range are dropped.
func (c *Correlator) buildFinding(item types.SoftwareIdentity, records []types.VulnRecord, fromCache bool) types.Finding {
	metrics := observability.GetMetrics()

	finding := types.Finding{
		Host:       item.Host,
		Name:       item.Name,
		Version:    item.Version,
		Status:     types.FindingResolved,
		CVEs:       make([]types.CVEMatch, 0, len(records)),
		FromCache:  fromCache,
		ResolvedAt: time.Now().UTC(),
	}

	for _, rec := range records {
		var confidence types.MatchConfidence
		switch versionmatch.CompareAny(c.strategy, item.Version, rec.AffectedRanges) {
		case versionmatch.Inside:
			confidence = types.MatchConfirmed
		case versionmatch.Ambiguous:
			confidence = types.MatchUnverified
		default:
			continue
		}

		finding.CVEs = append(finding.CVEs, types.CVEMatch{
			ID:          rec.ID,
			Description: rec.Description,
			CVSS:        rec.CVSS,
			Published:   rec.Published,
			Confidence:  confidence,
		})
		if rec.CVSS > finding.MaxCVSS {
			finding.MaxCVSS = rec.CVSS
		}
		metrics.VulnerabilitiesMatched.WithLabelValues(types.SeverityFromCVSS(rec.CVSS)).Inc()
	}

	metrics.FindingsEmitted.WithLabelValues(string(finding.Status)).Inc()
	return finding
}

// failedFinding produces the lookup_failed placeholder for an item.
func (c *Correlator) failedFinding(item types.SoftwareIdentity, reason string, fromCache bool) types.Finding {
	observability.GetMetrics().FindingsEmitted.WithLabelValues(string(types.FindingLookupFailed)).Inc()
	return types.Finding{
		Host:          item.Host,
		Name:          item.Name,
		Version:       item.Version,
		Status:        types.FindingLookupFailed,
		FailureReason: reason,
		CVEs:          []types.CVEMatch{},
		FromCache:     fromCache,
		ResolvedAt:    time.Now().UTC(),
	}
}

// failureReason labels the failure class for the stored placeholder.
func failureReason(err error) string {
	switch {
	case errors.IsRateLimited(err):
		return "rate_limited: " + err.Error()
	case errors.IsMalformed(err):
		return "malformed_response: " + err.Error()
	case errors.IsTransient(err):
		return "transient_after_retries: " + err.Error()
	default:
		return err.Error()
	}
}
