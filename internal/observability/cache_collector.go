package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/statestore"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateCollectorOnce     sync.Once
	stateCollectorInstance *StateCollector
)

// StateCollector collects gauges from the state store on-demand when
// /metrics is scraped, so current cache size and fleet posture never go
// stale between events.
type StateCollector struct {
	store  statestore.StateStore
	logger *slog.Logger

	cacheEntriesDesc      *prometheus.Desc
	hostsDesc             *prometheus.Desc
	noncompliantHostsDesc *prometheus.Desc
	cveMatchesDesc        *prometheus.Desc
}

// NewStateCollector creates a new state store metrics collector
func NewStateCollector(store statestore.StateStore, logger *slog.Logger) *StateCollector {
	return &StateCollector{
		store:  store,
		logger: logger,
		cacheEntriesDesc: prometheus.NewDesc(
			"hostsentry_cache_entries",
			"Current number of entries in the vulnerability lookup cache",
			nil,
			nil,
		),
		hostsDesc: prometheus.NewDesc(
			"hostsentry_hosts",
			"Current number of hosts with a stored finding set",
			nil,
			nil,
		),
		noncompliantHostsDesc: prometheus.NewDesc(
			"hostsentry_noncompliant_hosts",
			"Current number of hosts failing the compliance policy",
			nil,
			nil,
		),
		cveMatchesDesc: prometheus.NewDesc(
			"hostsentry_cve_matches",
			"Current number of matched CVEs across all hosts by severity",
			[]string{"severity"},
			nil,
		),
	}
}

// RegisterStateCollector registers the state collector exactly once
func RegisterStateCollector(store statestore.StateStore, logger *slog.Logger) {
	stateCollectorOnce.Do(func() {
		stateCollectorInstance = NewStateCollector(store, logger)
		prometheus.MustRegister(stateCollectorInstance)
		logger.Info("state store metrics collector registered")
	})
}

// Describe sends the metric descriptors to the provided channel
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntriesDesc
	ch <- c.hostsDesc
	ch <- c.noncompliantHostsDesc
	ch <- c.cveMatchesDesc
}

// Collect queries the state store and sends current metrics to the
// provided channel. Scrapes are bounded to 3 seconds so database
// contention cannot block the /metrics endpoint indefinitely.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c.collectCacheEntries(ctx, ch)
	c.collectHosts(ctx, ch)
	c.collectSeverities(ctx, ch)
}

func (c *StateCollector) collectCacheEntries(ctx context.Context, ch chan<- prometheus.Metric) {
	entries, err := c.store.CacheEntryCount(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("cache entries metric collection timed out (likely database locked)", "error", err)
		} else {
			c.logger.Error("failed to collect cache entries metric", "error", err)
		}
		return
	}

	ch <- prometheus.MustNewConstMetric(
		c.cacheEntriesDesc,
		prometheus.GaugeValue,
		float64(entries),
	)
}

func (c *StateCollector) collectHosts(ctx context.Context, ch chan<- prometheus.Metric) {
	hosts, err := c.store.ListHosts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("host metric collection timed out (likely database locked)", "error", err)
		} else {
			c.logger.Error("failed to collect host metrics", "error", err)
		}
		return
	}

	noncompliant := 0
	for _, host := range hosts {
		if !host.Compliant {
			noncompliant++
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.hostsDesc,
		prometheus.GaugeValue,
		float64(len(hosts)),
	)
	ch <- prometheus.MustNewConstMetric(
		c.noncompliantHostsDesc,
		prometheus.GaugeValue,
		float64(noncompliant),
	)
}

func (c *StateCollector) collectSeverities(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := c.store.FindingSeverityCounts(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("severity metric collection timed out (likely database locked)", "error", err)
		} else {
			c.logger.Error("failed to collect severity metrics", "error", err)
		}
		return
	}

	for severity, count := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.cveMatchesDesc,
			prometheus.GaugeValue,
			float64(count),
			severity,
		)
	}
}
