// Package nvd is the client for the NVD CVE API 2.0. The provider's wire
// schema is confined to this package; callers see only the normalized
// VulnRecords shape.
package nvd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/errors"
	"github.com/hostsentry/hostsentry/internal/observability"
	"github.com/hostsentry/hostsentry/internal/ratelimit"
	"github.com/hostsentry/hostsentry/internal/types"
)

// Client queries the vulnerability database for one software identity at
// a time. Every network call first obtains a permit from the shared rate
// limiter; there is no path around it.
type Client struct {
	cfg     config.NVDConfig
	http    *http.Client
	limiter *ratelimit.Limiter
	norm    *Normalizer
	logger  *slog.Logger
}

// NewClient creates a client for the configured provider endpoint.
func NewClient(cfg config.NVDConfig, stripWords []string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		norm:    NewNormalizer(stripWords),
		logger:  logger,
	}
}

// Fetch looks up CVE records for a software identity. Keyword variations
// are tried in order and the search stops at the first keyword that
// yields records, to conserve API quota. An identity with no usable
// keywords, or one the provider knows nothing about, returns an empty
// set - that is a valid, cacheable result, not an error.
func (c *Client) Fetch(ctx context.Context, identity types.SoftwareIdentity) ([]types.VulnRecord, error) {
	keywords := c.norm.Keywords(identity.Name)
	if len(keywords) == 0 {
		c.logger.Debug("no usable keywords for package",
			"name", identity.Name)
		return []types.VulnRecord{}, nil
	}

	seen := make(map[string]bool)
	var records []types.VulnRecord

	for _, keyword := range keywords {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := c.queryKeyword(ctx, keyword)
		if err != nil {
			return nil, err
		}

		for _, rec := range found {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			records = append(records, rec)
		}

		if len(records) > 0 {
			c.logger.Debug("keyword search matched, stopping",
				"keyword", keyword,
				"records", len(records))
			break
		}
	}

	if records == nil {
		records = []types.VulnRecord{}
	}
	return records, nil
}

// queryKeyword performs one keyword search with retry. Transient failures
// (network errors, 5xx, provider 429) back off exponentially from the
// configured base up to the cap for the configured attempt budget;
// malformed responses are surfaced immediately, since retrying cannot fix
// a parsing defect.
func (c *Client) queryKeyword(ctx context.Context, keyword string) ([]types.VulnRecord, error) {
	metrics := observability.GetMetrics()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.MaxInterval = c.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0.2

	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	var records []types.VulnRecord
	operation := func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}

		found, err := c.doRequest(ctx, keyword)
		if err != nil {
			if errors.IsRateLimited(err) {
				metrics.NVDErrorsTotal.WithLabelValues("rate_limited").Inc()
				c.logger.Warn("provider signalled rate limit despite local pacing",
					"keyword", keyword)
				return err
			}
			if errors.IsMalformed(err) {
				metrics.NVDErrorsTotal.WithLabelValues("malformed").Inc()
				return backoff.Permanent(err)
			}
			if errors.IsTransient(err) {
				metrics.NVDErrorsTotal.WithLabelValues("transient").Inc()
				c.logger.Warn("transient provider error, will retry",
					"keyword", keyword,
					"error", err.Error())
				return err
			}
			return backoff.Permanent(err)
		}

		records = found
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return records, nil
}

// doRequest issues a single keyword search request and parses the result.
func (c *Client) doRequest(ctx context.Context, keyword string) ([]types.VulnRecord, error) {
	params := url.Values{}
	params.Set("keywordSearch", keyword)
	params.Set("resultsPerPage", strconv.Itoa(c.cfg.ResultsPerPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.NewPermanentf("failed to build provider request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apiKey", c.cfg.APIKey)
	}

	metrics := observability.GetMetrics()
	metrics.NVDRequestsTotal.Inc()
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewTransientf("provider request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.NVDRequestDuration.Observe(time.Since(start).Seconds())

	if err := errors.ClassifyHTTPStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		// Unknown product: a valid "no known vulnerabilities" result
		return []types.VulnRecord{}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransientf("failed to read provider response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, errors.NewMalformedf("failed to decode provider response: %w", err)
	}

	return convertRecords(apiResp, keyword), nil
}

// --- provider wire schema (NVD CVE API 2.0) ---

type apiResponse struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE apiCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type apiCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		CVSSMetricV31 []apiCVSSMetric `json:"cvssMetricV31"`
		CVSSMetricV30 []apiCVSSMetric `json:"cvssMetricV30"`
		CVSSMetricV2  []apiCVSSMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Configurations []struct {
		Nodes []struct {
			CPEMatch []apiCPEMatch `json:"cpeMatch"`
		} `json:"nodes"`
	} `json:"configurations"`
}

type apiCVSSMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

type apiCPEMatch struct {
	Criteria              string `json:"criteria"`
	Vulnerable            bool   `json:"vulnerable"`
	VersionStartIncluding string `json:"versionStartIncluding"`
	VersionEndIncluding   string `json:"versionEndIncluding"`
	VersionStartExcluding string `json:"versionStartExcluding"`
	VersionEndExcluding   string `json:"versionEndExcluding"`
}

// convertRecords reduces the provider payload to the normalized shape.
func convertRecords(resp apiResponse, keyword string) []types.VulnRecord {
	records := make([]types.VulnRecord, 0, len(resp.Vulnerabilities))
	// CPE criteria spell multi-word products with underscores
	keywordLower := strings.ReplaceAll(strings.ToLower(keyword), " ", "_")

	for _, vuln := range resp.Vulnerabilities {
		cve := vuln.CVE
		if cve.ID == "" {
			continue
		}

		rec := types.VulnRecord{
			ID:        cve.ID,
			Published: cve.Published,
			CVSS:      baseScore(cve),
		}

		for _, desc := range cve.Descriptions {
			if desc.Lang == "en" {
				rec.Description = desc.Value
				break
			}
		}
		if rec.Description == "" && len(cve.Descriptions) > 0 {
			rec.Description = cve.Descriptions[0].Value
		}

		for _, cfg := range cve.Configurations {
			for _, node := range cfg.Nodes {
				for _, match := range node.CPEMatch {
					if !match.Vulnerable {
						continue
					}
					// Only take ranges from CPE entries that relate to
					// the product we searched for
					if !strings.Contains(strings.ToLower(match.Criteria), keywordLower) {
						continue
					}
					rec.AffectedRanges = append(rec.AffectedRanges, types.VersionRange{
						StartIncluding: match.VersionStartIncluding,
						EndIncluding:   match.VersionEndIncluding,
						StartExcluding: match.VersionStartExcluding,
						EndExcluding:   match.VersionEndExcluding,
					})
				}
			}
		}

		records = append(records, rec)
	}

	return records
}

// baseScore extracts the CVSS base score, preferring v3.1 over v3.0 over
// v2.
func baseScore(cve apiCVE) float64 {
	if len(cve.Metrics.CVSSMetricV31) > 0 {
		return cve.Metrics.CVSSMetricV31[0].CVSSData.BaseScore
	}
	if len(cve.Metrics.CVSSMetricV30) > 0 {
		return cve.Metrics.CVSSMetricV30[0].CVSSData.BaseScore
	}
	if len(cve.Metrics.CVSSMetricV2) > 0 {
		return cve.Metrics.CVSSMetricV2[0].CVSSData.BaseScore
	}
	return 0
}
