package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hostsentry/hostsentry/internal/errors"
	"github.com/hostsentry/hostsentry/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements StateStore using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite state store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _journal_mode=WAL: concurrent readers alongside the single writer
	// _busy_timeout=3000: wait up to 3 seconds for locks so concurrent
	// correlators racing to store the same key don't fail spuriously
	connStr := dbPath + "?_foreign_keys=1&mode=rwc&_journal_mode=WAL&_busy_timeout=3000"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errors.NewTransientf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, errors.NewPermanentf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema creates the database schema with all tables and indexes
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cve_cache (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		records_json TEXT,
		error_message TEXT,
		fetched_at INTEGER NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (cast(strftime('%s', 'now') as integer))
	);

	CREATE TABLE IF NOT EXISTS hosts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		collected_at INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL,
		item_count INTEGER NOT NULL,
		compliant BOOLEAN NOT NULL DEFAULT 1,
		policy_reason TEXT,
		ingest_seq INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (cast(strftime('%s', 'now') as integer))
	);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		package_name TEXT NOT NULL,
		package_version TEXT,
		status TEXT NOT NULL,
		failure_reason TEXT,
		max_cvss REAL NOT NULL DEFAULT 0,
		from_cache BOOLEAN NOT NULL DEFAULT 0,
		resolved_at INTEGER NOT NULL,
		cves_json TEXT,
		FOREIGN KEY (host_id) REFERENCES hosts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_cve_cache_fetched ON cve_cache(fetched_at);
	CREATE INDEX IF NOT EXISTS idx_findings_host ON findings(host_id);
	CREATE INDEX IF NOT EXISTS idx_findings_name ON findings(package_name);
	CREATE INDEX IF NOT EXISTS idx_hosts_resolved ON hosts(resolved_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CacheGet returns the entry for a normalized key, or ErrCacheMiss
func (s *SQLiteStore) CacheGet(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		entry       CacheEntry
		recordsJSON sql.NullString
		errMsg      sql.NullString
		fetchedAt   int64
		ttlSeconds  int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, records_json, error_message, fetched_at, ttl_seconds
		FROM cve_cache WHERE key = ?
	`, key).Scan(&entry.Key, &entry.Status, &recordsJSON, &errMsg, &fetchedAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query cache entry: %w", err)
	}

	entry.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	entry.TTL = time.Duration(ttlSeconds) * time.Second
	if errMsg.Valid {
		entry.Error = errMsg.String
	}

	if recordsJSON.Valid && recordsJSON.String != "" {
		if err := json.Unmarshal([]byte(recordsJSON.String), &entry.Records); err != nil {
			// A corrupted entry is a miss, never fatal. Drop it so the
			// next store starts clean.
			_ = s.CacheDelete(ctx, key)
			return nil, ErrCacheMiss
		}
	}

	return &entry, nil
}

// CachePut inserts or replaces the entry for a key (last-write-wins)
func (s *SQLiteStore) CachePut(ctx context.Context, entry *CacheEntry) error {
	recordsJSON := "[]"
	if len(entry.Records) > 0 {
		jsonBytes, err := json.Marshal(entry.Records)
		if err != nil {
			return errors.NewPermanentf("failed to marshal cache records: %w", err)
		}
		recordsJSON = string(jsonBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cve_cache (key, status, records_json, error_message, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Key, entry.Status, recordsJSON, entry.Error, entry.FetchedAt.Unix(), int64(entry.TTL.Seconds()))
	if err != nil {
		return errors.NewTransientf("failed to store cache entry: %w", err)
	}

	return nil
}

// CacheDelete removes one entry; removing an absent key is not an error
func (s *SQLiteStore) CacheDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cve_cache WHERE key = ?`, key); err != nil {
		return errors.NewTransientf("failed to delete cache entry: %w", err)
	}
	return nil
}

// CacheClear removes all entries and returns how many were dropped
func (s *SQLiteStore) CacheClear(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cve_cache`)
	if err != nil {
		return 0, errors.NewTransientf("failed to clear cache: %w", err)
	}
	dropped, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewTransientf("failed to count cleared entries: %w", err)
	}
	return dropped, nil
}

// CacheEntryCount returns the current number of cached entries
func (s *SQLiteStore) CacheEntryCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cve_cache`).Scan(&count); err != nil {
		return 0, errors.NewTransientf("failed to count cache entries: %w", err)
	}
	return count, nil
}

// ReplaceFindings atomically replaces the finding set for the inventory's
// host. Prior findings are dropped, never edited in place. The stored
// ingest_seq only ever moves forward: a write carrying a seq at or below
// the stored one lost a supersede race and is rejected with
// ErrStaleIngest, leaving the newer finding set untouched.
func (s *SQLiteStore) ReplaceFindings(ctx context.Context, inv types.HostInventory, findings []types.Finding, compliance ComplianceResult, seq uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTransientf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()

	var hostID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM hosts WHERE name = ?`, inv.Host).Scan(&hostID)
	if err == sql.ErrNoRows {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO hosts (name, collected_at, resolved_at, item_count, compliant, policy_reason, ingest_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, inv.Host, inv.CollectedAt.Unix(), now, len(inv.Items), compliance.Compliant, compliance.Reason, int64(seq))
		if err != nil {
			return errors.NewTransientf("failed to insert host: %w", err)
		}
		hostID, err = result.LastInsertId()
		if err != nil {
			return errors.NewTransientf("failed to get host ID: %w", err)
		}
	} else if err != nil {
		return errors.NewTransientf("failed to query host: %w", err)
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE hosts SET collected_at = ?, resolved_at = ?, item_count = ?, compliant = ?, policy_reason = ?, ingest_seq = ?
			WHERE id = ? AND ingest_seq < ?
		`, inv.CollectedAt.Unix(), now, len(inv.Items), compliance.Compliant, compliance.Reason, int64(seq), hostID, int64(seq))
		if err != nil {
			return errors.NewTransientf("failed to update host: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errors.NewTransientf("failed to check host update: %w", err)
		}
		if affected == 0 {
			return ErrStaleIngest
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE host_id = ?`, hostID); err != nil {
		return errors.NewTransientf("failed to drop prior findings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (
			host_id, position, package_name, package_version,
			status, failure_reason, max_cvss, from_cache, resolved_at, cves_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.NewTransientf("failed to prepare finding statement: %w", err)
	}
	defer stmt.Close()

	for i, f := range findings {
		cvesJSON := "[]"
		if len(f.CVEs) > 0 {
			jsonBytes, err := json.Marshal(f.CVEs)
			if err != nil {
				return errors.NewPermanentf("failed to marshal finding CVEs: %w", err)
			}
			cvesJSON = string(jsonBytes)
		}

		_, err := stmt.ExecContext(ctx,
			hostID, i, f.Name, f.Version,
			f.Status, f.FailureReason, f.MaxCVSS, f.FromCache, f.ResolvedAt.Unix(), cvesJSON,
		)
		if err != nil {
			return errors.NewTransientf("failed to insert finding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewTransientf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetFindings returns the current finding set for a host in original
// inventory order
func (s *SQLiteStore) GetFindings(ctx context.Context, host string) ([]types.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.package_name, f.package_version, f.status, f.failure_reason,
			f.max_cvss, f.from_cache, f.resolved_at, f.cves_json
		FROM findings f
		JOIN hosts h ON f.host_id = h.id
		WHERE h.name = ?
		ORDER BY f.position ASC
	`, host)
	if err != nil {
		return nil, errors.NewTransientf("failed to query findings: %w", err)
	}
	defer rows.Close()

	// Non-nil even when the host reported an empty inventory, so the API
	// serializes an empty array rather than null
	findings := make([]types.Finding, 0)
	for rows.Next() {
		var (
			f          types.Finding
			reason     sql.NullString
			resolvedAt int64
			cvesJSON   sql.NullString
		)
		if err := rows.Scan(&f.Name, &f.Version, &f.Status, &reason,
			&f.MaxCVSS, &f.FromCache, &resolvedAt, &cvesJSON); err != nil {
			return nil, errors.NewTransientf("failed to scan finding row: %w", err)
		}
		f.Host = host
		f.ResolvedAt = time.Unix(resolvedAt, 0).UTC()
		if reason.Valid {
			f.FailureReason = reason.String
		}
		if cvesJSON.Valid && cvesJSON.String != "" {
			if err := json.Unmarshal([]byte(cvesJSON.String), &f.CVEs); err != nil {
				return nil, errors.NewTransientf("failed to unmarshal finding CVEs: %w", err)
			}
		}
		findings = append(findings, f)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("error iterating finding rows: %w", err)
	}

	if len(findings) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM hosts WHERE name = ?`, host).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, ErrHostNotFound
		}
		if err != nil {
			return nil, errors.NewTransientf("failed to query host: %w", err)
		}
	}

	return findings, nil
}

// GetInventory reconstructs the last stored inventory for a host from its
// finding rows (findings preserve the original item order)
func (s *SQLiteStore) GetInventory(ctx context.Context, host string) (*types.HostInventory, error) {
	var collectedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT collected_at FROM hosts WHERE name = ?`, host).Scan(&collectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, errors.NewTransientf("failed to query host: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.package_name, f.package_version
		FROM findings f
		JOIN hosts h ON f.host_id = h.id
		WHERE h.name = ?
		ORDER BY f.position ASC
	`, host)
	if err != nil {
		return nil, errors.NewTransientf("failed to query inventory items: %w", err)
	}
	defer rows.Close()

	inv := &types.HostInventory{
		Host:        host,
		CollectedAt: time.Unix(collectedAt, 0).UTC(),
	}
	for rows.Next() {
		var item types.SoftwareIdentity
		if err := rows.Scan(&item.Name, &item.Version); err != nil {
			return nil, errors.NewTransientf("failed to scan inventory item: %w", err)
		}
		item.Host = host
		inv.Items = append(inv.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("error iterating inventory rows: %w", err)
	}

	return inv, nil
}

// ListHosts returns a summary row per known host
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]HostSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.name, h.collected_at, h.resolved_at, h.item_count, h.compliant, h.policy_reason,
			COALESCE(SUM(CASE WHEN f.max_cvss > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(f.max_cvss), 0)
		FROM hosts h
		LEFT JOIN findings f ON f.host_id = h.id
		GROUP BY h.id
		ORDER BY h.name ASC
	`)
	if err != nil {
		return nil, errors.NewTransientf("failed to query hosts: %w", err)
	}
	defer rows.Close()

	var summaries []HostSummary
	for rows.Next() {
		var (
			s2           HostSummary
			collectedAt  int64
			resolvedAt   int64
			policyReason sql.NullString
		)
		if err := rows.Scan(&s2.Host, &collectedAt, &resolvedAt, &s2.ItemCount,
			&s2.Compliant, &policyReason, &s2.VulnerableCount, &s2.MaxCVSS); err != nil {
			return nil, errors.NewTransientf("failed to scan host row: %w", err)
		}
		s2.CollectedAt = time.Unix(collectedAt, 0).UTC()
		s2.ResolvedAt = time.Unix(resolvedAt, 0).UTC()
		if policyReason.Valid {
			s2.PolicyReason = policyReason.String
		}
		summaries = append(summaries, s2)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("error iterating host rows: %w", err)
	}

	return summaries, nil
}

// ListHostsDueForRescan returns hosts whose findings are older than the
// given age
func (s *SQLiteStore) ListHostsDueForRescan(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM hosts WHERE resolved_at < ? ORDER BY name ASC
	`, cutoff)
	if err != nil {
		return nil, errors.NewTransientf("failed to query hosts due for rescan: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.NewTransientf("failed to scan host name: %w", err)
		}
		hosts = append(hosts, name)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("error iterating rows: %w", err)
	}

	return hosts, nil
}

// FindingSeverityCounts returns the current number of CVE matches per
// severity label across all hosts. Severity buckets follow CVSS v3
// ranges.
func (s *SQLiteStore) FindingSeverityCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			CASE
				WHEN max_cvss >= 9.0 THEN 'CRITICAL'
				WHEN max_cvss >= 7.0 THEN 'HIGH'
				WHEN max_cvss >= 4.0 THEN 'MEDIUM'
				WHEN max_cvss > 0 THEN 'LOW'
				ELSE 'NONE'
			END AS severity,
			COUNT(*)
		FROM findings
		GROUP BY severity
	`)
	if err != nil {
		return nil, errors.NewTransientf("failed to query severity counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, errors.NewTransientf("failed to scan severity row: %w", err)
		}
		counts[severity] = count
	}

	if err := rows.Err(); err != nil {
		return nil, errors.NewTransientf("error iterating rows: %w", err)
	}

	return counts, nil
}
