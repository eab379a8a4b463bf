package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/ommthree/cryptoclaude/internal/request"
)

// Entry is one cached datum. The store owns its rows; callers always
// receive copies with the blob in uncompressed form.
type Entry struct {
	Key            string    `db:"key"`
	Blob           []byte    `db:"payload"`
	DataType       string    `db:"data_type"`
	Provider       string    `db:"provider"`
	Symbol         string    `db:"symbol"`
	CachedAt       time.Time `db:"cached_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	LastAccessedAt time.Time `db:"last_accessed_at"`
	IsPermanent    bool      `db:"is_permanent"`
	AccessCount    int64     `db:"access_count"`
	SizeBytes      int64     `db:"size_bytes"`
	ContentHash    string    `db:"content_hash"`
}

// Stats summarizes cache contents and hit accounting since startup.
type Stats struct {
	TotalEntries     int64          `json:"total_entries"`
	PermanentEntries int64          `json:"permanent_entries"`
	TotalBytes       int64          `json:"total_bytes"`
	EntriesByType    map[string]int `json:"entries_by_type"`
	Hits             int64          `json:"hits"`
	Misses           int64          `json:"misses"`
	HitRatio         float64        `json:"hit_ratio"`
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key              TEXT PRIMARY KEY,
	payload          BLOB NOT NULL,
	data_type        TEXT NOT NULL,
	provider         TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	cached_at        TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	is_permanent     INTEGER NOT NULL DEFAULT 0,
	access_count     INTEGER NOT NULL DEFAULT 0,
	size_bytes       INTEGER NOT NULL,
	content_hash     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_type_provider_symbol
	ON cache_entries (data_type, provider, symbol);
CREATE INDEX IF NOT EXISTS idx_cache_content_hash ON cache_entries (content_hash);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries (expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries (last_accessed_at);

CREATE TABLE IF NOT EXISTS quota_snapshots (
	provider        TEXT PRIMARY KEY,
	daily_used      INTEGER NOT NULL,
	monthly_used    INTEGER NOT NULL,
	day_reset_at    TIMESTAMP NOT NULL,
	month_reset_at  TIMESTAMP NOT NULL,
	last_request_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS loading_progress (
	loading_id    TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	range_start   TIMESTAMP NOT NULL,
	range_end     TIMESTAMP NOT NULL,
	total_chunks  INTEGER NOT NULL,
	completed     INTEGER NOT NULL,
	failed        INTEGER NOT NULL,
	bytes_loaded  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS configurations (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS config_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	old_value  TEXT,
	new_value  TEXT NOT NULL,
	changed_at TIMESTAMP NOT NULL
);
`

// Store is the durable cache backed by a single embedded SQLite file. The
// database serializes writers; reads see all committed writes.
type Store struct {
	db       *sqlx.DB
	policies *PolicyEngine
	hits     atomic.Int64
	misses   atomic.Int64
}

// Open opens (or creates) the database at path and runs initial cleanup of
// expired rows. Use ":memory:" for tests.
func Open(path string, policies *PolicyEngine) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}
	// SQLite allows one writer; funnel everything through one connection
	// so concurrent writers queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	s := &Store{db: db, policies: policies}
	if n, err := s.CleanupExpired(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Startup cache cleanup failed")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("Startup cache cleanup removed expired entries")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put validates the entry against its data-type policy and inserts it,
// replacing any existing row for the key. The content hash is computed over
// the uncompressed blob; compression is applied transparently when the
// policy enables it and the blob exceeds the threshold.
func (s *Store) Put(ctx context.Context, e Entry) error {
	policy := s.policies.PolicyFor(e.DataType)

	e.SizeBytes = int64(len(e.Blob))
	if err := s.policies.Enforce(e.DataType, &e); err != nil {
		return request.WrapError(request.KindPolicyViolation, err, "cache put rejected")
	}

	now := time.Now()
	if e.CachedAt.IsZero() {
		e.CachedAt = now
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CachedAt
	}
	if e.ExpiresAt.IsZero() && !e.IsPermanent {
		e.ExpiresAt = e.CachedAt.Add(policy.DefaultTTL)
	}
	if e.IsPermanent {
		// Permanent entries never expire; park the bound far out so the
		// expiry index stays usable.
		e.ExpiresAt = e.CachedAt.AddDate(100, 0, 0)
	}

	e.ContentHash = HashBlob(e.Blob)

	stored := e.Blob
	if (policy.Compress && len(e.Blob) > compressThreshold) || mustEscape(e.Blob) {
		var err error
		if stored, err = compressBlob(e.Blob); err != nil {
			return err
		}
	}

	if policy.Dedupe {
		if keys, err := s.FindByHash(ctx, e.ContentHash); err == nil && len(keys) > 0 {
			log.Debug().Str("key", e.Key).Str("hash", e.ContentHash).
				Int("duplicates", len(keys)).Msg("Deduplicated cache blob")
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries
		(key, payload, data_type, provider, symbol, cached_at, expires_at,
		 last_accessed_at, is_permanent, access_count, size_bytes, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, stored, e.DataType, e.Provider, e.Symbol, e.CachedAt,
		e.ExpiresAt, e.LastAccessedAt, e.IsPermanent, e.AccessCount,
		e.SizeBytes, e.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	if err := s.enforceEntryCountLocked(ctx, tx, e.DataType, policy.MaxEntries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// Get returns the entry for key, or (nil, false) on miss. Expired
// non-permanent rows count as misses and are evicted asynchronously so the
// read path stays cheap. Corrupted rows are deleted and treated as misses.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool) {
	var e Entry
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM cache_entries WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		s.misses.Add(1)
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Cache read failed")
		s.misses.Add(1)
		return nil, false
	}

	if !e.IsPermanent && e.ExpiresAt.Before(time.Now()) {
		s.misses.Add(1)
		go s.Remove(context.Background(), key)
		return nil, false
	}

	blob, err := decodeBlob(e.Blob)
	if err != nil {
		// Integrity failure: log, drop the row, report a miss.
		log.Error().Err(err).Str("key", key).Msg("Corrupted cache entry removed")
		s.misses.Add(1)
		go s.Remove(context.Background(), key)
		return nil, false
	}
	e.Blob = blob

	s.hits.Add(1)
	return &e, true
}

// UpdateAccess bumps last_accessed_at and the access counter for key.
func (s *Store) UpdateAccess(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET last_accessed_at = ?, access_count = access_count + 1
		WHERE key = ?`, time.Now(), key)
	if err != nil {
		return fmt.Errorf("failed to update cache access: %w", err)
	}
	return nil
}

// FindByHash returns every key whose blob hashes to contentHash.
func (s *Store) FindByHash(ctx context.Context, contentHash string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM cache_entries WHERE content_hash = ? ORDER BY key`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query by content hash: %w", err)
	}
	return keys, nil
}

// Remove deletes the entry for key, permanent or not.
func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// CleanupExpired deletes every expired non-permanent row and returns the
// count removed. Runs at startup and on a coarse timer.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE is_permanent = 0 AND expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EvictLRU deletes the oldest-by-access non-permanent entries of dataType
// until at most targetCount remain.
func (s *Store) EvictLRU(ctx context.Context, dataType string, targetCount int) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin eviction: %w", err)
	}
	defer tx.Rollback()

	n, err := s.evictLRULocked(ctx, tx, dataType, targetCount)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit eviction: %w", err)
	}
	return n, nil
}

func (s *Store) evictLRULocked(ctx context.Context, tx *sqlx.Tx, dataType string, targetCount int) (int64, error) {
	var count int
	if err := tx.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM cache_entries WHERE data_type = ?`, dataType); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	if count <= targetCount {
		return 0, nil
	}

	// Permanent entries are never eviction candidates.
	res, err := tx.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries
			WHERE data_type = ? AND is_permanent = 0
			ORDER BY last_accessed_at ASC
			LIMIT ?)`, dataType, count-targetCount)
	if err != nil {
		return 0, fmt.Errorf("failed to evict LRU entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Str("data_type", dataType).Int64("evicted", n).Msg("LRU eviction")
	}
	return n, nil
}

func (s *Store) enforceEntryCountLocked(ctx context.Context, tx *sqlx.Tx, dataType string, maxEntries int) error {
	if maxEntries <= 0 {
		return nil
	}
	_, err := s.evictLRULocked(ctx, tx, dataType, maxEntries)
	return err
}

// CountByType returns the number of rows for one data type.
func (s *Store) CountByType(ctx context.Context, dataType string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM cache_entries WHERE data_type = ?`, dataType)
	return n, err
}

// Stats reports cache contents and hit accounting.
func (s *Store) Stats(ctx context.Context) Stats {
	st := Stats{EntriesByType: make(map[string]int)}

	_ = s.db.GetContext(ctx, &st.TotalEntries, `SELECT COUNT(*) FROM cache_entries`)
	_ = s.db.GetContext(ctx, &st.PermanentEntries,
		`SELECT COUNT(*) FROM cache_entries WHERE is_permanent = 1`)
	_ = s.db.GetContext(ctx, &st.TotalBytes,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`)

	rows, err := s.db.QueryxContext(ctx,
		`SELECT data_type, COUNT(*) FROM cache_entries GROUP BY data_type`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var dt string
			var n int
			if rows.Scan(&dt, &n) == nil {
				st.EntriesByType[dt] = n
			}
		}
	}

	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRatio = float64(st.Hits) / float64(total)
	}
	return st
}

// HashBlob computes the deterministic content hash over an uncompressed blob.
func HashBlob(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
