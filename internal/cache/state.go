package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ommthree/cryptoclaude/internal/quota"
)

// Persistence for non-entry state: quota snapshots, historical loading
// progress, and the configuration audit trail. The cache file is the
// canonical state; everything in memory is derivable from it on restart.

// SaveQuotaSnapshots upserts the current per-provider counters.
func (s *Store) SaveQuotaSnapshots(ctx context.Context, snaps []quota.Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot save: %w", err)
	}
	defer tx.Rollback()

	for _, snap := range snaps {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO quota_snapshots
			(provider, daily_used, monthly_used, day_reset_at, month_reset_at, last_request_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			snap.Provider, snap.DailyUsed, snap.MonthlyUsed,
			snap.DayResetAt, snap.MonthResetAt, snap.LastRequestAt)
		if err != nil {
			return fmt.Errorf("failed to save quota snapshot for %s: %w", snap.Provider, err)
		}
	}
	return tx.Commit()
}

// LoadQuotaSnapshots returns all persisted provider counters.
func (s *Store) LoadQuotaSnapshots(ctx context.Context) ([]quota.Snapshot, error) {
	var snaps []quota.Snapshot
	err := s.db.SelectContext(ctx, &snaps, `SELECT * FROM quota_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota snapshots: %w", err)
	}
	return snaps, nil
}

// LoadingRecord is the persisted progress row for one historical load.
type LoadingRecord struct {
	LoadingID   string    `db:"loading_id"`
	Symbol      string    `db:"symbol"`
	Provider    string    `db:"provider"`
	Timeframe   string    `db:"timeframe"`
	RangeStart  time.Time `db:"range_start"`
	RangeEnd    time.Time `db:"range_end"`
	TotalChunks int       `db:"total_chunks"`
	Completed   int       `db:"completed"`
	Failed      int       `db:"failed"`
	BytesLoaded int64     `db:"bytes_loaded"`
	Status      string    `db:"status"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// SaveLoadingProgress upserts a loading progress row.
func (s *Store) SaveLoadingProgress(ctx context.Context, rec LoadingRecord) error {
	rec.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO loading_progress
		(loading_id, symbol, provider, timeframe, range_start, range_end,
		 total_chunks, completed, failed, bytes_loaded, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LoadingID, rec.Symbol, rec.Provider, rec.Timeframe,
		rec.RangeStart, rec.RangeEnd, rec.TotalChunks, rec.Completed,
		rec.Failed, rec.BytesLoaded, rec.Status, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save loading progress: %w", err)
	}
	return nil
}

// LoadLoadingProgress returns the persisted row for a loading id.
func (s *Store) LoadLoadingProgress(ctx context.Context, loadingID string) (*LoadingRecord, error) {
	var rec LoadingRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM loading_progress WHERE loading_id = ?`, loadingID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loading progress: %w", err)
	}
	return &rec, nil
}

// SetConfiguration writes a configuration value and appends the change to
// the audit table in the same transaction.
func (s *Store) SetConfiguration(ctx context.Context, name, value string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin config write: %w", err)
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.GetContext(ctx, &old,
		`SELECT value FROM configurations WHERE name = ?`, name)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read current config: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO configurations (name, value, updated_at)
		VALUES (?, ?, ?)`, name, value, now); err != nil {
		return fmt.Errorf("failed to write config %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_audit (name, old_value, new_value, changed_at)
		VALUES (?, ?, ?, ?)`, name, old, value, now); err != nil {
		return fmt.Errorf("failed to audit config change: %w", err)
	}
	return tx.Commit()
}

// GetConfiguration reads a persisted configuration value.
func (s *Store) GetConfiguration(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM configurations WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config %s: %w", name, err)
	}
	return value, true, nil
}
