package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecentEntries returns up to limit entries for (dataType, symbol) cached at
// or after since, newest first, with blobs decoded. Used by the degradation
// pipeline to find interpolation neighbors.
func (s *Store) RecentEntries(ctx context.Context, dataType, symbol string, since time.Time, limit int) ([]Entry, error) {
	var rows []Entry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM cache_entries
		WHERE data_type = ? AND symbol = ? AND cached_at >= ?
		ORDER BY cached_at DESC
		LIMIT ?`, dataType, symbol, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent entries: %w", err)
	}

	out := rows[:0]
	for _, e := range rows {
		blob, err := decodeBlob(e.Blob)
		if err != nil {
			continue
		}
		e.Blob = blob
		out = append(out, e)
	}
	return out, nil
}

// LastEntry returns the most recently cached entry for (dataType, symbol)
// regardless of expiry. The static fallback projects from it when every
// network step is exhausted.
func (s *Store) LastEntry(ctx context.Context, dataType, symbol string) (*Entry, bool) {
	var e Entry
	err := s.db.GetContext(ctx, &e, `
		SELECT * FROM cache_entries
		WHERE data_type = ? AND symbol = ?
		ORDER BY cached_at DESC
		LIMIT 1`, dataType, symbol)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	blob, derr := decodeBlob(e.Blob)
	if derr != nil {
		return nil, false
	}
	e.Blob = blob
	return &e, true
}
