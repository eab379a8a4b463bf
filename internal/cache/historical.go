package cache

import (
	"context"
	"fmt"
	"time"
)

// HistoricalKey computes the canonical key for an immutable historical
// range. Ranges are keyed by exact epoch bounds so a stored chunk can be
// checked without scanning.
func HistoricalKey(providerID, symbol, timeframe string, start, end time.Time) string {
	return fmt.Sprintf("hist:%s:%s:%s:%d:%d",
		providerID, symbol, timeframe, start.Unix(), end.Unix())
}

// PutHistorical stores an immutable historical range. Historical entries
// are always permanent; only explicit removal or LRU of non-permanent rows
// can touch other data.
func (s *Store) PutHistorical(ctx context.Context, symbol, providerID, timeframe string, blob []byte, start, end time.Time) error {
	return s.Put(ctx, Entry{
		Key:         HistoricalKey(providerID, symbol, timeframe, start, end),
		Blob:        blob,
		DataType:    "historical",
		Provider:    providerID,
		Symbol:      symbol,
		IsPermanent: true,
	})
}

// GetHistorical returns the stored blob for the exact range, or nil.
func (s *Store) GetHistorical(ctx context.Context, symbol, providerID, timeframe string, start, end time.Time) ([]byte, bool) {
	e, ok := s.Get(ctx, HistoricalKey(providerID, symbol, timeframe, start, end))
	if !ok {
		return nil, false
	}
	return e.Blob, true
}

// HasHistorical reports whether the exact range is stored.
func (s *Store) HasHistorical(ctx context.Context, symbol, providerID, timeframe string, start, end time.Time) bool {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM cache_entries WHERE key = ?`,
		HistoricalKey(providerID, symbol, timeframe, start, end))
	return err == nil && n > 0
}
