package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ommthree/cryptoclaude/internal/request"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", NewPolicyEngine(StrategyBalanced))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blob := []byte(`{"p":50000}`)
	require.NoError(t, s.Put(ctx, Entry{
		Key: "price:cc:BTC", Blob: blob,
		DataType: "price", Provider: "cc", Symbol: "BTC",
	}))

	e, ok := s.Get(ctx, "price:cc:BTC")
	require.True(t, ok)
	assert.Equal(t, blob, e.Blob)
	assert.Equal(t, "price", e.DataType)
	assert.Equal(t, HashBlob(blob), e.ContentHash)
	assert.False(t, e.IsPermanent)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), e.ExpiresAt, time.Minute,
		"price TTL defaults to 15 minutes")
}

func TestStore_GetMiss(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.Get(context.Background(), "price:cc:NOPE")
	assert.False(t, ok)

	st := s.Stats(context.Background())
	assert.Equal(t, int64(0), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestStore_ExpiredEntryIsMiss(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{
		Key: "price:cc:BTC", Blob: []byte(`{"p":1}`),
		DataType: "price", Provider: "cc", Symbol: "BTC",
		CachedAt:  time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, ok := s.Get(ctx, "price:cc:BTC")
	assert.False(t, ok, "expired non-permanent entry reads as miss")
}

func TestStore_PermanentEntrySurvivesExpiryAndCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	require.NoError(t, s.PutHistorical(ctx, "BTC", "cc", "1d",
		[]byte(`{"bars":[]}`), start, end))

	_, err := s.CleanupExpired(ctx)
	require.NoError(t, err)

	blob, ok := s.GetHistorical(ctx, "BTC", "cc", "1d", start, end)
	require.True(t, ok, "permanent historical entry survives cleanup")
	assert.Equal(t, []byte(`{"bars":[]}`), blob)
	assert.True(t, s.HasHistorical(ctx, "BTC", "cc", "1d", start, end))
	assert.False(t, s.HasHistorical(ctx, "BTC", "cc", "1d", start, end.Add(time.Hour)),
		"different range bounds are a different key")
}

func TestStore_PolicyViolationOnOversizedEntry(t *testing.T) {
	s := openTestStore(t)

	big := make([]byte, 600*kib)
	err := s.Put(context.Background(), Entry{
		Key: "sentiment:news:BTC", Blob: big,
		DataType: "sentiment", Provider: "news", Symbol: "BTC",
	})
	require.Error(t, err)
	assert.True(t, request.IsKind(err, request.KindPolicyViolation))
}

func TestStore_PermanentForbiddenOutsideHistorical(t *testing.T) {
	s := openTestStore(t)

	err := s.Put(context.Background(), Entry{
		Key: "price:cc:BTC", Blob: []byte(`{}`),
		DataType: "price", Provider: "cc", Symbol: "BTC",
		IsPermanent: true,
	})
	require.Error(t, err)
	assert.True(t, request.IsKind(err, request.KindPolicyViolation))
}

func TestStore_CompressionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Highly repetitive payload over the threshold so gzip wins.
	blob := bytes.Repeat([]byte(`{"headline":"markets rally"},`), 8*kib)
	require.Greater(t, len(blob), compressThreshold)

	require.NoError(t, s.Put(ctx, Entry{
		Key: "news:news:BTC", Blob: blob,
		DataType: "news", Provider: "news", Symbol: "BTC",
	}))

	// On disk the payload carries the sentinel; readers never see it.
	var stored []byte
	require.NoError(t, s.db.GetContext(ctx, &stored,
		`SELECT payload FROM cache_entries WHERE key = ?`, "news:news:BTC"))
	assert.True(t, bytes.HasPrefix(stored, compressMagic))
	assert.Less(t, len(stored), len(blob))

	e, ok := s.Get(ctx, "news:news:BTC")
	require.True(t, ok)
	assert.Equal(t, blob, e.Blob)
	assert.Equal(t, int64(len(blob)), e.SizeBytes, "size accounts the uncompressed blob")
	assert.Equal(t, HashBlob(blob), e.ContentHash, "hash covers the uncompressed blob")
}

func TestStore_SmallBlobStoredUncompressed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blob := []byte(`{"headline":"quiet day"}`)
	require.NoError(t, s.Put(ctx, Entry{
		Key: "news:news:ETH", Blob: blob,
		DataType: "news", Provider: "news", Symbol: "ETH",
	}))

	var stored []byte
	require.NoError(t, s.db.GetContext(ctx, &stored,
		`SELECT payload FROM cache_entries WHERE key = ?`, "news:news:ETH"))
	assert.Equal(t, blob, stored)
}

func TestStore_DedupeByContentHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blob := []byte(`{"headline":"same story"}`)
	require.NoError(t, s.Put(ctx, Entry{
		Key: "news:news:BTC", Blob: blob,
		DataType: "news", Provider: "news", Symbol: "BTC",
	}))
	require.NoError(t, s.Put(ctx, Entry{
		Key: "news:cc:BTC", Blob: blob,
		DataType: "news", Provider: "cc", Symbol: "BTC",
	}))

	keys, err := s.FindByHash(ctx, HashBlob(blob))
	require.NoError(t, err)
	assert.Equal(t, []string{"news:cc:BTC", "news:news:BTC"}, keys)
}

func TestStore_LRUEvictionSparesPermanent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutHistorical(ctx, "BTC", "cc", "1d",
		[]byte(`{"bars":[1]}`), start, start.AddDate(0, 0, 30)))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, Entry{
			Key:  fmt.Sprintf("hist-scratch-%d", i),
			Blob: []byte(`{}`), DataType: "historical",
			Provider: "cc", Symbol: "BTC",
			LastAccessedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	n, err := s.EvictLRU(ctx, "historical", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.True(t, s.HasHistorical(ctx, "BTC", "cc", "1d", start, start.AddDate(0, 0, 30)),
		"permanent entry survives LRU pressure")
	// Oldest-accessed scratch rows went first.
	_, ok := s.Get(ctx, "hist-scratch-0")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "hist-scratch-4")
	assert.True(t, ok)
}

func TestStore_EntryCountEnforcedOnPut(t *testing.T) {
	policies := NewPolicyEngine(StrategyBalanced)
	policies.Register(Policy{
		DataType: "price", DefaultTTL: 15 * time.Minute,
		MaxEntrySize: 1 * mib, MaxEntries: 3,
	})
	s, err := Open(":memory:", policies)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Put(ctx, Entry{
			Key:  fmt.Sprintf("price:cc:SYM%d", i),
			Blob: []byte(`{}`), DataType: "price", Provider: "cc", Symbol: "X",
			LastAccessedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := s.CountByType(ctx, "price")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_UpdateAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{
		Key: "price:cc:BTC", Blob: []byte(`{}`),
		DataType: "price", Provider: "cc", Symbol: "BTC",
	}))
	require.NoError(t, s.UpdateAccess(ctx, "price:cc:BTC"))
	require.NoError(t, s.UpdateAccess(ctx, "price:cc:BTC"))

	e, ok := s.Get(ctx, "price:cc:BTC")
	require.True(t, ok)
	assert.Equal(t, int64(2), e.AccessCount)
}

func TestStore_Stats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{
		Key: "price:cc:BTC", Blob: []byte(`{"p":1}`),
		DataType: "price", Provider: "cc", Symbol: "BTC",
	}))
	s.Get(ctx, "price:cc:BTC")
	s.Get(ctx, "price:cc:NOPE")

	st := s.Stats(ctx)
	assert.Equal(t, int64(1), st.TotalEntries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRatio, 0.001)
	assert.Equal(t, 1, st.EntriesByType["price"])
}

func TestStore_SentinelPrefixedRawBlobRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Price policy does not compress, so without escaping this blob would
	// be stored raw and misread as compressed on Get.
	blob := append(append([]byte{}, compressMagic...), []byte(`{"p":50000}`)...)
	require.NoError(t, s.Put(ctx, Entry{
		Key: "price:cc:BTC", Blob: blob,
		DataType: "price", Provider: "cc", Symbol: "BTC",
	}))

	got, ok := s.Get(ctx, "price:cc:BTC")
	require.True(t, ok)
	assert.Equal(t, blob, got.Blob)
	assert.Equal(t, HashBlob(blob), got.ContentHash)

	// The row survived the read; it was not dropped as corrupt.
	_, ok = s.Get(ctx, "price:cc:BTC")
	assert.True(t, ok)
}
