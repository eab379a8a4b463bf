package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressBlob_RoundTrip(t *testing.T) {
	blob := bytes.Repeat([]byte("abcdefgh"), 20*kib)

	stored, err := compressBlob(blob)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(stored, compressMagic))
	assert.Less(t, len(stored), len(blob))

	decoded, err := decodeBlob(stored)
	require.NoError(t, err)
	assert.Equal(t, blob, decoded)
}

func TestCompressBlob_IncompressibleKeptRaw(t *testing.T) {
	// Too short and too random for gzip to win.
	blob := []byte{0x9f, 0x3a, 0x77, 0x01, 0xde}

	stored, err := compressBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, blob, stored)
}

func TestDecodeBlob_RawPassthrough(t *testing.T) {
	blob := []byte(`{"p":50000}`)
	decoded, err := decodeBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, blob, decoded)
}

func TestDecodeBlob_CorruptedSentinel(t *testing.T) {
	stored := append(append([]byte{}, compressMagic...), 0x00, 0x01, 0x02)
	_, err := decodeBlob(stored)
	assert.Error(t, err)
}

func TestCompressBlob_SentinelPrefixedRawIsEscaped(t *testing.T) {
	// A raw blob that happens to begin with the magic must never be stored
	// as-is, or the read path would try to gunzip it.
	blob := append(append([]byte{}, compressMagic...), 0x00, 0x01, 0x02)

	stored, err := compressBlob(blob)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(stored, compressMagic))
	assert.NotEqual(t, blob, stored)

	decoded, err := decodeBlob(stored)
	require.NoError(t, err)
	assert.Equal(t, blob, decoded)
}
