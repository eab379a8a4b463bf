package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressed blobs are prefixed with a 4-byte magic so the store can read
// both compressed and raw payloads written by earlier runs.
var compressMagic = []byte("CCZ1")

// compressThreshold is the minimum payload size before compression is
// attempted, even when the policy enables it.
const compressThreshold = 100 * kib

func compressBlob(blob []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(compressMagic)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(blob); err != nil {
		return nil, fmt.Errorf("failed to compress blob: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compressed blob: %w", err)
	}
	// Incompressible data can grow; keep the raw form unless it would be
	// misread as a compressed payload on the way out.
	if buf.Len() >= len(blob) && !mustEscape(blob) {
		return blob, nil
	}
	return buf.Bytes(), nil
}

// mustEscape reports whether a raw blob happens to begin with the sentinel
// and so must be stored compressed to keep the round trip exact.
func mustEscape(blob []byte) bool {
	return bytes.HasPrefix(blob, compressMagic)
}

// decodeBlob transparently inflates sentinel-prefixed payloads and passes
// raw payloads through unchanged.
func decodeBlob(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, compressMagic) {
		return stored, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(stored[len(compressMagic):]))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed blob: %w", err)
	}
	defer zr.Close()

	blob, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return blob, nil
}
