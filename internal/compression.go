package internal

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// compressedPrefix marks a payload as deflate+base64 encoded. Raw JSON can
// never start with it, so marked and unmarked payloads coexist in storage.
const compressedPrefix = "zb64:"

// Codec is the reversible text transform applied to serialized sessions
// before they hit storage.
type Codec struct{}

// Compress returns a compressed encoding of text. On any transform failure
// it degrades by returning the input verbatim, so callers must not assume
// the result is actually compressed.
func (Codec) Compress(text string, enabled bool) string {
	if !enabled || text == "" {
		return text
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		LogWarn("Compression unavailable, storing raw: %v", err)
		return text
	}
	if _, err := w.Write([]byte(text)); err != nil {
		w.Close()
		LogWarn("Compression failed, storing raw: %v", err)
		return text
	}
	if err := w.Close(); err != nil {
		LogWarn("Compression failed, storing raw: %v", err)
		return text
	}

	return compressedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Decompress inverts Compress. Unmarked input passes through unchanged,
// covering both compression-disabled saves and degraded ones.
func (Codec) Decompress(text string, wasCompressed bool) (string, error) {
	if !wasCompressed || !strings.HasPrefix(text, compressedPrefix) {
		return text, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(text, compressedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode compressed payload: %w", err)
	}

	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	decompressed, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to decompress payload: %w", err)
	}
	return string(decompressed), nil
}

// CompressionRatio reports compressed size as a percentage of the original.
func (Codec) CompressionRatio(original, compressed string) float64 {
	if len(original) == 0 {
		return 0
	}
	return float64(len(compressed)) / float64(len(original)) * 100
}
