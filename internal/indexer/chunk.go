// Package indexer turns normalized email messages into embedded, tenant-scoped
// chunks in a vector store. It replaces a one-shot ingestion script with a
// bounded-concurrency pipeline that isolates failures per message.
package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const (
	// DefaultMaxChars is the chunk window: 800 tokens at ~4 chars per token.
	DefaultMaxChars = 3200
	// DefaultOverlapChars is the overlap between consecutive windows: 200 tokens.
	DefaultOverlapChars = 800
)

// Chunk splits text into windows of at most maxChars runes. Each window after
// the first starts overlapChars runes before the previous window's end. An
// overlap outside [0, maxChars) is clamped to 0 so the scan always advances.
// Chunk is deterministic and returns nil for empty text.
func Chunk(text string, maxChars, overlapChars int) []string {
	if text == "" {
		return nil
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		overlapChars = 0
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := min(start+maxChars, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		start = end - overlapChars
	}
	return chunks
}

// ChunkID derives the content-addressed chunk id from tenant, message and
// window index. Re-indexing a message reproduces the same ids, so the store
// overwrites instead of duplicating.
func ChunkID(tenantID, messageID string, index int) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(index)))
	return hex.EncodeToString(h.Sum(nil))
}
