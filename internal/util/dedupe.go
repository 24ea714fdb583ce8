package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DedupeKey derives the unique key for an inbound email. A transport
// message id wins outright; without one the key is a content hash over
// the fields that distinguish two logically different deliveries.
func DedupeKey(transportMessageID, from, to, subject, text string, receivedAt time.Time) string {
	if id := strings.TrimSpace(transportMessageID); id != "" {
		return "tmid:" + id
	}

	h := sha256.New()
	for _, part := range []string{from, to, subject, text, receivedAt.UTC().Format(time.RFC3339Nano)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "sha:" + hex.EncodeToString(h.Sum(nil))
}
