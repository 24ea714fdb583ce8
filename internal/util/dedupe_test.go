package util

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeKey_TransportIDWins(t *testing.T) {
	at := time.Now()
	key := DedupeKey("prov-42", "a@x.com", "b@y.com", "s", "t", at)
	assert.Equal(t, "tmid:prov-42", key)

	// Content differences are irrelevant once the transport id is set.
	other := DedupeKey("prov-42", "other@x.com", "b@y.com", "s2", "t2", at.Add(time.Hour))
	assert.Equal(t, key, other)
}

func TestDedupeKey_ContentHashFallback(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	key := DedupeKey("", "a@x.com", "b@y.com", "s", "t", at)
	assert.True(t, strings.HasPrefix(key, "sha:"))

	same := DedupeKey("  ", "a@x.com", "b@y.com", "s", "t", at)
	assert.Equal(t, key, same, "blank transport id falls back to the hash")

	differs := []string{
		DedupeKey("", "z@x.com", "b@y.com", "s", "t", at),
		DedupeKey("", "a@x.com", "b@y.com", "s2", "t", at),
		DedupeKey("", "a@x.com", "b@y.com", "s", "t", at.Add(time.Second)),
	}
	for _, d := range differs {
		assert.NotEqual(t, key, d)
	}
}

func TestDedupeKey_FieldBoundaries(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	// "ab"+"c" and "a"+"bc" must not collide.
	a := DedupeKey("", "ab", "c", "s", "t", at)
	b := DedupeKey("", "a", "bc", "s", "t", at)
	assert.NotEqual(t, a, b)
}

func TestValidEmail(t *testing.T) {
	valid := []string{"bob@example.com", "a.b+tag@sub.example.org", " spaced@example.com "}
	for _, s := range valid {
		assert.True(t, ValidEmail(s), s)
	}

	invalid := []string{"", "   ", "not-an-email", "Bob <bob@example.com>", "bob@", "@example.com", "a b@example.com"}
	for _, s := range invalid {
		assert.False(t, ValidEmail(s), s)
	}
}

func TestCanonicalIdentity(t *testing.T) {
	assert.Equal(t, "net:alice", CanonicalIdentity("  NET:Alice "))
	assert.Equal(t, "bob@example.com", CanonicalAddress("Bob@Example.COM "))
}
