package util

import (
	"net/mail"
	"strings"
)

// ValidEmail reports whether s is a single bare email address.
// Display names ("Bob <bob@x>") are rejected on purpose: the relay
// only accepts plain addresses in send requests.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Name == "" && addr.Address == s
}

// CanonicalIdentity normalizes a network identity for allowlist and
// uniqueness comparisons.
func CanonicalIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CanonicalAddress lowercases and trims an email address.
func CanonicalAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
