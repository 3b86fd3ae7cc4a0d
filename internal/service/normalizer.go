package service

import (
	"regexp"
	"strings"

	"github.com/vanshika/guardpay/backend/internal/domain"
)

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	// identifierRegex accepts plain handles and UPI-style ids (name@bank).
	identifierRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*(@[a-z0-9][a-z0-9.-]*)?$`)
)

// sanitizeString collapses whitespace and trims the result.
func sanitizeString(value string) string {
	value = whitespaceRegex.ReplaceAllString(value, " ")
	return strings.TrimSpace(value)
}

// normalizeHandle drops surrounding and inner whitespace; handles keep their case.
func normalizeHandle(handle string) string {
	return whitespaceRegex.ReplaceAllString(handle, "")
}

// normalizeIdentifier lowercases and validates a blacklist identifier.
// It returns "" when the value cannot be a handle or UPI id.
func normalizeIdentifier(id string) string {
	id = domain.NormalizeIdentifier(id)
	if !identifierRegex.MatchString(id) {
		return ""
	}
	return id
}
