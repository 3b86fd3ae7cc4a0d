package domain

import (
	"strings"
	"time"
)

// DefaultBlacklistReason is recorded when an admin gives none.
const DefaultBlacklistReason = "Reported Fraud"

// BlacklistEntry bans a payment identifier from sending or receiving.
type BlacklistEntry struct {
	Identifier string
	Reason     string
	CreatedAt  time.Time
}

// NormalizeIdentifier canonicalises handles and UPI ids for comparison.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
