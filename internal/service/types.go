package service

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountInput is one account record in an ingest dataset.
type AccountInput struct {
	Handle    string          `json:"handle"`
	Password  string          `json:"password"`
	Balance   decimal.Decimal `json:"balance"`
	Aura      *float64        `json:"aura,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

// BlacklistInput is one identifier to block in an ingest dataset.
type BlacklistInput struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason,omitempty"`
}

// IngestReport counts what a bulk run did.
type IngestReport struct {
	Total   int64 `json:"total"`
	Created int64 `json:"created"`
	Skipped int64 `json:"skipped"`
}
