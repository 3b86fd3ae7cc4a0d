package generator

import "time"

// Config drives the synthetic dataset generator.
type Config struct {
	NumAccounts    int
	NumBlacklisted int
	// RiskyShare of accounts start with a low Aura.
	RiskyShare float64
	// NewAccountShare of accounts are still inside the cooling-off period.
	NewAccountShare float64
	MinBalance      int64
	MaxBalance      int64
	Password        string
	Seed            int64
	Now             time.Time
}

// DefaultConfig returns a dataset sized for local load testing.
func DefaultConfig() Config {
	return Config{
		NumAccounts:     1000,
		NumBlacklisted:  50,
		RiskyShare:      0.15,
		NewAccountShare: 0.1,
		MinBalance:      500,
		MaxBalance:      20000,
		Password:        "guardpay123",
		Seed:            42,
	}
}
