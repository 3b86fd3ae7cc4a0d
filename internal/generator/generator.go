package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/service"
)

// Dataset contains generated accounts and blacklist entries.
type Dataset struct {
	Accounts  []service.AccountInput   `json:"accounts"`
	Blacklist []service.BlacklistInput `json:"blacklist"`
}

// Generator produces synthetic accounts in the shape the ingestor accepts.
type Generator struct {
	cfg       Config
	rand      *rand.Rand
	fragments nameFragments
}

// New returns a Generator, filling unset config values with defaults.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = def.NumAccounts
	}
	if cfg.NumBlacklisted < 0 {
		cfg.NumBlacklisted = 0
	}
	if cfg.RiskyShare < 0 || cfg.RiskyShare > 1 {
		cfg.RiskyShare = def.RiskyShare
	}
	if cfg.NewAccountShare < 0 || cfg.NewAccountShare > 1 {
		cfg.NewAccountShare = def.NewAccountShare
	}
	if cfg.MinBalance < 0 {
		cfg.MinBalance = 0
	}
	if cfg.MaxBalance <= cfg.MinBalance {
		cfg.MaxBalance = cfg.MinBalance + 1
	}
	if cfg.Password == "" {
		cfg.Password = def.Password
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}

	return &Generator{
		cfg:       cfg,
		rand:      rand.New(rand.NewSource(cfg.Seed)),
		fragments: defaultNameFragments(),
	}
}

// Generate builds the dataset. It respects context cancellation.
func (g *Generator) Generate(ctx context.Context) (Dataset, error) {
	accounts := make([]service.AccountInput, g.cfg.NumAccounts)
	for i := range accounts {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		aura := g.randomAura()
		created := g.randomCreatedAt()
		accounts[i] = service.AccountInput{
			Handle:    g.handle(i),
			Password:  g.cfg.Password,
			Balance:   g.randomBalance(),
			Aura:      &aura,
			CreatedAt: &created,
		}
	}

	blacklist := make([]service.BlacklistInput, g.cfg.NumBlacklisted)
	for i := range blacklist {
		if err := ctx.Err(); err != nil {
			return Dataset{}, err
		}
		blacklist[i] = service.BlacklistInput{
			Identifier: g.upiID(i),
			Reason:     g.fragments.reasons[g.rand.Intn(len(g.fragments.reasons))],
		}
	}

	return Dataset{Accounts: accounts, Blacklist: blacklist}, nil
}

// handle is unique per index; the name part only makes it readable.
func (g *Generator) handle(i int) string {
	first := g.fragments.first[g.rand.Intn(len(g.fragments.first))]
	last := g.fragments.last[g.rand.Intn(len(g.fragments.last))]
	return fmt.Sprintf("%s.%s%04d", first, last, i+1)
}

func (g *Generator) upiID(i int) string {
	bank := g.fragments.banks[g.rand.Intn(len(g.fragments.banks))]
	prefix := g.fragments.mulePrefixes[g.rand.Intn(len(g.fragments.mulePrefixes))]
	return fmt.Sprintf("%s%04d@%s", prefix, i+1, bank)
}

func (g *Generator) randomAura() float64 {
	if g.rand.Float64() < g.cfg.RiskyShare {
		return float64(20 + g.rand.Intn(40))
	}
	return float64(70 + g.rand.Intn(31))
}

func (g *Generator) randomBalance() decimal.Decimal {
	span := g.cfg.MaxBalance - g.cfg.MinBalance
	cents := g.rand.Int63n(span*100 + 1)
	return decimal.NewFromInt(g.cfg.MinBalance).Add(decimal.New(cents, -2))
}

func (g *Generator) randomCreatedAt() time.Time {
	if g.rand.Float64() < g.cfg.NewAccountShare {
		return g.cfg.Now.Add(-time.Duration(g.rand.Intn(12*60)) * time.Minute)
	}
	return g.cfg.Now.Add(-time.Duration(48+g.rand.Intn(365*24)) * time.Hour)
}

type nameFragments struct {
	first        []string
	last         []string
	banks        []string
	mulePrefixes []string
	reasons      []string
}

func defaultNameFragments() nameFragments {
	return nameFragments{
		first:        []string{"priya", "arjun", "neha", "rahul", "ananya", "vikram", "sneha", "rohan", "isha", "kabir", "meera", "aditya"},
		last:         []string{"sharma", "patel", "iyer", "reddy", "gupta", "nair", "singh", "das", "kapoor", "menon"},
		banks:        []string{"okaxis", "oksbi", "okhdfcbank", "okicici", "ybl", "paytm"},
		mulePrefixes: []string{"quickcash", "refund.desk", "lottery.win", "kyc.update", "prize.claim"},
		reasons:      []string{"Reported Fraud", "Phishing link", "Mule account", "Fake refund request", "Lottery scam"},
	}
}
