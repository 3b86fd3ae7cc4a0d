package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vanshika/guardpay/backend/internal/graph"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// HealthReporter is a HealthService that can break its verdict down per dependency.
type HealthReporter interface {
	HealthService
	Report(ctx context.Context) (map[string]string, error)
}

// Check is one named dependency probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// CompositeHealth runs every registered check.
type CompositeHealth struct {
	checks []Check
}

// NewCompositeHealth skips checks without a probe function.
func NewCompositeHealth(checks ...Check) *CompositeHealth {
	h := &CompositeHealth{}
	for _, c := range checks {
		if c.Probe != nil {
			h.checks = append(h.checks, c)
		}
	}
	return h
}

// Probe implements the HealthService interface.
func (h *CompositeHealth) Probe(ctx context.Context) error {
	_, err := h.Report(ctx)
	return err
}

// Report returns "ok" or the failure message for each check, plus the joined failures.
func (h *CompositeHealth) Report(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(h.checks))
	var errs []error
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			out[c.Name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		out[c.Name] = "ok"
	}
	return out, errors.Join(errs...)
}

// StorageCheck pings the ledger store.
func StorageCheck(pinger interface {
	Ping(ctx context.Context) error
}) Check {
	return Check{Name: "storage", Probe: pinger.Ping}
}

// RedisCheck pings Redis. A nil client yields a check that is skipped.
func RedisCheck(client *redis.Client) Check {
	if client == nil {
		return Check{Name: "redis"}
	}
	return Check{Name: "redis", Probe: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// GraphCheck verifies graph connectivity. A nil client yields a check that is skipped.
func GraphCheck(client graph.Client) Check {
	if client == nil {
		return Check{Name: "graph"}
	}
	return Check{Name: "graph", Probe: client.VerifyConnectivity}
}
