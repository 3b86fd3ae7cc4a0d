package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// Registry is the global list of banned payment identifiers.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewRegistry constructs a Registry over the shared store.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		logger: logger.With("component", "blacklist"),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock allows tests to override the timestamp source.
func (r *Registry) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		r.nowFn = nowFn
	}
}

// Block lists identifier. Blocking an already listed identifier returns the
// existing entry with created=false.
func (r *Registry) Block(ctx context.Context, identifier, reason string) (domain.BlacklistEntry, bool, error) {
	id := domain.NormalizeIdentifier(identifier)
	if id == "" {
		return domain.BlacklistEntry{}, false, domain.InvalidRequest("identifier is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.DefaultBlacklistReason
	}

	var (
		entry   domain.BlacklistEntry
		created bool
	)
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, created, err = tx.AddBlacklist(ctx, domain.BlacklistEntry{
			Identifier: id,
			Reason:     reason,
			CreatedAt:  r.nowFn(),
		})
		return err
	})
	if err != nil {
		return domain.BlacklistEntry{}, false, fmt.Errorf("block %s: %w", id, err)
	}
	if created {
		r.logger.Warn("identifier blacklisted", "identifier", id, "reason", reason)
	}
	return entry, created, nil
}

// Check returns the entries matching any of the identifiers.
func (r *Registry) Check(ctx context.Context, identifiers ...string) ([]domain.BlacklistEntry, error) {
	entries, err := r.store.FindBlacklisted(ctx, identifiers...)
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w", err)
	}
	return entries, nil
}

// IsListed reports whether any of the identifiers is banned.
func (r *Registry) IsListed(ctx context.Context, identifiers ...string) (bool, error) {
	entries, err := r.Check(ctx, identifiers...)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// List returns every entry, newest first.
func (r *Registry) List(ctx context.Context) ([]domain.BlacklistEntry, error) {
	entries, err := r.store.ListBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blacklist: %w", err)
	}
	return entries, nil
}

// Count returns the number of listed identifiers.
func (r *Registry) Count(ctx context.Context) (int, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
