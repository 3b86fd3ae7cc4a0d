package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/store"
)

// CounterpartyLister is the graph view of who paid whom.
type CounterpartyLister interface {
	Counterparties(ctx context.Context, handle string) (domain.Counterparties, error)
}

// StatsService serves the admin dashboard.
type StatsService struct {
	reader store.Reader
	graph  CounterpartyLister
	logger *slog.Logger
}

// NewStatsService builds a StatsService. graph may be nil, in which case the
// counterparty view is derived from transaction history.
func NewStatsService(reader store.Reader, graph CounterpartyLister, logger *slog.Logger) *StatsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsService{reader: reader, graph: graph, logger: logger.With("component", "stats")}
}

// GlobalStats returns system-wide counters.
func (s *StatsService) GlobalStats(ctx context.Context) (domain.GlobalStats, error) {
	stats, err := s.reader.Stats(ctx)
	if err != nil {
		return domain.GlobalStats{}, fmt.Errorf("global stats: %w", err)
	}
	return stats, nil
}

// Counterparties lists who handle has paid and been paid by.
func (s *StatsService) Counterparties(ctx context.Context, handle string) (domain.Counterparties, error) {
	if _, err := s.reader.GetAccount(ctx, handle); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Counterparties{}, domain.NotFound("user %q not found", handle)
		}
		return domain.Counterparties{}, fmt.Errorf("load account: %w", err)
	}

	if s.graph != nil {
		out, err := s.graph.Counterparties(ctx, handle)
		if err == nil {
			return out, nil
		}
		s.logger.Warn("graph counterparties failed, using history", "handle", handle, "error", err)
	}
	return s.counterpartiesFromHistory(ctx, handle)
}

func (s *StatsService) counterpartiesFromHistory(ctx context.Context, handle string) (domain.Counterparties, error) {
	page, err := s.reader.ListTransactions(ctx, handle, 0, 0)
	if err != nil {
		return domain.Counterparties{}, fmt.Errorf("list transactions: %w", err)
	}

	type linkKey struct {
		peer      string
		direction domain.Direction
	}
	links := make(map[linkKey]*domain.CounterpartyLink)
	for _, txn := range page.Items {
		if txn.Type != domain.TxTransfer || txn.State != domain.OutcomeApproved {
			continue
		}
		direction := txn.DirectionFor(handle)
		peer := txn.Recipient
		if direction == domain.DirectionReceived {
			peer = txn.Sender
		}
		key := linkKey{peer: domain.NormalizeIdentifier(peer), direction: direction}
		link, ok := links[key]
		if !ok {
			link = &domain.CounterpartyLink{Handle: key.peer, Direction: direction}
			links[key] = link
		}
		link.Transfers++
		link.TotalAmount += txn.Amount.InexactFloat64()
		if link.LastSeen == nil || txn.CreatedAt.After(*link.LastSeen) {
			seen := txn.CreatedAt.UTC().Truncate(time.Millisecond)
			link.LastSeen = &seen
		}
	}

	out := domain.Counterparties{Handle: domain.NormalizeIdentifier(handle), Links: make([]domain.CounterpartyLink, 0, len(links))}
	for _, link := range links {
		out.Links = append(out.Links, *link)
	}
	sort.Slice(out.Links, func(i, j int) bool {
		a, b := out.Links[i], out.Links[j]
		if a.Direction != b.Direction {
			return a.Direction == domain.DirectionSent
		}
		if a.Transfers != b.Transfers {
			return a.Transfers > b.Transfers
		}
		return a.Handle < b.Handle
	})
	return out, nil
}
