package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/graph"
)

// CounterpartyRepository keeps the who-paid-whom graph in Neo4j. Each pair of
// accounts has at most one SENT_TO edge carrying a transfer count and total.
type CounterpartyRepository struct {
	client graph.Client
}

// NewCounterpartyRepository instantiates a repository backed by client.
func NewCounterpartyRepository(client graph.Client) *CounterpartyRepository {
	return &CounterpartyRepository{client: client}
}

// EnsureSchema creates the uniqueness constraint that backs MERGE on handles.
func (r *CounterpartyRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.client.ExecuteWrite(ctx, accountConstraintCypher, nil); err != nil {
		return fmt.Errorf("ensure account constraint: %w", err)
	}
	return nil
}

// RecordTransfer adds an approved transfer to the sender's SENT_TO edge.
func (r *CounterpartyRepository) RecordTransfer(ctx context.Context, txn domain.Transaction) error {
	if txn.Sender == "" || txn.Recipient == "" {
		return errors.New("sender and recipient are required")
	}
	if txn.State != domain.OutcomeApproved {
		return nil
	}

	params := map[string]any{
		"sender":        domain.NormalizeIdentifier(txn.Sender),
		"recipient":     domain.NormalizeIdentifier(txn.Recipient),
		"amount":        txn.Amount.InexactFloat64(),
		"transactionId": txn.ID,
		"at":            formatTime(txn.CreatedAt),
	}
	if _, err := r.client.ExecuteWrite(ctx, recordTransferCypher, params); err != nil {
		return fmt.Errorf("record transfer %s: %w", txn.ID, err)
	}
	return nil
}

// HasSentTo reports whether sender has an approved transfer to recipient.
func (r *CounterpartyRepository) HasSentTo(ctx context.Context, sender, recipient string) (bool, error) {
	params := map[string]any{
		"sender":    domain.NormalizeIdentifier(sender),
		"recipient": domain.NormalizeIdentifier(recipient),
	}
	res, err := r.client.ExecuteRead(ctx, hasSentToCypher, params)
	if err != nil {
		return false, fmt.Errorf("has sent to query: %w", err)
	}
	if len(res.Records) == 0 {
		return false, nil
	}
	return res.Records[0].Int64("transfers") > 0, nil
}

// Counterparties lists the outgoing and incoming edges of handle, busiest first.
func (r *CounterpartyRepository) Counterparties(ctx context.Context, handle string) (domain.Counterparties, error) {
	handle = domain.NormalizeIdentifier(handle)
	out := domain.Counterparties{Handle: handle, Links: []domain.CounterpartyLink{}}
	if handle == "" {
		return out, errors.New("handle is required")
	}

	res, err := r.client.ExecuteRead(ctx, counterpartiesCypher, map[string]any{"handle": handle})
	if err != nil {
		return out, fmt.Errorf("counterparties query: %w", err)
	}
	for _, record := range res.Records {
		link := domain.CounterpartyLink{
			Handle:      record.String("peer"),
			Transfers:   record.Int64("transfers"),
			TotalAmount: record.Float64("total"),
			LastSeen:    record.Time("lastSeen"),
		}
		switch strings.ToUpper(record.String("direction")) {
		case "OUTBOUND":
			link.Direction = domain.DirectionSent
		default:
			link.Direction = domain.DirectionReceived
		}
		out.Links = append(out.Links, link)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(time.RFC3339Nano)
}

const accountConstraintCypher = `
CREATE CONSTRAINT account_handle IF NOT EXISTS
FOR (a:Account) REQUIRE a.handle IS UNIQUE
`

const recordTransferCypher = `
MERGE (sender:Account {handle: $sender})
MERGE (recipient:Account {handle: $recipient})
MERGE (sender)-[st:SENT_TO]->(recipient)
ON CREATE SET st.transfers = 0,
              st.total = 0.0,
              st.firstSeen = $at
SET st.transfers = st.transfers + 1,
    st.total = st.total + $amount,
    st.lastSeen = $at,
    st.lastTransactionId = $transactionId
RETURN st.transfers AS transfers
`

const hasSentToCypher = `
MATCH (:Account {handle: $sender})-[st:SENT_TO]->(:Account {handle: $recipient})
RETURN st.transfers AS transfers
`

const counterpartiesCypher = `
MATCH (a:Account {handle: $handle})-[st:SENT_TO]->(peer:Account)
RETURN peer.handle AS peer,
       "OUTBOUND" AS direction,
       st.transfers AS transfers,
       st.total AS total,
       st.lastSeen AS lastSeen
UNION ALL
MATCH (a:Account {handle: $handle})<-[st:SENT_TO]-(peer:Account)
RETURN peer.handle AS peer,
       "INBOUND" AS direction,
       st.transfers AS transfers,
       st.total AS total,
       st.lastSeen AS lastSeen
`
