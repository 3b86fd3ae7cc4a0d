package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/risk"
)

// idempotencyField lets mutating bodies carry their key alongside the payload.
type idempotencyField struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// key returns the body key, falling back to the Idempotency-Key header.
func (f idempotencyField) key(r *http.Request) string {
	if key := strings.TrimSpace(f.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
}

type credentialsRequest struct {
	idempotencyField
	Username string `json:"username"`
	Password string `json:"password"`
}

type transferRequest struct {
	idempotencyField
	SenderUsername string          `json:"sender_username"`
	RecipientUPI   string          `json:"recipient_upi"`
	Amount         decimal.Decimal `json:"amount"`
}

type escrowRequest struct {
	idempotencyField
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type cardRequest struct {
	idempotencyField
	Username    string          `json:"username"`
	Label       string          `json:"label"`
	AmountLimit decimal.Decimal `json:"amount_limit"`
}

type chargeRequest struct {
	idempotencyField
	CardID   string          `json:"card_id"`
	Amount   decimal.Decimal `json:"amount"`
	Merchant string          `json:"merchant,omitempty"`
}

type signupResponse struct {
	Status   string  `json:"status"`
	Username string  `json:"username"`
	Balance  float64 `json:"balance"`
	Message  string  `json:"message"`
}

type loginResponse struct {
	Status    string  `json:"status"`
	Username  string  `json:"username"`
	AuraScore float64 `json:"aura_score"`
	Token     string  `json:"token,omitempty"`
	ExpiresAt string  `json:"expires_at,omitempty"`
}

type trustRating struct {
	AuraScore     float64 `json:"aura_score"`
	WarningCount  int     `json:"warning_count"`
	Status        string  `json:"status"`
	BonusProgress string  `json:"bonus_progress"`
}

type accountSummary struct {
	TotalGhostCards        int `json:"total_ghost_cards"`
	IncomingEscrowPayments int `json:"incoming_escrow_payments"`
	OutgoingEscrowPayments int `json:"outgoing_escrows_payments"`
}

type profileResponse struct {
	Username       string         `json:"username"`
	Balance        float64        `json:"balance"`
	TrustRating    trustRating    `json:"trust_rating"`
	AccountSummary accountSummary `json:"account_summary"`
}

type transferResponse struct {
	Status           string   `json:"status"`
	RiskScore        int      `json:"risk_score"`
	AppliedThreshold float64  `json:"applied_threshold"`
	RiskFactors      []string `json:"risk_factors"`
	CurrentAura      float64  `json:"current_aura"`
	TransactionID    string   `json:"transaction_id"`
	Replayed         bool     `json:"replayed"`
	Message          string   `json:"message"`
}

func newTransferResponse(result risk.Result) transferResponse {
	resp := transferResponse{
		Status:           string(result.Assessment.Outcome),
		RiskScore:        result.Assessment.Score,
		AppliedThreshold: result.Assessment.Threshold,
		RiskFactors:      result.Assessment.Factors,
		CurrentAura:      result.CurrentAura,
		TransactionID:    result.Transaction.ID,
		Replayed:         result.Replayed,
	}
	if resp.RiskFactors == nil {
		resp.RiskFactors = []string{}
	}
	switch {
	case !result.Assessment.Approved():
		resp.Message = "Transaction blocked due to high risk profile."
	case result.Replayed:
		resp.Message = "Transaction already processed."
	default:
		resp.Message = amountMessage(result.Transaction.Amount) + " sent safely."
		if result.StreakBonus {
			resp.Message += " 🎉 Bonus: +2 Aura points earned!"
		}
	}
	return resp
}

type paginationResponse struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	TotalItems int64 `json:"totalItems"`
	TotalPages int   `json:"totalPages"`
}

type transactionResponse struct {
	TransactionID string   `json:"transaction_id"`
	Sender        string   `json:"sender"`
	Recipient     string   `json:"recipient"`
	Amount        float64  `json:"amount"`
	Type          string   `json:"type"`
	Status        string   `json:"status"`
	Direction     string   `json:"direction"`
	Settlement    string   `json:"settlement"`
	RiskScore     int      `json:"risk_score"`
	RiskFactors   []string `json:"risk_factors"`
	Timestamp     string   `json:"timestamp"`
}

func newTransactionResponse(txn domain.Transaction, direction domain.Direction) transactionResponse {
	factors := txn.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	return transactionResponse{
		TransactionID: txn.ID,
		Sender:        txn.Sender,
		Recipient:     txn.Recipient,
		Amount:        txn.Amount.InexactFloat64(),
		Type:          string(txn.Type),
		Status:        string(txn.State),
		Direction:     string(direction),
		Settlement:    string(txn.Settlement),
		RiskScore:     txn.RiskScore,
		RiskFactors:   factors,
		Timestamp:     formatTime(txn.CreatedAt),
	}
}

type historyResponse struct {
	Username     string                `json:"username"`
	Transactions []transactionResponse `json:"transactions"`
	Pagination   paginationResponse    `json:"pagination"`
}

type escrowResponse struct {
	EscrowID   string  `json:"escrow_id"`
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Amount     float64 `json:"amount"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt string  `json:"resolved_at,omitempty"`
}

func newEscrowResponse(e domain.Escrow) escrowResponse {
	return escrowResponse{
		EscrowID:   e.ID,
		SenderID:   e.Sender,
		ReceiverID: e.Receiver,
		Amount:     e.Amount.InexactFloat64(),
		Status:     string(e.Status),
		CreatedAt:  formatTime(e.CreatedAt),
		ResolvedAt: formatTimePtr(e.ResolvedAt),
	}
}

func newEscrowResponses(escrows []domain.Escrow) []escrowResponse {
	out := make([]escrowResponse, 0, len(escrows))
	for _, e := range escrows {
		out = append(out, newEscrowResponse(e))
	}
	return out
}

type escrowActionResponse struct {
	Status       string         `json:"status"`
	EscrowID     string         `json:"escrow_id"`
	Message      string         `json:"message,omitempty"`
	NewStatus    string         `json:"new_status,omitempty"`
	NewAuraScore *float64       `json:"new_aura_score,omitempty"`
	Escrow       escrowResponse `json:"escrow"`
}

type sentEscrowsResponse struct {
	Username              string           `json:"username"`
	TotalOutgoingPayments int              `json:"total_outgoing_payments"`
	Escrows               []escrowResponse `json:"escrows"`
}

type incomingEscrowsResponse struct {
	Username           string           `json:"username"`
	TotalPendingIncome int              `json:"total_pending_income"`
	Escrows            []escrowResponse `json:"escrows"`
}

type escrowCheckResponse struct {
	EscrowID    string  `json:"escrow_id"`
	ReceiverID  string  `json:"receiver_id"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
	CanShipItem bool    `json:"can_ship_item"`
}

type cardResponse struct {
	CardID        string  `json:"card_id"`
	CardNumber    string  `json:"card_number"`
	CVV           string  `json:"cvv,omitempty"`
	Label         string  `json:"label"`
	AmountLimit   float64 `json:"amount_limit"`
	Owner         string  `json:"owner"`
	Status        string  `json:"status"`
	ChargedAmount float64 `json:"charged_amount"`
	CreatedAt     string  `json:"created_at"`
	DestroyedAt   string  `json:"destroyed_at,omitempty"`
}

// newCardResponse exposes the full number and CVV only when reveal is set.
func newCardResponse(c domain.GhostCard, reveal bool) cardResponse {
	resp := cardResponse{
		CardID:        c.ID,
		CardNumber:    c.MaskedNumber(),
		Label:         c.Label,
		AmountLimit:   c.Limit.InexactFloat64(),
		Owner:         c.Owner,
		Status:        string(c.Status),
		ChargedAmount: c.ChargedAmount.InexactFloat64(),
		CreatedAt:     formatTime(c.CreatedAt),
		DestroyedAt:   formatTimePtr(c.DestroyedAt),
	}
	if reveal {
		resp.CardNumber = c.Number
		resp.CVV = c.CVV
	}
	return resp
}

type cardCreatedResponse struct {
	Status string       `json:"status"`
	Owner  string       `json:"owner"`
	Card   cardResponse `json:"card"`
}

type cardsResponse struct {
	Username   string         `json:"username"`
	TotalCards int            `json:"total_cards"`
	Cards      []cardResponse `json:"cards"`
}

type chargeResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	CardID     string `json:"card_id"`
	CardStatus string `json:"card_status"`
}

type metricsResponse struct {
	TotalRegisteredUsers     int64   `json:"total_registered_users"`
	FraudAttemptsBlocked     int64   `json:"fraud_attempts_blocked"`
	TotalSafeVolumeProcessed float64 `json:"total_safe_volume_processed"`
	SystemTrustAverage       float64 `json:"system_trust_average"`
	ActiveBlacklistEntries   int64   `json:"active_blacklist_entries"`
	ActiveGhostCards         int64   `json:"active_ghost_cards"`
	DestroyedGhostCards      int64   `json:"destroyed_ghost_cards"`
	TotalLockedEscrows       int64   `json:"total_locked_escrows"`
}

type globalStatsResponse struct {
	Metrics metricsResponse `json:"metrics"`
	Status  string          `json:"status"`
}

type blockResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type blacklistEntryResponse struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

type blacklistResponse struct {
	Total   int                      `json:"total"`
	Entries []blacklistEntryResponse `json:"entries"`
}

type penalizeResponse struct {
	Message      string  `json:"message"`
	NewAuraScore float64 `json:"new_aura_score"`
	WarningCount int     `json:"warning_count"`
}

type counterpartyLinkResponse struct {
	Handle      string  `json:"handle"`
	Direction   string  `json:"direction"`
	Transfers   int64   `json:"transfers"`
	TotalAmount float64 `json:"total_amount"`
	LastSeen    string  `json:"last_seen,omitempty"`
}

type counterpartiesResponse struct {
	Username string                     `json:"username"`
	Links    []counterpartyLinkResponse `json:"links"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
