package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/blacklist"
	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/escrow"
	"github.com/vanshika/guardpay/backend/internal/ghostcard"
	"github.com/vanshika/guardpay/backend/internal/ledger"
	"github.com/vanshika/guardpay/backend/internal/risk"
	"github.com/vanshika/guardpay/backend/internal/service"
)

// DefaultPenaltyPoints is the Aura deducted by the admin penalize endpoint.
const DefaultPenaltyPoints = 10

// Services are the core components the API exposes.
type Services struct {
	Ledger    *ledger.Ledger
	Risk      *risk.Engine
	Escrow    *escrow.Service
	Cards     *ghostcard.Vault
	Blacklist *blacklist.Registry
	Stats     *service.StatsService
	// Tokens is optional; without it login returns no token.
	Tokens *auth.TokenIssuer
}

// HandlerOptions tune request authorisation.
type HandlerOptions struct {
	// AllowUsernameParam lets anonymous callers act as the username they name.
	AllowUsernameParam bool
	PenaltyPoints      float64
}

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger *slog.Logger
	svc    Services
	opts   HandlerOptions
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, svc Services, opts HandlerOptions) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PenaltyPoints <= 0 {
		opts.PenaltyPoints = DefaultPenaltyPoints
	}
	return &APIHandlers{
		logger: logger.With("component", "api"),
		svc:    svc,
		opts:   opts,
	}
}

// actorFor returns the caller if it may act for handle. Anonymous callers are
// trusted as handle only when AllowUsernameParam is set.
func (h *APIHandlers) actorFor(r *http.Request, handle string) (auth.Principal, error) {
	p, _ := auth.FromContext(r.Context())
	if !p.Anonymous() {
		if handle != "" && !p.CanActFor(handle) {
			return p, domain.Unauthorized("not allowed to act for %q", handle)
		}
		return p, nil
	}
	if h.opts.AllowUsernameParam && handle != "" {
		return auth.Principal{Username: handle}, nil
	}
	return p, domain.Unauthenticated("authentication required")
}

func (h *APIHandlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	writeDomainError(h.logger, w, r, op, err)
}

func (h *APIHandlers) signup(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err.Error())
		return
	}

	account, err := h.svc.Ledger.Signup(r.Context(), payload.Username, payload.Password)
	if err != nil {
		h.fail(w, r, "signup", err)
		return
	}

	respondJSON(w, http.StatusCreated, signupResponse{
		Status:   "CREATED",
		Username: account.Handle,
		Balance:  account.Balance.InexactFloat64(),
		Message:  fmt.Sprintf("User %s created successfully!", account.Handle),
	})
}

func (h *APIHandlers) login(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err.Error())
		return
	}

	account, err := h.svc.Ledger.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}

	resp := loginResponse{
		Status:    "Login Successful",
		Username:  account.Handle,
		AuraScore: account.Aura,
	}
	if h.svc.Tokens != nil {
		token, exp, err := h.svc.Tokens.Issue(auth.Principal{Username: account.Handle})
		if err != nil {
			h.fail(w, r, "issue token", err)
			return
		}
		resp.Token = token
		resp.ExpiresAt = formatTime(exp)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) profile(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if _, err := h.actorFor(r, username); err != nil {
		h.fail(w, r, "profile", err)
		return
	}

	ctx := r.Context()
	account, err := h.svc.Ledger.Account(ctx, username)
	if err != nil {
		h.fail(w, r, "profile", err)
		return
	}
	cards, err := h.svc.Cards.ListByOwner(ctx, username)
	if err != nil {
		h.fail(w, r, "profile cards", err)
		return
	}
	incoming, err := h.svc.Escrow.ListIncoming(ctx, username)
	if err != nil {
		h.fail(w, r, "profile incoming escrows", err)
		return
	}
	outgoing, err := h.svc.Escrow.ListSent(ctx, username)
	if err != nil {
		h.fail(w, r, "profile outgoing escrows", err)
		return
	}

	respondJSON(w, http.StatusOK, profileResponse{
		Username: account.Handle,
		Balance:  account.Balance.InexactFloat64(),
		TrustRating: trustRating{
			AuraScore:     account.Aura,
			WarningCount:  account.WarningCount,
			Status:        account.TrustStatus(),
			BonusProgress: fmt.Sprintf("%d/%d", account.SafeStreak, h.svc.Risk.Config().StreakLength),
		},
		AccountSummary: accountSummary{
			TotalGhostCards:        len(cards),
			IncomingEscrowPayments: len(incoming),
			OutgoingEscrowPayments: len(outgoing),
		},
	})
}

func (h *APIHandlers) safeTransfer(w http.ResponseWriter, r *http.Request) {
	var payload transferRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err.Error())
		return
	}
	sender := strings.TrimSpace(payload.SenderUsername)
	if _, err := h.actorFor(r, sender); err != nil {
		h.fail(w, r, "safe transfer", err)
		return
	}
	result, err := h.svc.Risk.Evaluate(r.Context(), domain.TransferRequest{
		IdempotencyKey: payload.key(r),
		Sender:         sender,
		Recipient:      payload.RecipientUPI,
		Amount:         payload.Amount,
	})
	if err != nil {
		h.fail(w, r, "safe transfer", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransferResponse(result))
}

func (h *APIHandlers) transactionHistory(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if _, err := h.actorFor(r, username); err != nil {
		h.fail(w, r, "transaction history", err)
		return
	}

	query := r.URL.Query()
	page := parseInt(query.Get("page"), 1)
	pageSize := parseInt(query.Get("pageSize"), 20)

	history, err := h.svc.Ledger.History(r.Context(), username, page, pageSize)
	if err != nil {
		h.fail(w, r, "transaction history", err)
		return
	}

	resp := historyResponse{
		Username:     username,
		Transactions: make([]transactionResponse, 0, len(history.Items)),
		Pagination: paginationResponse{
			Page:       history.Pagination.Page,
			PageSize:   history.Pagination.PageSize,
			TotalItems: history.Pagination.TotalItems,
			TotalPages: history.Pagination.TotalPages,
		},
	}
	for _, item := range history.Items {
		resp.Transactions = append(resp.Transactions, newTransactionResponse(item.Transaction, item.Direction))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) createEscrow(w http.ResponseWriter, r *http.Request) {
	var payload escrowRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err.Error())
		return
	}
	sender := strings.TrimSpace(payload.SenderID)
	if _, err := h.actorFor(r, sender); err != nil {
		h.fail(w, r, "create escrow", err)
		return
	}

	created, err := h.svc.Escrow.Create(r.Context(), payload.key(r), sender, strings.TrimSpace(payload.ReceiverID), payload.Amount)
	if err != nil {
		h.fail(w, r, "create escrow", err)
		return
	}
	respondJSON(w, http.StatusOK, escrowActionResponse{
		Status:   "ESCROW_LOCKED",
		EscrowID: created.ID,
		Escrow:   newEscrowResponse(created),
	})
}

func (h *APIHandlers) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	escrowID := strings.TrimSpace(query.Get("escrow_id"))
	if escrowID == "" {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), "escrow_id is required")
		return
	}
	actor, err := h.actorFor(r, strings.TrimSpace(query.Get("username")))
	if err != nil {
		h.fail(w, r, "release escrow", err)
		return
	}

	released, err := h.svc.Escrow.Release(r.Context(), escrowID, actor)
	if err != nil {
		h.fail(w, r, "release escrow", err)
		return
	}

	resp := escrowActionResponse{
		Status:   "SUCCESS",
		EscrowID: released.ID,
		Message:  fmt.Sprintf("Payment released to %s. Sender Aura boosted!", released.Receiver),
		Escrow:   newEscrowResponse(released),
	}
	// The release is committed; a failed read only drops the score from the reply.
	if sender, err := h.svc.Ledger.Account(r.Context(), released.Sender); err == nil {
		resp.NewAuraScore = &sender.Aura
	} else {
		h.logger.Warn("load sender after release", "escrow_id", released.ID, "error", err)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) refundEscrow(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	escrowID := strings.TrimSpace(query.Get("escrow_id"))
	if escrowID == "" {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), "escrow_id is required")
		return
	}
	requester := strings.TrimSpace(query.Get("username"))
	actor, err := h.actorFor(r, requester)
	if err != nil {
		h.fail(w, r, "refund escrow", err)
		return
	}
	if requester == "" {
		requester = actor.Username
	}

	refunded, err := h.svc.Escrow.Refund(r.Context(), escrowID, requester)
	if err != nil {
		h.fail(w, r, "refund escrow", err)
		return
	}
	respondJSON(w, http.StatusOK, escrowActionResponse{
		Status:    "SUCCESS",
		EscrowID:  refunded.ID,
		Message:   fmt.Sprintf("%s has been refunded to %s.", amountMessage(refunded.Amount), refunded.Sender),
		NewStatus: string(refunded.Status),
		Escrow:    newEscrowResponse(refunded),
	})
}

func (h *APIHandlers) sentEscrows(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if _, err := h.actorFor(r, username); err != nil {
		h.fail(w, r, "sent escrows", err)
		return
	}
	escrows, err := h.svc.Escrow.ListSent(r.Context(), username)
	if err != nil {
		h.fail(w, r, "sent escrows", err)
		return
	}
	respondJSON(w, http.StatusOK, sentEscrowsResponse{
		Username:              username,
		TotalOutgoingPayments: len(escrows),
		Escrows:               newEscrowResponses(escrows),
	})
}

func (h *APIHandlers) incomingEscrows(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if _, err := h.actorFor(r, username); err != nil {
		h.fail(w, r, "incoming escrows", err)
		return
	}
	escrows, err := h.svc.Escrow.ListIncoming(r.Context(), username)
	if err != nil {
		h.fail(w, r, "incoming escrows", err)
		return
	}
	respondJSON(w, http.StatusOK, incomingEscrowsResponse{
		Username:           username,
		TotalPendingIncome: len(escrows),
		Escrows:            newEscrowResponses(escrows),
	})
}

// checkIncomingEscrow lets a seller confirm funds are held before shipping.
func (h *APIHandlers) checkIncomingEscrow(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if p.Anonymous() && !h.opts.AllowUsernameParam {
		writeError(w, http.StatusUnauthorized, string(domain.KindUnauthenticated), "authentication required")
		return
	}

	found, err := h.svc.Escrow.Get(r.Context(), strings.TrimSpace(chi.URLParam(r, "escrowID")))
	if err != nil {
		h.fail(w, r, "check escrow", err)
		return
	}
	if !p.Anonymous() && !p.Admin && !p.Is(found.Sender) && !p.Is(found.Receiver) {
		writeError(w, http.StatusForbidden, string(domain.KindUnauthorized), "not a participant of this escrow")
		return
	}

	respondJSON(w, http.StatusOK, escrowCheckResponse{
		EscrowID:    found.ID,
		ReceiverID:  found.Receiver,
		Amount:      found.Amount.InexactFloat64(),
		Status:      string(found.Status),
		CanShipItem: found.Status == domain.EscrowLocked,
	})
}

func (h *APIHandlers) generateGhostCard(w http.ResponseWriter, r *http.Request) {
	var payload cardRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err.Error())
		return
	}
	owner := strings.TrimSpace(payload.Username)
	if _, err := h.actorFor(r, owner); err != nil {
		h.fail(w, r, "generate card", err)
		return
	}

	card, err := h.svc.Cards.Issue(r.Context(), payload.key(r), owner, payload.Label, payload.AmountLimit)
	if err != nil {
		h.fail(w, r, "generate card", err)
		return
	}
	respondJSON(w, http.StatusCreated, cardCreatedResponse{
		Status: "CREATED",
		Owner:  card.Owner,
		Card:   newCardResponse(card, true),
	})
}

// simulateMerchantPayment is the merchant side of a card charge; it carries no
// account identity.
func (h *APIHandlers) simulateMerchantPayment(w http.ResponseWriter, r *http.Request) {
	var payload chargeRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), err.Error())
		return
	}

	result, err := h.svc.Cards.Charge(r.Context(), strings.TrimSpace(payload.CardID), payload.Amount, payload.Merchant)
	if err != nil {
		h.fail(w, r, "merchant payment", err)
		return
	}

	resp := chargeResponse{
		Status:     string(result.Status),
		Reason:     result.Reason,
		CardID:     result.Card.ID,
		CardStatus: string(result.Card.Status),
	}
	if result.Status == domain.ChargeSuccess {
		resp.Message = "Payment done and card destroyed."
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) myCards(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if _, err := h.actorFor(r, username); err != nil {
		h.fail(w, r, "list cards", err)
		return
	}
	cards, err := h.svc.Cards.ListByOwner(r.Context(), username)
	if err != nil {
		h.fail(w, r, "list cards", err)
		return
	}
	resp := cardsResponse{
		Username:   username,
		TotalCards: len(cards),
		Cards:      make([]cardResponse, 0, len(cards)),
	}
	for _, card := range cards {
		resp.Cards = append(resp.Cards, newCardResponse(card, false))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) globalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats.GlobalStats(r.Context())
	if err != nil {
		h.fail(w, r, "global stats", err)
		return
	}
	respondJSON(w, http.StatusOK, globalStatsResponse{
		Metrics: metricsResponse{
			TotalRegisteredUsers:     stats.Users,
			FraudAttemptsBlocked:     stats.BlockedAttempts,
			TotalSafeVolumeProcessed: stats.ApprovedVolume.InexactFloat64(),
			SystemTrustAverage:       stats.AverageAura,
			ActiveBlacklistEntries:   stats.BlacklistEntries,
			ActiveGhostCards:         stats.ActiveCards,
			DestroyedGhostCards:      stats.DestroyedCards,
			TotalLockedEscrows:       stats.LockedEscrows,
		},
		Status: "All Systems Operational",
	})
}

func (h *APIHandlers) blockIdentifier(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	identifier := strings.TrimSpace(query.Get("upi_id"))
	if identifier == "" {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidRequest), "upi_id is required")
		return
	}

	entry, created, err := h.svc.Blacklist.Block(r.Context(), identifier, query.Get("reason"))
	if err != nil {
		h.fail(w, r, "block identifier", err)
		return
	}
	resp := blockResponse{Status: "BLACKLISTED", ID: entry.Identifier, Reason: entry.Reason}
	if !created {
		resp.Message = "ID already in blacklist"
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) listBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Blacklist.List(r.Context())
	if err != nil {
		h.fail(w, r, "list blacklist", err)
		return
	}
	resp := blacklistResponse{Total: len(entries), Entries: make([]blacklistEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, blacklistEntryResponse{
			ID:        e.Identifier,
			Reason:    e.Reason,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) penalizeUser(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	account, err := h.svc.Ledger.Penalize(r.Context(), username, h.opts.PenaltyPoints)
	if err != nil {
		h.fail(w, r, "penalize user", err)
		return
	}
	respondJSON(w, http.StatusOK, penalizeResponse{
		Message:      fmt.Sprintf("User %s penalized.", account.Handle),
		NewAuraScore: account.Aura,
		WarningCount: account.WarningCount,
	})
}

func (h *APIHandlers) counterparties(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	view, err := h.svc.Stats.Counterparties(r.Context(), username)
	if err != nil {
		h.fail(w, r, "counterparties", err)
		return
	}
	resp := counterpartiesResponse{Username: view.Handle, Links: make([]counterpartyLinkResponse, 0, len(view.Links))}
	for _, link := range view.Links {
		resp.Links = append(resp.Links, counterpartyLinkResponse{
			Handle:      link.Handle,
			Direction:   string(link.Direction),
			Transfers:   link.Transfers,
			TotalAmount: link.TotalAmount,
			LastSeen:    formatTimePtr(link.LastSeen),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return fallback
}

func amountMessage(amount decimal.Decimal) string {
	return "₹" + amount.String()
}
