package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/blacklist"
	"github.com/vanshika/guardpay/backend/internal/domain"
	"github.com/vanshika/guardpay/backend/internal/escrow"
	"github.com/vanshika/guardpay/backend/internal/ghostcard"
	"github.com/vanshika/guardpay/backend/internal/idempotency"
	"github.com/vanshika/guardpay/backend/internal/ledger"
	"github.com/vanshika/guardpay/backend/internal/risk"
	"github.com/vanshika/guardpay/backend/internal/service"
	"github.com/vanshika/guardpay/backend/internal/store"
)

const testAdminKey = "admin-secret"

type testAPI struct {
	t       *testing.T
	handler http.Handler
	tokens  *auth.TokenIssuer
}

func newTestAPI(t *testing.T, opts HandlerOptions) *testAPI {
	t.Helper()
	return newTestAPIOn(t, store.NewMemoryStore(), opts)
}

// newTestAPIOn builds a router with its own idempotency cache over st.
func newTestAPIOn(t *testing.T, st store.Store, opts HandlerOptions) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tokens, err := auth.NewTokenIssuer("test-secret", "guardpay-test", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	registry := blacklist.NewRegistry(st, logger)
	svc := Services{
		Ledger:    ledger.New(st, auth.NewBcryptHasher(bcrypt.MinCost), ledger.DefaultConfig(), logger),
		Risk:      risk.NewEngine(st, registry, risk.NewStoreVelocity(st, time.Minute), risk.NewStoreCounterparties(st), risk.DefaultConfig(), logger),
		Escrow:    escrow.NewService(st, escrow.DefaultConfig(), logger),
		Cards:     ghostcard.NewVault(st, logger),
		Blacklist: registry,
		Stats:     service.NewStatsService(st, nil, logger),
		Tokens:    tokens,
	}

	router := NewRouter(logger, RouterDependencies{
		Health:      NewCompositeHealth(StorageCheck(st)),
		API:         NewAPIHandlers(logger, svc, opts),
		Tokens:      tokens,
		Idempotency: idempotency.NewLayer(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), logger),
		AdminAPIKey: testAdminKey,
	})
	return &testAPI{t: t, handler: router, tokens: tokens}
}

func (a *testAPI) do(method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) signup(username string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/signup", map[string]string{"username": username, "password": "secret1"}, nil)
	if rec.Code != http.StatusCreated {
		a.t.Fatalf("signup %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

var adminHeaders = map[string]string{headerAdminKey: testAdminKey}

func TestSignupLoginAndProfile(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{})
	api.signup("alice")

	dup := api.do(http.MethodPost, "/signup", map[string]string{"username": "alice", "password": "secret1"}, nil)
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate signup, got %d", dup.Code)
	}

	bad := api.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "wrong"}, nil)
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", bad.Code)
	}

	login := api.do(http.MethodPost, "/login", map[string]string{"username": "alice", "password": "secret1"}, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", login.Code, login.Body.String())
	}
	session := decode[loginResponse](t, login)
	if session.Token == "" || session.AuraScore != domain.InitialAura {
		t.Fatalf("unexpected login response %+v", session)
	}

	anon := api.do(http.MethodGet, "/user/profile/alice", nil, nil)
	if anon.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", anon.Code)
	}

	rec := api.do(http.MethodGet, "/user/profile/alice", nil, map[string]string{"Authorization": "Bearer " + session.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: status %d body %s", rec.Code, rec.Body.String())
	}
	profile := decode[profileResponse](t, rec)
	if profile.Balance != 10000 || profile.TrustRating.Status != "Elite" || profile.TrustRating.BonusProgress != "0/10" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	api.signup("mallory")
	other := api.do(http.MethodGet, "/user/profile/mallory", nil, map[string]string{"Authorization": "Bearer " + session.Token})
	if other.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's profile, got %d", other.Code)
	}
}

func TestSafeTransferIsIdempotent(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{AllowUsernameParam: true})
	api.signup("alice")
	api.signup("bob")

	body := map[string]any{
		"sender_username": "alice",
		"recipient_upi":   "bob",
		"amount":          250,
		"idempotency_key": "tx-001",
	}
	first := api.do(http.MethodPost, "/safe-transfer", body, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("transfer: status %d body %s", first.Code, first.Body.String())
	}
	result := decode[transferResponse](t, first)
	if result.Status != string(domain.OutcomeApproved) || result.TransactionID == "" {
		t.Fatalf("unexpected transfer result %+v", result)
	}
	if !strings.Contains(result.Message, "sent safely") {
		t.Fatalf("unexpected message %q", result.Message)
	}

	second := api.do(http.MethodPost, "/safe-transfer", body, nil)
	if second.Code != http.StatusOK || second.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replayed response, got %d headers %v", second.Code, second.Header())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	body["amount"] = 999
	reused := api.do(http.MethodPost, "/safe-transfer", body, nil)
	if reused.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", reused.Code)
	}

	rec := api.do(http.MethodGet, "/user/profile/bob", nil, nil)
	profile := decode[profileResponse](t, rec)
	if profile.Balance != 10250 {
		t.Fatalf("expected a single credit, bob has %v", profile.Balance)
	}

	history := api.do(http.MethodGet, "/transaction-history/alice?page=1&pageSize=10", nil, nil)
	page := decode[historyResponse](t, history)
	if page.Pagination.TotalItems != 1 || page.Transactions[0].Direction != string(domain.DirectionSent) {
		t.Fatalf("unexpected history %+v", page)
	}
}

func TestSafeTransferHeaderKeyAndValidation(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{AllowUsernameParam: true})
	api.signup("alice")

	missing := api.do(http.MethodPost, "/safe-transfer", map[string]any{
		"sender_username": "alice", "recipient_upi": "shop@upi", "amount": 10,
	}, nil)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without an idempotency key, got %d", missing.Code)
	}

	rec := api.do(http.MethodPost, "/safe-transfer", map[string]any{
		"sender_username": "alice", "recipient_upi": "shop@upi", "amount": 10,
	}, map[string]string{headerIdempotencyKey: "hdr-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("header key transfer: status %d body %s", rec.Code, rec.Body.String())
	}

	broke := api.do(http.MethodPost, "/safe-transfer", map[string]any{
		"sender_username": "alice", "recipient_upi": "shop@upi", "amount": 20000, "idempotency_key": "big-1",
	}, nil)
	if broke.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for insufficient funds, got %d", broke.Code)
	}
	failure := decode[errorResponse](t, broke)
	if failure.Reason != string(domain.KindInsufficientFunds) {
		t.Fatalf("unexpected error body %+v", failure)
	}

	// A rejected request frees its key for a corrected retry.
	fixed := api.do(http.MethodPost, "/safe-transfer", map[string]any{
		"sender_username": "alice", "recipient_upi": "shop@upi", "amount": 20, "idempotency_key": "big-1",
	}, nil)
	if fixed.Code != http.StatusOK || fixed.Header().Get(headerReplayed) != "" {
		t.Fatalf("expected a fresh run after the 422, got %d headers %v body %s", fixed.Code, fixed.Header(), fixed.Body.String())
	}
	if result := decode[transferResponse](t, fixed); result.Status != string(domain.OutcomeApproved) {
		t.Fatalf("unexpected retry result %+v", result)
	}
}

func TestBlacklistedRecipientIsDenied(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{AllowUsernameParam: true})
	api.signup("alice")

	block := api.do(http.MethodPost, "/admin/block-id?upi_id=Scam@UPI&reason=reported", nil, adminHeaders)
	if block.Code != http.StatusOK {
		t.Fatalf("block: status %d body %s", block.Code, block.Body.String())
	}
	again := decode[blockResponse](t, api.do(http.MethodPost, "/admin/block-id?upi_id=scam@upi", nil, adminHeaders))
	if again.Message != "ID already in blacklist" {
		t.Fatalf("expected duplicate notice, got %+v", again)
	}

	rec := api.do(http.MethodPost, "/safe-transfer", map[string]any{
		"sender_username": "alice", "recipient_upi": "scam@upi", "amount": 10, "idempotency_key": "bl-1",
	}, nil)
	result := decode[transferResponse](t, rec)
	if result.Status != string(domain.OutcomeDenied) || result.RiskScore != 100 {
		t.Fatalf("expected forced denial, got %+v", result)
	}
	if len(result.RiskFactors) != 1 || result.RiskFactors[0] != domain.FactorBlacklisted {
		t.Fatalf("unexpected factors %v", result.RiskFactors)
	}

	stats := decode[globalStatsResponse](t, api.do(http.MethodGet, "/admin/global-stats", nil, adminHeaders))
	if stats.Metrics.FraudAttemptsBlocked != 1 || stats.Metrics.ActiveBlacklistEntries != 1 {
		t.Fatalf("unexpected metrics %+v", stats.Metrics)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{})
	api.signup("alice")

	if rec := api.do(http.MethodGet, "/admin/global-stats", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
	if rec := api.do(http.MethodGet, "/admin/global-stats", nil, map[string]string{headerAdminKey: "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong key, got %d", rec.Code)
	}
	token, _, err := api.tokens.Issue(auth.Principal{Username: "alice"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if rec := api.do(http.MethodGet, "/admin/global-stats", nil, map[string]string{"Authorization": "Bearer " + token}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a regular user, got %d", rec.Code)
	}

	rec := api.do(http.MethodPost, "/admin/penalize-user/alice", nil, adminHeaders)
	if rec.Code != http.StatusOK {
		t.Fatalf("penalize: status %d body %s", rec.Code, rec.Body.String())
	}
	penalty := decode[penalizeResponse](t, rec)
	if penalty.NewAuraScore != domain.InitialAura-DefaultPenaltyPoints || penalty.WarningCount != 1 {
		t.Fatalf("unexpected penalty %+v", penalty)
	}

	if rec := api.do(http.MethodGet, "/admin/counterparties/ghost", nil, adminHeaders); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{AllowUsernameParam: true})
	api.signup("alice")
	api.signup("bob")

	rec := api.do(http.MethodPost, "/create-escrow-payment", map[string]any{
		"sender_id": "alice", "receiver_id": "bob", "amount": 400,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create escrow: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decode[escrowActionResponse](t, rec)
	if created.Status != "ESCROW_LOCKED" || created.Escrow.Status != string(domain.EscrowLocked) {
		t.Fatalf("unexpected escrow %+v", created)
	}

	check := decode[escrowCheckResponse](t, api.do(http.MethodGet, "/check-incoming-escrow/"+created.EscrowID, nil, nil))
	if !check.CanShipItem || check.ReceiverID != "bob" {
		t.Fatalf("unexpected check %+v", check)
	}

	if rec := api.do(http.MethodPost, "/release-escrow?escrow_id="+created.EscrowID+"&username=alice", nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected sender release to be forbidden, got %d", rec.Code)
	}
	if rec := api.do(http.MethodPost, "/request-escrow-refund?escrow_id="+created.EscrowID+"&username=bob", nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected receiver refund to be forbidden, got %d", rec.Code)
	}

	rec = api.do(http.MethodPost, "/release-escrow?escrow_id="+created.EscrowID+"&username=bob", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: status %d body %s", rec.Code, rec.Body.String())
	}
	released := decode[escrowActionResponse](t, rec)
	if released.Escrow.Status != string(domain.EscrowReleased) || released.NewAuraScore == nil {
		t.Fatalf("unexpected release %+v", released)
	}

	rec = api.do(http.MethodPost, "/request-escrow-refund?escrow_id="+created.EscrowID+"&username=alice", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 refunding a released escrow, got %d", rec.Code)
	}

	incoming := decode[incomingEscrowsResponse](t, api.do(http.MethodGet, "/my-incoming-escrows/bob", nil, nil))
	if incoming.TotalPendingIncome != 1 {
		t.Fatalf("unexpected incoming list %+v", incoming)
	}
	sent := decode[sentEscrowsResponse](t, api.do(http.MethodGet, "/my-sent-escrows/alice", nil, nil))
	if sent.TotalOutgoingPayments != 1 || sent.Escrows[0].EscrowID != created.EscrowID {
		t.Fatalf("unexpected sent list %+v", sent)
	}
}

func TestEscrowKeySurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	before := newTestAPIOn(t, st, HandlerOptions{AllowUsernameParam: true})
	before.signup("alice")
	before.signup("bob")

	body := map[string]any{"sender_id": "alice", "receiver_id": "bob", "amount": 400}
	key := map[string]string{headerIdempotencyKey: "esc-1"}
	rec := before.do(http.MethodPost, "/create-escrow-payment", body, key)
	if rec.Code != http.StatusOK {
		t.Fatalf("create escrow: status %d body %s", rec.Code, rec.Body.String())
	}
	first := decode[escrowActionResponse](t, rec)

	// A fresh router has an empty response cache, so only the ledger can dedupe.
	after := newTestAPIOn(t, st, HandlerOptions{AllowUsernameParam: true})
	rec = after.do(http.MethodPost, "/create-escrow-payment", body, key)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: status %d body %s", rec.Code, rec.Body.String())
	}
	if second := decode[escrowActionResponse](t, rec); second.EscrowID != first.EscrowID {
		t.Fatalf("retry created a second escrow: %s vs %s", second.EscrowID, first.EscrowID)
	}

	profile := decode[profileResponse](t, after.do(http.MethodGet, "/user/profile/alice", nil, nil))
	if profile.Balance != 9600 {
		t.Fatalf("expected funds locked once, alice has %v", profile.Balance)
	}

	tiny := after.do(http.MethodPost, "/create-escrow-payment", map[string]any{
		"sender_id": "alice", "receiver_id": "bob", "amount": 10.005,
	}, nil)
	if tiny.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a sub-cent amount, got %d", tiny.Code)
	}
}

func TestGhostCardOverHTTP(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{AllowUsernameParam: true})
	api.signup("alice")

	rec := api.do(http.MethodPost, "/generate-ghost-card", map[string]any{
		"username": "alice", "label": "Netflix", "amount_limit": 500,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate: status %d body %s", rec.Code, rec.Body.String())
	}
	issued := decode[cardCreatedResponse](t, rec)
	if len(issued.Card.CardNumber) != 16 || issued.Card.CVV == "" {
		t.Fatalf("issuance should reveal the card, got %+v", issued.Card)
	}

	over := decode[chargeResponse](t, api.do(http.MethodPost, "/simulate-merchant-payment", map[string]any{
		"card_id": issued.Card.CardID, "amount": 600,
	}, nil))
	if over.Status != string(domain.ChargeDeclined) || over.Reason != domain.DeclineLimitExceeded {
		t.Fatalf("expected limit decline, got %+v", over)
	}

	ok := decode[chargeResponse](t, api.do(http.MethodPost, "/simulate-merchant-payment", map[string]any{
		"card_id": issued.Card.CardID, "amount": 300, "merchant": "netflix",
	}, nil))
	if ok.Status != string(domain.ChargeSuccess) || ok.CardStatus != string(domain.CardDestroyed) {
		t.Fatalf("expected success, got %+v", ok)
	}

	cards := decode[cardsResponse](t, api.do(http.MethodGet, "/my-cards/alice", nil, nil))
	if cards.TotalCards != 1 || cards.Cards[0].CVV != "" || !strings.HasPrefix(cards.Cards[0].CardNumber, "************") {
		t.Fatalf("listed cards must be masked, got %+v", cards)
	}

	if rec := api.do(http.MethodPost, "/simulate-merchant-payment", map[string]any{"card_id": "ghost_missing", "amount": 1}, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown card, got %d", rec.Code)
	}
}

func TestHealthzReportsChecks(t *testing.T) {
	api := newTestAPI(t, HandlerOptions{})
	rec := api.do(http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decode[map[string]any](t, rec)
	checks, _ := payload["checks"].(map[string]any)
	if checks["storage"] != "ok" {
		t.Fatalf("unexpected health payload %v", payload)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[domain.Kind]int{
		domain.KindNotFound:          http.StatusNotFound,
		domain.KindInvalidRequest:    http.StatusBadRequest,
		domain.KindInsufficientFunds: http.StatusUnprocessableEntity,
		domain.KindLimitExceeded:     http.StatusUnprocessableEntity,
		domain.KindUnauthorized:      http.StatusForbidden,
		domain.KindUnauthenticated:   http.StatusUnauthorized,
		domain.KindInvalidState:      http.StatusConflict,
		domain.KindConflict:          http.StatusConflict,
		"":                           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}
