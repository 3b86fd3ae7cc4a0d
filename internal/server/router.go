package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/idempotency"
)

// RouterDependencies collects handler dependencies.
type RouterDependencies struct {
	Health      HealthService
	API         *APIHandlers
	Tokens      *auth.TokenIssuer
	Idempotency *idempotency.Layer
	// AdminAPIKey grants admin rights through the X-Admin-Key header. Empty disables it.
	AdminAPIKey      string
	AllowedOrigins   []string
	AllowCredentials bool
}

// NewRouter wires the HTTP routes exposed by the GuardPay API.
func NewRouter(logger *slog.Logger, deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	if len(deps.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(deps.AllowedOrigins, deps.AllowCredentials))
	}
	r.Use(loggingMiddleware(logger))
	r.Use(principalMiddleware(deps.Tokens, deps.AdminAPIKey))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"system": "Guard Pay Layered Security Active"})
	})
	r.Get("/healthz", healthHandler(logger, deps.Health))

	api := deps.API
	if api == nil {
		return r
	}

	r.Group(func(r chi.Router) {
		if deps.Idempotency != nil {
			r.Use(idempotencyMiddleware(logger, deps.Idempotency))
		}

		r.Post("/signup", api.signup)
		r.Post("/login", api.login)
		r.Post("/safe-transfer", api.safeTransfer)
		r.Post("/create-escrow-payment", api.createEscrow)
		r.Post("/release-escrow", api.releaseEscrow)
		r.Post("/request-escrow-refund", api.refundEscrow)
		r.Post("/generate-ghost-card", api.generateGhostCard)
		r.Post("/simulate-merchant-payment", api.simulateMerchantPayment)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/global-stats", api.globalStats)
			r.Post("/block-id", api.blockIdentifier)
			r.Get("/blacklist", api.listBlacklist)
			r.Post("/penalize-user/{username}", api.penalizeUser)
			r.Get("/counterparties/{username}", api.counterparties)
		})
	})

	r.Get("/user/profile/{username}", api.profile)
	r.Get("/transaction-history/{username}", api.transactionHistory)
	r.Get("/my-history/{username}", api.transactionHistory)
	r.Get("/my-sent-escrows/{username}", api.sentEscrows)
	r.Get("/my-incoming-escrows/{username}", api.incomingEscrows)
	r.Get("/check-incoming-escrow/{escrowID}", api.checkIncomingEscrow)
	r.Get("/my-cards/{username}", api.myCards)

	return r
}

func healthHandler(logger *slog.Logger, health HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		payload := map[string]any{
			"status": "ok",
		}
		if health == nil {
			respondJSON(w, status, payload)
			return
		}

		var err error
		if reporter, ok := health.(HealthReporter); ok {
			var checks map[string]string
			checks, err = reporter.Report(ctx)
			payload["checks"] = checks
		} else {
			err = health.Probe(ctx)
		}
		if err != nil {
			logger.Error("health probe failed", "error", err)
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["error"] = err.Error()
		}
		respondJSON(w, status, payload)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}
