package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vanshika/guardpay/backend/internal/domain"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindInsufficientFunds, domain.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindInvalidState, domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps typed failures to their status and hides everything else
// behind a generic 500, logging the cause.
func writeDomainError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, op string, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		writeError(w, statusForKind(derr.Kind), derr.Reason, derr.Message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		logger.Warn(op+" timed out", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "request timed out, retry later")
		return
	}
	logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
