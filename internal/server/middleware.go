package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vanshika/guardpay/backend/internal/auth"
	"github.com/vanshika/guardpay/backend/internal/idempotency"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	headerAdminKey       = "X-Admin-Key"

	maxBodyBytes = 1 << 20
)

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func corsMiddleware(allowedOrigins []string, allowCredentials bool) func(http.Handler) http.Handler {
	normalized := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		normalized[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || (!containsOrigin(normalized, origin) && !containsOrigin(normalized, "*")) {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if allowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerIdempotencyKey+", "+headerAdminKey)
			w.Header().Set("Access-Control-Expose-Headers", headerReplayed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func containsOrigin(set map[string]struct{}, origin string) bool {
	_, ok := set[origin]
	return ok
}

// principalMiddleware resolves the caller from a bearer token and/or the admin key.
// Requests presenting neither run as the anonymous principal.
func principalMiddleware(tokens *auth.TokenIssuer, adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p auth.Principal

			if header := r.Header.Get("Authorization"); header != "" {
				raw, ok := strings.CutPrefix(header, "Bearer ")
				if !ok || tokens == nil {
					writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "unsupported authorization scheme")
					return
				}
				parsed, err := tokens.Parse(strings.TrimSpace(raw))
				if err != nil {
					writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid or expired token")
					return
				}
				p = parsed
			}

			if key := r.Header.Get(headerAdminKey); key != "" {
				if adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
					writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid admin key")
					return
				}
				p.Admin = true
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.FromContext(r.Context())
		switch {
		case p.Admin:
			next.ServeHTTP(w, r)
		case p.Anonymous():
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "admin credentials required")
		default:
			writeError(w, http.StatusForbidden, "UNAUTHORIZED", "admin access required")
		}
	})
}

// idempotencyMiddleware records the first non-error response for each idempotency key and
// replays it for retries. Requests without a key pass straight through.
func idempotencyMiddleware(logger *slog.Logger, layer *idempotency.Layer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := requestIdempotencyKey(r, body)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			p, _ := auth.FromContext(r.Context())
			fingerprint := idempotency.Fingerprint(
				[]byte(r.Method),
				[]byte(r.URL.Path),
				[]byte(r.URL.RawQuery),
				[]byte(p.Username),
				body,
			)

			resp, replayed, err := layer.Do(r.Context(), key, fingerprint, func(ctx context.Context) (idempotency.Response, error) {
				buf := &bufferedWriter{header: make(http.Header)}
				req := r.WithContext(ctx)
				req.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(buf, req)
				return buf.response(), nil
			})
			switch {
			case errors.Is(err, idempotency.ErrKeyReused):
				writeError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", err.Error())
				return
			case errors.Is(err, idempotency.ErrInFlight):
				writeError(w, http.StatusConflict, "REQUEST_IN_PROGRESS", err.Error())
				return
			case err != nil:
				logger.Error("idempotency layer failed", "key", key, "path", r.URL.Path, "error", err)
				writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "request could not be processed, retry later")
				return
			}

			if replayed {
				w.Header().Set(headerReplayed, "true")
			}
			if resp.ContentType != "" {
				w.Header().Set("Content-Type", resp.ContentType)
			}
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(resp.Body)
		})
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.New("could not read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

// requestIdempotencyKey prefers the body's idempotency_key over the header.
func requestIdempotencyKey(r *http.Request, body []byte) string {
	if len(body) > 0 {
		var envelope struct {
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil {
			if key := strings.TrimSpace(envelope.IdempotencyKey); key != "" {
				return key
			}
		}
	}
	return strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
}

// bufferedWriter captures a handler's response so it can be stored before it is sent.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) response() idempotency.Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return idempotency.Response{
		StatusCode:  status,
		ContentType: b.header.Get("Content-Type"),
		Body:        b.body.Bytes(),
	}
}
