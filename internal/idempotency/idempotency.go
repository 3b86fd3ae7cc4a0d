package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrKeyReused is returned when a key is replayed with a different request.
	ErrKeyReused = errors.New("idempotency key was already used for a different request")
	// ErrInFlight is returned when the original request did not finish within the wait budget.
	ErrInFlight = errors.New("a request with this idempotency key is still in progress")
)

// Status of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Response is the replayable outcome of a request.
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Record is what the store keeps per key.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Response    Response  `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists idempotency records.
type Store interface {
	// Reserve claims key as pending. When the key already exists the stored
	// record is returned with reserved=false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (rec Record, reserved bool, err error)
	Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (rec Record, found bool, err error)
}

// Config bounds how long results are kept and how long duplicates wait.
type Config struct {
	TTL          time.Duration
	PendingTTL   time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// DefaultConfig keeps results for a day and lets duplicates wait five seconds.
func DefaultConfig() Config {
	return Config{
		TTL:          24 * time.Hour,
		PendingTTL:   30 * time.Second,
		WaitTimeout:  5 * time.Second,
		PollInterval: 25 * time.Millisecond,
	}
}

// Layer executes a handler at most once per key.
type Layer struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewLayer constructs a Layer, filling zero config values with defaults.
func NewLayer(store Store, cfg Config, logger *slog.Logger) *Layer {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{store: store, cfg: cfg, logger: logger.With("component", "idempotency")}
}

// Fingerprint hashes the parts that identify a request.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do runs fn once for key and replays its response afterwards. Only 2xx and
// 3xx responses are stored; 4xx, 5xx and returned errors release the key so
// the client can fix the request or retry.
func (l *Layer) Do(ctx context.Context, key, fingerprint string, fn func(ctx context.Context) (Response, error)) (Response, bool, error) {
	deadline := time.Now().Add(l.cfg.WaitTimeout)
	for {
		rec, reserved, err := l.store.Reserve(ctx, key, fingerprint, l.cfg.PendingTTL)
		if err != nil {
			return Response{}, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if reserved {
			resp, err := l.run(ctx, key, fn)
			return resp, false, err
		}
		if rec.Fingerprint != fingerprint {
			return Response{}, false, ErrKeyReused
		}
		if rec.Status == StatusCompleted {
			return rec.Response, true, nil
		}

		rec, found, err := l.wait(ctx, key, deadline)
		if err != nil {
			return Response{}, false, err
		}
		if found && rec.Status == StatusCompleted {
			if rec.Fingerprint != fingerprint {
				return Response{}, false, ErrKeyReused
			}
			return rec.Response, true, nil
		}
		// The first attempt gave the key back; try to claim it.
	}
}

func (l *Layer) run(ctx context.Context, key string, fn func(ctx context.Context) (Response, error)) (Response, error) {
	resp, err := fn(ctx)
	if err != nil || resp.StatusCode >= 400 {
		// Use a detached context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if relErr := l.store.Release(releaseCtx, key); relErr != nil {
			l.logger.Warn("release idempotency key failed", "key", key, "error", relErr)
		}
		return resp, err
	}

	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := l.store.Complete(completeCtx, key, resp, l.cfg.TTL); err != nil {
		l.logger.Error("store idempotent response failed", "key", key, "error", err)
	}
	return resp, nil
}

// wait polls until the key completes, disappears or the deadline passes.
func (l *Layer) wait(ctx context.Context, key string, deadline time.Time) (Record, bool, error) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if !time.Now().Before(deadline) {
			return Record{}, false, ErrInFlight
		}
		select {
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		case <-ticker.C:
		}
		rec, found, err := l.store.Get(ctx, key)
		if err != nil {
			return Record{}, false, fmt.Errorf("poll idempotency key: %w", err)
		}
		if !found || rec.Status == StatusCompleted {
			return rec, found, nil
		}
	}
}
