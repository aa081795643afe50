// Package webhook guards the origin endpoint that receives bot updates.
// The edge policy already filters by source address and header; the origin
// repeats the header check against the hash held in the secret vault.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/miniapp-gate/internal/crypto"
)

const (
	DefaultHeader     = "x-telegram-bot-api-secret-token"
	DefaultMaxPayload = 8 << 10
)

// HashSource yields the expected SHA-256 hex of the header token.
type HashSource interface {
	WebhookHash(ctx context.Context) (string, error)
}

// UpdateHandler consumes a verified update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update json.RawMessage) error
}

// UpdateHandlerFunc adapts a function to UpdateHandler.
type UpdateHandlerFunc func(ctx context.Context, update json.RawMessage) error

func (f UpdateHandlerFunc) HandleUpdate(ctx context.Context, update json.RawMessage) error {
	return f(ctx, update)
}

// Options tune the guard.
type Options struct {
	Header     string
	MaxPayload int64
}

// Guard is an http.Handler for the webhook endpoint.
type Guard struct {
	hashes  HashSource
	next    UpdateHandler
	header  string
	maxBody int64
	log     *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(hashes HashSource, next UpdateHandler, opts Options, log *zap.Logger) *Guard {
	if opts.Header == "" {
		opts.Header = DefaultHeader
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{hashes: hashes, next: next, header: opts.Header, maxBody: opts.MaxPayload, log: log}
}

// Verify reports whether token hashes to the expected value.
func (g *Guard) Verify(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	want, err := g.hashes.WebhookHash(ctx)
	if err != nil {
		g.log.Error("webhook hash unavailable", zap.Error(err))
		return false
	}
	if want == "" {
		return false
	}
	return crypto.EqualFold(crypto.SHA256Hex(token), want)
}

func (g *Guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength > g.maxBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !g.Verify(r.Context(), r.Header.Get(g.header)) {
		g.log.Warn("webhook rejected", zap.String("remote", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := g.next.HandleUpdate(r.Context(), body); err != nil {
		g.log.Error("update handler failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
