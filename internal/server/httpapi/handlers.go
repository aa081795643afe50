// Package httpapi serves the mini app and webhook HTTP surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/miniapp-gate/internal/cookie"
	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/service"
)

const maxLoginBody = 16 << 10

// ViewerIPHeader is set by the edge with the original client address.
const ViewerIPHeader = "X-Viewer-Address"

// Handler holds the HTTP endpoints.
type Handler struct {
	auth    service.AuthService
	cookies cookie.Options
	webhook http.Handler
	log     *zap.Logger
}

// New constructs the handler set. webhook may be nil when the bot endpoint
// is served elsewhere.
func New(auth service.AuthService, cookies cookie.Options, webhook http.Handler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{auth: auth, cookies: cookies, webhook: webhook, log: log}
}

// Router returns the routed handler with middleware applied.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(RequestID, Recover(h.log), Logging(h.log))

	r.HandleFunc("/ok", h.Health).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/session", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/session", h.Current).Methods(http.MethodGet)
	r.HandleFunc("/session", h.Logout).Methods(http.MethodDelete)
	if h.webhook != nil {
		r.Handle("/bot", h.webhook)
	}
	return r
}

// Health handles GET /ok.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login handles POST /session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.AuthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AuthData == "" || req.ExpectedUser == 0 {
		h.sendError(w, "authData and expectedUser are required", http.StatusBadRequest)
		return
	}

	sess, iss, err := h.auth.Login(r.Context(), req, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrUnauthorized):
			h.sendError(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, errs.ErrRateLimited):
			h.sendError(w, "too many attempts", http.StatusTooManyRequests)
		default:
			h.log.Error("login failed", zap.Error(err), zap.String("request_id", RequestIDFromCtx(r.Context())))
			h.sendError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	http.SetCookie(w, toHTTPCookie(iss))
	h.writeJSON(w, http.StatusOK, sess)
}

// Current handles GET /session.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(h.cookies.Name)
	if err != nil {
		h.sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess, err := h.auth.Authenticate(r.Context(), c.Value)
	if err != nil {
		h.sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// Logout handles DELETE /session.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, toHTTPCookie(h.auth.Logout()))
	w.WriteHeader(http.StatusNoContent)
}

func toHTTPCookie(iss cookie.Issued) *http.Cookie {
	maxAge := int(iss.MaxAge.Seconds())
	if iss.MaxAge < 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     iss.Name,
		Value:    iss.Value,
		Path:     iss.Path,
		Domain:   iss.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// clientIP prefers the edge-supplied viewer address over the socket peer.
func clientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(ViewerIPHeader)); v != "" {
		if host, _, err := net.SplitHostPort(v); err == nil {
			return host
		}
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) sendError(w http.ResponseWriter, msg string, code int) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
