package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avauth/tokengate/internal/auth"
	"github.com/avauth/tokengate/internal/janitor"
	"github.com/avauth/tokengate/internal/observability"
	"github.com/avauth/tokengate/internal/resilience"
)

// Handlers exposes the auth endpoints and the internal admin surface.
type Handlers struct {
	service  *auth.Service
	carrier  *Carrier
	janitor  *janitor.Janitor
	registry *resilience.Registry
	logger   observability.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(
	service *auth.Service,
	carrier *Carrier,
	jan *janitor.Janitor,
	registry *resilience.Registry,
	logger observability.Logger,
) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		service:  service,
		carrier:  carrier,
		janitor:  jan,
		registry: registry,
		logger:   logger,
	}
}

// Router builds the route table. Internal endpoints are wrapped with the
// API-key middleware by the caller.
func (h *Handlers) Router(apiKey string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("GET /auth/whoami", h.WhoAmI)

	internal := APIKey(apiKey)
	mux.Handle("POST /internal/janitor/sweep", internal(http.HandlerFunc(h.SweepJanitor)))
	mux.Handle("POST /internal/breaker/reset", internal(http.HandlerFunc(h.ResetBreaker)))

	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Login authenticates and sets both token cookies.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	pair, err := h.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	h.carrier.AttachPair(w, r, pair)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.Access.Token,
		ExpiresAt:   pair.Access.ExpiresAt.Unix(),
	})
}

// Refresh rotates the presented refresh token and rewrites both cookies.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshValue, ok := h.carrier.ExtractRefresh(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := h.service.Rotate(r.Context(), refreshValue)
	if err != nil {
		h.carrier.ClearPair(w, r)
		h.writeAuthError(w, r, err)
		return
	}

	h.carrier.AttachPair(w, r, pair)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: pair.Access.Token,
		ExpiresAt:   pair.Access.ExpiresAt.Unix(),
	})
}

// Logout revokes the access token. Both cookies are cleared whatever the
// revocation outcome: the client's session ends either way.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	// Set-Cookie headers must land before the status is written.
	h.carrier.ClearPair(w, r)

	accessValue, ok := h.carrier.Extract(r, AccessCookieName)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.service.Revoke(r.Context(), accessValue); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.WithContext(r.Context()).Error("revocation failed",
			observability.Error(err),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type whoAmIResponse struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// WhoAmI validates the access token and returns its identity. An
// optional ?role= query parameter additionally requires role membership.
func (h *Handlers) WhoAmI(w http.ResponseWriter, r *http.Request) {
	accessValue, ok := h.carrier.Extract(r, AccessCookieName)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	claims, err := h.service.Authorize(r.Context(), accessValue, r.URL.Query().Get("role"))
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, whoAmIResponse{
		Subject: claims.Subject,
		Roles:   claims.Roles,
	})
}

type sweepResponse struct {
	Deleted int64 `json:"deleted"`
}

// SweepJanitor runs one awaitable janitor sweep.
func (h *Handlers) SweepJanitor(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.janitor.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Deleted: deleted})
}

type breakerResetRequest struct {
	Name string `json:"name"`
}

// ResetBreaker swaps in a fresh closed breaker for the named dependency.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "breaker name required")
		return
	}

	h.registry.Reset(req.Name)
	h.logger.WithContext(r.Context()).Info("breaker reset requested",
		observability.String("name", req.Name),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeAuthError maps domain errors to HTTP statuses. Credential errors
// stay generic so responses never reveal whether a username exists.
func (h *Handlers) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusUnauthorized, "too many failed login attempts")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, auth.ErrServiceUnavailable):
		h.logger.WithContext(r.Context()).Error("request failed upstream",
			observability.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "try again later")
	default:
		h.logger.WithContext(r.Context()).Error("unhandled error",
			observability.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
