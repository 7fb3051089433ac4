package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/avauth/tokengate/internal/auth"
	"github.com/avauth/tokengate/internal/observability"
	"github.com/avauth/tokengate/internal/token"
)

// DefaultRefreshThreshold triggers transparent rotation when less than
// this much of the access token's lifetime remains.
const DefaultRefreshThreshold = 5 * time.Minute

type guardMarker struct{}

// RefreshGuard transparently rotates the token pair when the access
// token is close to expiry, so clients keep a valid session without ever
// calling /auth/refresh themselves.
type RefreshGuard struct {
	service   *auth.Service
	parser    *token.Parser
	carrier   *Carrier
	threshold time.Duration
	logger    observability.Logger
	now       func() time.Time
}

// NewRefreshGuard creates a RefreshGuard. A non-positive threshold falls
// back to DefaultRefreshThreshold.
func NewRefreshGuard(
	service *auth.Service,
	parser *token.Parser,
	carrier *Carrier,
	threshold time.Duration,
	logger observability.Logger,
) *RefreshGuard {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &RefreshGuard{
		service:   service,
		parser:    parser,
		carrier:   carrier,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Middleware returns the guard as middleware. It runs at most once per
// request, before authorization.
func (g *RefreshGuard) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Context().Value(guardMarker{}) != nil {
				next.ServeHTTP(w, r)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), guardMarker{}, struct{}{}))

			accessValue, ok := g.carrier.Extract(r, AccessCookieName)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !g.needsRefresh(accessValue) {
				next.ServeHTTP(w, r)
				return
			}

			refreshValue, ok := g.carrier.ExtractRefresh(r)
			if !ok {
				// Nothing to rotate with; the token may still be valid.
				next.ServeHTTP(w, r)
				return
			}

			pair, err := g.service.Rotate(r.Context(), refreshValue)
			if err != nil {
				// Half-refreshed state is worse than a forced re-login:
				// drop both cookies and reject.
				g.carrier.ClearPair(w, r)
				if errors.Is(err, auth.ErrServiceUnavailable) {
					writeError(w, http.StatusServiceUnavailable, "try again later")
					return
				}
				g.logger.WithContext(r.Context()).Warn("transparent refresh failed",
					observability.Error(err),
				)
				writeError(w, http.StatusUnauthorized, "session expired")
				return
			}

			g.carrier.AttachPair(w, r, pair)
			rewriteRequestCookies(r, pair)

			next.ServeHTTP(w, r)
		})
	}
}

// needsRefresh reports whether the token's remaining lifetime is below
// the threshold. The claims are decoded unverified: the guard only reads
// exp, and the rotation itself is what grants anything.
func (g *RefreshGuard) needsRefresh(accessValue string) bool {
	claims, err := g.parser.ParseUnverified(accessValue)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Sub(g.now()) < g.threshold
}

// rewriteRequestCookies swaps the token cookies on the inbound request
// so downstream authorization sees the rotated pair, not the one the
// client sent.
func rewriteRequestCookies(r *http.Request, pair token.Pair) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		switch c.Name {
		case AccessCookieName:
			c.Value = pair.Access.Token
		case RefreshCookieName:
			c.Value = pair.Refresh.Token
		}
		r.AddCookie(c)
	}
}
