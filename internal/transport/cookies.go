// Package transport carries tokens between the gateway and clients:
// cookie handling, the HTTP middleware chain, the transparent refresh
// guard, and the auth endpoints.
package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/avauth/tokengate/internal/token"
)

// Cookie names for the token pair.
const (
	AccessCookieName  = "access-token"
	RefreshCookieName = "refresh-token"
)

// RefreshTokenHeader carries the refresh token on gateway-internal hops
// where cookies are not forwarded.
const RefreshTokenHeader = "X-Refresh-Token"

// CookieSpec describes one token cookie.
type CookieSpec struct {
	Name     string
	Path     string
	HTTPOnly bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// AccessCookieSpec returns the access-token cookie spec. The access
// cookie is readable by scripts so single-page clients can inspect
// expiry.
func AccessCookieSpec(ttl time.Duration) CookieSpec {
	return CookieSpec{
		Name:     AccessCookieName,
		Path:     "/",
		HTTPOnly: false,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   ttl,
	}
}

// RefreshCookieSpec returns the refresh-token cookie spec. The refresh
// cookie never leaves the cookie jar.
func RefreshCookieSpec(ttl time.Duration) CookieSpec {
	return CookieSpec{
		Name:     RefreshCookieName,
		Path:     "/",
		HTTPOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   ttl,
	}
}

// Carrier reads and writes token cookies.
type Carrier struct {
	access  CookieSpec
	refresh CookieSpec
}

// NewCarrier creates a Carrier with the given token lifetimes.
func NewCarrier(accessTTL, refreshTTL time.Duration) *Carrier {
	return &Carrier{
		access:  AccessCookieSpec(accessTTL),
		refresh: RefreshCookieSpec(refreshTTL),
	}
}

// Extract returns the named cookie's value.
func (c *Carrier) Extract(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// ExtractRefresh returns the refresh token from the cookie, falling back
// to the X-Refresh-Token header for gateway-internal hops.
func (c *Carrier) ExtractRefresh(r *http.Request) (string, bool) {
	if value, ok := c.Extract(r, RefreshCookieName); ok {
		return value, true
	}
	if value := r.Header.Get(RefreshTokenHeader); value != "" {
		return value, true
	}
	return "", false
}

// Attach sets a cookie per the spec.
func (c *Carrier) Attach(w http.ResponseWriter, r *http.Request, spec CookieSpec, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     spec.Name,
		Value:    value,
		Path:     spec.Path,
		HttpOnly: spec.HTTPOnly,
		SameSite: spec.SameSite,
		Secure:   requestIsSecure(r),
		MaxAge:   int(spec.MaxAge.Seconds()),
	})
}

// Clear expires the cookie immediately.
func (c *Carrier) Clear(w http.ResponseWriter, r *http.Request, spec CookieSpec) {
	http.SetCookie(w, &http.Cookie{
		Name:     spec.Name,
		Value:    "",
		Path:     spec.Path,
		HttpOnly: spec.HTTPOnly,
		SameSite: spec.SameSite,
		Secure:   requestIsSecure(r),
		MaxAge:   -1,
	})
}

// AttachPair sets both token cookies. The pair is always written
// together so clients never hold a half-refreshed state.
func (c *Carrier) AttachPair(w http.ResponseWriter, r *http.Request, pair token.Pair) {
	c.Attach(w, r, c.access, pair.Access.Token)
	c.Attach(w, r, c.refresh, pair.Refresh.Token)
}

// ClearPair expires both token cookies.
func (c *Carrier) ClearPair(w http.ResponseWriter, r *http.Request) {
	c.Clear(w, r, c.access)
	c.Clear(w, r, c.refresh)
}

// requestIsSecure reports whether the original client connection used
// TLS. Behind a proxy the first X-Forwarded-Proto value is
// authoritative; otherwise the local connection decides.
func requestIsSecure(r *http.Request) bool {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		first, _, _ := strings.Cut(proto, ",")
		return strings.TrimSpace(first) == "https"
	}
	return r.TLS != nil
}
