package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachPairSetsBothCookies(t *testing.T) {
	carrier := NewCarrier(15*time.Minute, 24*time.Hour)
	pair := testPair(t, "alice")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	carrier.AttachPair(w, r, pair)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)

	byName := cookiesByName(cookies)
	access := byName[AccessCookieName]
	require.NotNil(t, access)
	assert.False(t, access.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, access.SameSite)
	assert.Equal(t, "/", access.Path)
	assert.Equal(t, int((15 * time.Minute).Seconds()), access.MaxAge)

	refresh := byName[RefreshCookieName]
	require.NotNil(t, refresh)
	assert.True(t, refresh.HttpOnly)
	assert.Equal(t, int((24 * time.Hour).Seconds()), refresh.MaxAge)
}

func TestCookieSecureFromForwardedProto(t *testing.T) {
	carrier := NewCarrier(time.Minute, time.Hour)

	tests := []struct {
		name   string
		proto  string
		secure bool
	}{
		{"no header plain connection", "", false},
		{"https", "https", true},
		{"http", "http", false},
		{"first value wins", "https, http", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			if tt.proto != "" {
				r.Header.Set("X-Forwarded-Proto", tt.proto)
			}

			carrier.AttachPair(w, r, testPair(t, "alice"))
			for _, c := range w.Result().Cookies() {
				assert.Equal(t, tt.secure, c.Secure)
			}
		})
	}
}

func TestClearPairExpiresBothCookies(t *testing.T) {
	carrier := NewCarrier(time.Minute, time.Hour)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	carrier.ClearPair(w, r)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		assert.Negative(t, c.MaxAge)
		assert.Empty(t, c.Value)
	}
}

func TestExtractRefreshHeaderFallback(t *testing.T) {
	carrier := NewCarrier(time.Minute, time.Hour)

	r := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	_, ok := carrier.ExtractRefresh(r)
	assert.False(t, ok)

	r.Header.Set(RefreshTokenHeader, "from-header")
	value, ok := carrier.ExtractRefresh(r)
	require.True(t, ok)
	assert.Equal(t, "from-header", value)

	// The cookie takes precedence over the header.
	r.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: "from-cookie"})
	value, ok = carrier.ExtractRefresh(r)
	require.True(t, ok)
	assert.Equal(t, "from-cookie", value)
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	seen = w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, seen)

	// A client-provided ID is preserved.
	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "client-id-1")
	handler.ServeHTTP(w, r)
	assert.Equal(t, "client-id-1", w.Header().Get(RequestIDHeader))
}

func TestAPIKeyMissingVersusWrong(t *testing.T) {
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), APIKey("right-key"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/janitor/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/internal/janitor/sweep", nil)
	r.Header.Set(APIKeyHeader, "wrong-key")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/internal/janitor/sweep", nil)
	r.Header.Set(APIKeyHeader, "right-key")
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStripSensitiveHeaders(t *testing.T) {
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "internal-build")
		w.Header().Set("X-Powered-By", "magic")
		w.Header().Set(RefreshTokenHeader, "leaked")
		w.Header().Set("X-Harmless", "kept")
		w.WriteHeader(http.StatusOK)
	}), StripSensitiveHeaders())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Empty(t, w.Header().Get("Server"))
	assert.Empty(t, w.Header().Get("X-Powered-By"))
	assert.Empty(t, w.Header().Get(RefreshTokenHeader))
	assert.Equal(t, "kept", w.Header().Get("X-Harmless"))
}

func cookiesByName(cookies []*http.Cookie) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c
	}
	return out
}
