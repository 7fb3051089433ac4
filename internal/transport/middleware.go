package transport

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/avauth/tokengate/internal/observability"
)

// RequestIDHeader is the header name for request ID.
const RequestIDHeader = "X-Request-Id"

// APIKeyHeader authenticates internal admin endpoints.
const APIKeyHeader = "X-API-Key"

// sensitiveHeaders never appear on responses.
var sensitiveHeaders = []string{
	RefreshTokenHeader,
	"Authorization",
	"Server",
	"X-Powered-By",
}

// RequestID returns a middleware that tags each request with an ID,
// generating one when the client did not send one. The ID is echoed on
// the response and stored in context for log correlation.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKey returns a middleware guarding internal endpoints: a missing key
// is unauthenticated (401), a wrong one is forbidden (403). The compare
// is constant-time.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeError(w, http.StatusForbidden, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StripSensitiveHeaders returns a middleware that removes credential and
// fingerprint headers from responses before they are written.
func StripSensitiveHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&headerStrippingWriter{ResponseWriter: w}, r)
		})
	}
}

// headerStrippingWriter removes sensitive headers just before the header
// block is flushed.
type headerStrippingWriter struct {
	http.ResponseWriter
	headerWritten bool
}

func (w *headerStrippingWriter) WriteHeader(code int) {
	if !w.headerWritten {
		for _, name := range sensitiveHeaders {
			w.Header().Del(name)
		}
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerStrippingWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Logging returns a middleware that logs each request with its status
// and duration.
func Logging(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.WithContext(r.Context()).Info("request completed",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rw.status),
				observability.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusCapturingWriter records the response status for logging.
type statusCapturingWriter struct {
	http.ResponseWriter
	status        int
	headerWritten bool
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	if !w.headerWritten {
		w.status = code
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.headerWritten = true
	}
	return w.ResponseWriter.Write(b)
}

// Chain applies middlewares to a handler, first middleware outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
