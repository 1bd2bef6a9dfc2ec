package api

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"qsldigest/internal/types"
)

// Recoverer converts a handler panic into a 500 error envelope and logs the
// stack. http.ErrAbortHandler is re-raised so net/http can drop the
// connection.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.logger.ErrorContext(r.Context(), "panic in handler",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", types.GetRequestID(r.Context()),
				"panic", fmt.Sprint(rvr),
				"stack", string(debug.Stack()),
			)
			Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware takes X-Request-Id from the request, or mints a UUID,
// and carries it in the context and on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
	})
}

// RequireBearerToken admits requests whose Authorization header carries the
// configured bearer token. An unset token refuses everything.
func (s *Server) RequireBearerToken(next http.Handler) http.Handler {
	want := []byte(s.apiToken.Unmask())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, got, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if len(want) == 0 || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			s.logger.WarnContext(r.Context(), "rejected unauthenticated request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", types.GetRequestID(r.Context()),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="qsldigest"`)
			Error(w, r, types.NewAppError(types.ErrCodeUnauthorizedToken, "a valid bearer token is required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders are set on every response. The API serves JSON only.
var securityHeaders = []func(http.Handler) http.Handler{
	middleware.SetHeader("X-Content-Type-Options", "nosniff"),
	middleware.SetHeader("X-Frame-Options", "DENY"),
	middleware.SetHeader("Cache-Control", "no-store"),
}

// levelFor picks the log level for a finished request.
func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger logs one line per request with its status and duration.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Log(r.Context(), levelFor(status), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", types.GetRequestID(r.Context()),
			)
		})
	}
}
