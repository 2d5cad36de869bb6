package logger

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const RequestIDFieldKey = "req-id"

// GlobalLogger is returned by FromContext when the context carries no logger.
var GlobalLogger = log.With().Str(RequestIDFieldKey, "global").Logger()

// RequestScopedContext attaches a logger tagged with reqID to ctx.
// A server-generated id is prefixed with "_".
func RequestScopedContext(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = "_" + uuid.NewString()
	}
	l := log.With().Str(RequestIDFieldKey, reqID).Logger()
	return l.WithContext(ctx)
}

// FromContext returns the request logger or GlobalLogger.
func FromContext(ctx context.Context) *zerolog.Logger {
	l := log.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &GlobalLogger
	}
	return l
}

// Middleware scopes a logger to each request using the chi request id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := RequestScopedContext(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog writes one line per request with status, size and duration.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			FromContext(r.Context()).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
