// Package middleware provides HTTP middleware for the lab API:
// JWT authentication, structured request logging and rate limiting.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/logger"
	"github.com/go-chi/chi/v5/middleware"
)

// LoggingMiddleware provides structured JSON logging for HTTP requests
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware instance
func NewLoggingMiddleware(log *slog.Logger) *LoggingMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingMiddleware{
		logger: log,
	}
}

// Handler returns an HTTP middleware that logs requests in structured
// JSON format with a correlation ID for request tracing
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Request ID set by chi's middleware.RequestID
		requestID := middleware.GetReqID(r.Context())

		ctx := logger.SetCorrelationID(r.Context(), requestID)
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("correlation_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("query", r.URL.RawQuery),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", duration),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("user_agent", r.UserAgent()),
			slog.String("protocol", r.Proto),
		}

		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			attrs = append(attrs, slog.String("x_forwarded_for", xff))
		}

		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			attrs = append(attrs, slog.String("real_ip", realIP))
		}

		logAttrs := make([]any, len(attrs))
		for i, attr := range attrs {
			logAttrs[i] = attr
		}

		switch {
		case ww.Status() >= 500:
			m.logger.Error("HTTP request completed with server error", logAttrs...)
		case ww.Status() >= 400:
			m.logger.Warn("HTTP request completed with client error", logAttrs...)
		default:
			m.logger.Info("HTTP request completed", logAttrs...)
		}
	})
}

// StructuredLogger returns a chi-compatible logger that uses slog
func StructuredLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return NewLoggingMiddleware(log).Handler
}
