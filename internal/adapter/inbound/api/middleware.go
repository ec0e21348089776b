package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/omniflow/previewd/internal/config"
	"github.com/omniflow/previewd/internal/domain/signature"
)

// Auth error codes returned in the 401 envelope.
const (
	CodeMissingHeaders   = "AUTH_MISSING_HEADERS"
	CodeInvalidKey       = "AUTH_INVALID_KEY"
	CodeInvalidTimestamp = "AUTH_INVALID_TIMESTAMP"
	CodeTimestampExpired = "AUTH_TIMESTAMP_EXPIRED"
	CodeInvalidSignature = "AUTH_INVALID_SIGNATURE"
)

type bodyContextKey struct{}

// requestBody returns the raw request body. The auth middleware consumes
// the stream to verify the signature and stashes the bytes in context;
// unauthenticated (dev mode) requests fall back to reading the stream.
func requestBody(r *http.Request) ([]byte, error) {
	if body, ok := r.Context().Value(bodyContextKey{}).([]byte); ok {
		return body, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// RequestIDMiddleware assigns each request an id, echoed in the
// X-Request-ID response header for correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware enforces the shared-secret signing scheme on the
// control plane. With no credentials configured it passes everything
// through (development mode).
func AuthMiddleware(cfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled() {
		logger.Warn("API credentials not configured, control plane is unauthenticated")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			tsHeader := r.Header.Get("X-Timestamp")
			sig := r.Header.Get("X-Signature")
			if apiKey == "" || tsHeader == "" || sig == "" {
				writeErrCode(w, http.StatusUnauthorized, "Missing authentication headers", CodeMissingHeaders)
				return
			}

			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.APIKey)) != 1 {
				writeErrCode(w, http.StatusUnauthorized, "Invalid API key", CodeInvalidKey)
				return
			}

			ts, err := strconv.ParseInt(tsHeader, 10, 64)
			if err != nil {
				writeErrCode(w, http.StatusUnauthorized, "Invalid timestamp", CodeInvalidTimestamp)
				return
			}
			if !signature.TimestampFresh(ts, cfg.TimestampTolerance) {
				writeErrCode(w, http.StatusUnauthorized, "Timestamp expired", CodeTimestampExpired)
				return
			}

			body, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				writeErr(w, http.StatusBadRequest, "Failed to read request body")
				return
			}
			if !signature.Verify(sig, r.Method, r.URL.Path, body, ts, cfg.APISecret) {
				writeErrCode(w, http.StatusUnauthorized, "Invalid signature", CodeInvalidSignature)
				return
			}

			// The stream is spent; hand the verified bytes downstream.
			ctx := context.WithValue(r.Context(), bodyContextKey{}, body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
