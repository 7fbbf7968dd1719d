package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// requestIDContextKey is the type for the request ID context key.
type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// callerContextKey is the type for the authenticated caller context key.
type callerContextKey struct{}

// CallerKey is the context key for the account an admin key authenticated as.
var CallerKey = callerContextKey{}

// AdminKey binds one argon2id key hash to the account it administers.
type AdminKey struct {
	Account string
	Hash    string
}

// RequestIDMiddleware extracts or generates a request ID and sets it on
// the response for correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// AdminAuthMiddleware authenticates the bearer token against the
// configured admin keys and stores the matching account in the context.
// Requests without a valid key are rejected with 401. Hash comparison is
// argon2id, so a configured key never appears in cleartext server-side.
func AdminAuthMiddleware(keys []AdminKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")

			for _, key := range keys {
				match, err := argon2id.ComparePasswordAndHash(token, key.Hash)
				if err != nil {
					logger.Error("malformed admin key hash", "account", key.Account, "error", err)
					continue
				}
				if match {
					ctx := context.WithValue(r.Context(), CallerKey, key.Account)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			writeError(w, http.StatusUnauthorized, "invalid admin key")
		})
	}
}

// CallerFromContext retrieves the authenticated admin account from context.
func CallerFromContext(ctx context.Context) string {
	if account, ok := ctx.Value(CallerKey).(string); ok {
		return account
	}
	return ""
}
