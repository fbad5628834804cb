package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/bookenrich/logger"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// ClientContextKey is the context key for the authenticated client claims
	ClientContextKey contextKey = "auth_client"
)

// Middleware provides HTTP authentication middleware
type Middleware struct {
	tokens *TokenManager
	logger *zap.SugaredLogger
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(tokens *TokenManager, logger *zap.SugaredLogger) *Middleware {
	return &Middleware{tokens: tokens, logger: logger}
}

// RequireAuth rejects requests without a valid bearer credential and stores
// the client claims on the request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeUnauthorized(w, ErrMissingToken.Error())
			return
		}

		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			m.logger.Debugw("Token validation failed", "path", r.URL.Path, "error", err)
			writeUnauthorized(w, ErrInvalidToken.Error())
			return
		}

		ctx := context.WithValue(r.Context(), ClientContextKey, claims)
		ctx = logger.WithClientID(ctx, claims.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken extracts the bearer token from the request.
// Checks the Authorization header first, then the token query param (browser WebSockets).
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
		return strings.TrimSpace(header)
	}
	return r.URL.Query().Get("token")
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="bookenrich"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ClientFromContext extracts authenticated client claims from request context
func ClientFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ClientContextKey).(*Claims)
	return claims
}

// ClientID returns the authenticated client ID, or "" when none is set
func ClientID(ctx context.Context) string {
	if c := ClientFromContext(ctx); c != nil {
		return c.ClientID
	}
	return ""
}
