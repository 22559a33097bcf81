/**
 * @description
 * Authentication middleware for the escrow engine API.
 *
 * Two callers reach this service: the marketplace backend, which presents a shared
 * internal API key, and the mobile money providers, whose webhook relay signs each
 * callback with an HS256 JWT.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: webhook token verification.
 */
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// WebhookProviderContextKey holds the provider named in a verified webhook token.
const WebhookProviderContextKey = contextKey("webhookProvider")

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key disables the check, which is only meant for local development.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WebhookAuthMiddleware verifies the bearer token attached to provider callbacks.
// Tokens must be HS256-signed with secret and carry an expiry. When the token has a
// "provider" claim it is placed in the request context so the handler can match it
// against the route.
func WebhookAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "Webhooks are not configured", http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			},
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			if provider, ok := claims["provider"].(string); ok && provider != "" {
				ctx = context.WithValue(ctx, WebhookProviderContextKey, provider)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WebhookProviderFromContext returns the provider claim of a verified webhook token.
func WebhookProviderFromContext(ctx context.Context) (string, bool) {
	provider, ok := ctx.Value(WebhookProviderContextKey).(string)
	return provider, ok
}
