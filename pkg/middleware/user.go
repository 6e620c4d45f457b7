package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserContextKey contextKey = "user_id"
	UserHeader                = "X-User-ID"
)

// UserMiddleware injects the submitting user from the X-User-ID header.
// Identity is established by the authentication layer in front of the API;
// this only carries it to the handlers.
func UserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the user ID from request context
func GetUserID(r *http.Request) string {
	if userID, ok := r.Context().Value(UserContextKey).(string); ok {
		return userID
	}
	return ""
}

// RequireUser rejects requests that carry no user identity
func RequireUser(next http.Handler) http.Handler {
	return UserMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserID(r) == "" {
			http.Error(w, "X-User-ID header required", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
