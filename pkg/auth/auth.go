package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredential = errors.New("invalid credential")

// HashCredential hashes a node credential for storage
func HashCredential(credential string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(hash), nil
}

// CheckCredential validates a presented credential against its stored hash
func CheckCredential(hash, credential string) error {
	if hash == "" || credential == "" {
		return ErrInvalidCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)); err != nil {
		return ErrInvalidCredential
	}
	return nil
}

// GenerateCredential returns a random URL-safe secret
func GenerateCredential() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// APIKeys is a fixed set of bearer keys accepted by the master API
type APIKeys struct {
	keys []string
}

// NewAPIKeys creates a key set; empty entries are ignored
func NewAPIKeys(keys ...string) *APIKeys {
	s := &APIKeys{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, k)
		}
	}
	return s
}

// Enabled reports whether any key is configured
func (s *APIKeys) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Validate checks a key against every configured key in constant time
func (s *APIKeys) Validate(key string) bool {
	ok := false
	for _, k := range s.keys {
		if SecureCompare(k, key) {
			ok = true
		}
	}
	return ok
}

// BearerToken extracts the token from an Authorization header. Browsers cannot set
// headers on websocket upgrades, so an access_token query parameter is accepted too.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// Middleware rejects requests without a valid bearer key.
// Paths in skip are served without authentication.
func (s *APIKeys) Middleware(skip ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			for _, p := range skip {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if !s.Validate(BearerToken(r)) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
