package server

import (
	"crypto/sha256"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const wwwAuthInvalid = `Bearer error="invalid_token"`

// Middleware returns HTTP middleware that checks the bearer token against
// a bcrypt hash. Requests without a valid token get a 401. An empty hash
// rejects every request.
func Middleware(tokenHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	v := &tokenVerifier{hash: []byte(tokenHash)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if !v.valid(strings.TrimPrefix(authHeader, "Bearer ")) {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// tokenVerifier remembers the digest of the last accepted token so
// bcrypt only runs once per distinct token.
type tokenVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	ok       bool
}

func (v *tokenVerifier) valid(token string) bool {
	if len(v.hash) == 0 || token == "" {
		return false
	}

	digest := sha256.Sum256([]byte(token))

	v.mu.Lock()
	cached := v.ok && digest == v.accepted
	v.mu.Unlock()

	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(token)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest
	v.ok = true
	v.mu.Unlock()

	return true
}
