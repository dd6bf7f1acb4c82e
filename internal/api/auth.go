package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// APIKeyHeader is checked when no bearer token is present.
const APIKeyHeader = "X-API-Key"

// ErrUnauthorized is returned for requests without a valid API key.
var ErrUnauthorized = errors.New("missing or invalid api key")

// requestToken extracts the caller's token from the Authorization bearer
// header or the X-API-Key header.
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	return r.Header.Get(APIKeyHeader)
}

// digest hashes a token so that comparisons run in constant time regardless
// of token length.
func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// APIKeyMiddleware rejects requests that do not carry one of keys. With no
// keys configured every request is let through.
func APIKeyMiddleware(keys []string, logger *logrus.Logger) func(http.Handler) http.Handler {
	digests := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			digests = append(digests, digest(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(digests) == 0 {
			return next
		}
		h := &Handler{logger: logger}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := requestToken(r)
			if token != "" {
				got := digest(token)
				for _, d := range digests {
					if hmac.Equal(got, d) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			h.writeError(w, r, http.StatusUnauthorized, "unauthorized", ErrUnauthorized)
		})
	}
}
