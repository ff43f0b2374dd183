package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const apiKeyHeader = "X-API-Key"

// withAPIKey rejects requests without a configured key. A missing key is 401,
// an unknown one 403. No keys configured means the API is open.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	if len(s.apiKeys) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing API key"})
			return
		}
		if !s.knownKey([]byte(key)) {
			s.metrics.authRejected.Inc()
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) knownKey(key []byte) bool {
	match := 0
	for _, candidate := range s.apiKeys {
		match |= subtle.ConstantTimeCompare(candidate, key)
	}
	return match == 1
}
