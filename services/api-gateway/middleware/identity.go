package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Identity headers set by the upstream auth layer. They are trusted as is.
const (
	HeaderUserID      = "X-User-ID"
	HeaderAnonymousID = "X-Anonymous-ID"

	anonymousPrefix = "anon:"
)

// Partition returns the caller's quota and ownership partition: the user id,
// or the anonymous id prefixed with "anon:". A user id carrying that prefix is
// not an identity, so the two namespaces never collide. It is empty when the
// request carries no usable header.
func Partition(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
		if strings.HasPrefix(id, anonymousPrefix) {
			return ""
		}
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(HeaderAnonymousID)); id != "" {
		return anonymousPrefix + id
	}
	return ""
}

// RequireIdentity rejects requests without a caller identity with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Partition(r) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "caller identity required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
