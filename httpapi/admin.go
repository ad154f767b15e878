package httpapi

import (
	"net/http"
	"strings"
)

// adminGuard gates admin endpoints on a static bearer token loaded from
// the environment at startup. An empty token disables the surface
// entirely (503), per spec.md §4.8.
type adminGuard struct {
	token string
}

func (g *adminGuard) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.token == "" {
			writeError(w, http.StatusServiceUnavailable, "not_configured", "admin surface is not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != g.token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing admin token")
			return
		}

		next(w, r)
	}
}
