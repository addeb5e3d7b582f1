package httpapi

import (
	"net/http"

	"loyalty-session/internal/auth"
)

// RequireSession rejects requests while the controller holds no
// authenticated session.
func RequireSession(controller *auth.Controller, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !controller.Snapshot().IsAuthenticated {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
