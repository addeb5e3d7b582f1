package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"loyalty-session/internal/auth"
	"loyalty-session/internal/observability"
)

type RouterOptions struct {
	Controller *auth.Controller
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Limiter    *LoginRateLimiter

	// Ping checks the session medium for /health. Nil means always healthy.
	Ping func(ctx context.Context) error
}

func NewRouter(options RouterOptions) http.Handler {
	handler := NewHandler(options.Controller, options.Logger)
	limiter := options.Limiter
	if limiter == nil {
		limiter = NewLoginRateLimiter(0, 0)
	}
	protected := func(fn http.HandlerFunc) http.Handler {
		return RequireSession(options.Controller, fn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", handler.Session)
	mux.HandleFunc("GET /session/events", handler.Events)
	mux.Handle("POST /session/login", limiter.Middleware(http.HandlerFunc(handler.Login)))
	mux.HandleFunc("POST /session/signup", handler.Signup)
	mux.HandleFunc("POST /session/logout", handler.Logout)
	mux.HandleFunc("POST /session/refresh", handler.Refresh)
	mux.HandleFunc("DELETE /session/errors", handler.ClearErrors)
	mux.HandleFunc("POST /password/reset", handler.ResetPassword)
	mux.HandleFunc("POST /password/verify", handler.VerifyResetToken)
	mux.HandleFunc("POST /password/set", handler.SetNewPassword)
	mux.Handle("POST /password/change", protected(handler.ChangePassword))
	mux.Handle("GET /profile", protected(handler.Profile))
	mux.Handle("PUT /profile", protected(handler.UpdateProfile))
	mux.HandleFunc("GET /health", healthHandler(options.Ping))
	if options.Metrics != nil {
		mux.Handle("GET /metrics", options.Metrics.Handler())
	}

	return observability.RecoverMiddleware(options.Logger, observability.RequestLoggingMiddleware(options.Logger, mux))
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if ping != nil {
			if err := ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
