// Package httpapi exposes the session controller to local clients over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"

	"loyalty-session/internal/auth"
	"loyalty-session/internal/authapi"
	"loyalty-session/internal/models"
	"loyalty-session/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	controller *auth.Controller
	logger     *observability.Logger
}

func NewHandler(controller *auth.Controller, logger *observability.Logger) *Handler {
	return &Handler{controller: controller, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type setPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	user, err := h.controller.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeFailure(w, err, http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"session": h.controller.Snapshot(),
	})
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body models.SignupRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	user, err := h.controller.Signup(r.Context(), body)
	if err != nil {
		h.writeFailure(w, err, 0)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    user,
		"session": h.controller.Snapshot(),
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.controller.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.RefreshSession(r.Context()))
}

func (h *Handler) ClearErrors(w http.ResponseWriter, r *http.Request) {
	h.controller.ClearErrors()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	h.writeAccepted(w, h.controller.ResetPassword(r.Context(), body.Email))
}

func (h *Handler) VerifyResetToken(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	h.writeAccepted(w, h.controller.VerifyResetToken(r.Context(), strings.TrimSpace(body.Token)))
}

func (h *Handler) SetNewPassword(w http.ResponseWriter, r *http.Request) {
	var body setPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	h.writeAccepted(w, h.controller.SetNewPassword(r.Context(), strings.TrimSpace(body.Token), body.NewPassword))
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	h.writeAccepted(w, h.controller.ChangePassword(r.Context(), body.CurrentPassword, body.NewPassword))
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	user, err := h.controller.Profile(r.Context())
	if err != nil {
		h.writeFailure(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var body models.ProfileUpdate
	if !decodeJSON(w, r, &body) {
		return
	}

	user, err := h.controller.UpdateProfile(r.Context(), body)
	if err != nil {
		h.writeFailure(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) writeAccepted(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeFailure(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeFailure maps controller errors onto status codes. rejectedStatus,
// when set, replaces the Auth API's own 4xx status.
func (h *Handler) writeFailure(w http.ResponseWriter, err error, rejectedStatus int) {
	var invalid auth.ValidationError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": invalid.Message, "field": invalid.Field})
		return
	}

	var locked auth.LockedOutError
	if errors.As(err, &locked) {
		retryAfter := int(math.Ceil(locked.Remaining.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusLocked, locked.Error())
		return
	}

	if errors.Is(err, auth.ErrNotAuthenticated) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var rejected *authapi.Error
	if errors.As(err, &rejected) && rejected.Credential() {
		status := rejected.Status
		if rejectedStatus != 0 {
			status = rejectedStatus
		}
		writeError(w, status, h.latestMessage(err))
		return
	}

	sentry.CaptureException(err)
	h.logger.Error("auth_api_call_failed", map[string]any{"error": err.Error()})
	writeError(w, http.StatusBadGateway, h.latestMessage(err))
}

// latestMessage prefers the message the controller recorded, which carries
// the remaining-attempts hint for failed logins.
func (h *Handler) latestMessage(err error) string {
	if errs := h.controller.Snapshot().Errors; len(errs) > 0 {
		return errs[len(errs)-1].Message
	}
	return err.Error()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
