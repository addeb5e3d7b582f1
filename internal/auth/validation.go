package auth

import (
	"net/mail"
	"strings"

	"loyalty-session/internal/models"
)

const minPasswordLength = 8

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return ValidationError{Field: "email", Message: "Email is required"}
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return ValidationError{Field: "email", Message: "Email address is invalid"}
	}
	return nil
}

func validateCredentials(email, password string) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	return requireField("password", password)
}

func validateNewPassword(password string) error {
	if len(password) < minPasswordLength {
		return ValidationError{Field: "newPassword", Message: "Password must be at least 8 characters"}
	}
	return nil
}

func validateSignup(req models.SignupRequest) error {
	if err := validateEmail(req.Email); err != nil {
		return err
	}
	if len(req.Password) < minPasswordLength {
		return ValidationError{Field: "password", Message: "Password must be at least 8 characters"}
	}
	return nil
}

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return ValidationError{Field: field, Message: field + " is required"}
	}
	return nil
}
