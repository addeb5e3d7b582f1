// Package authapi is the REST/JSON client for the external Auth API.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"loyalty-session/internal/models"
)

const maxResponseBytes = 1 << 20

// Error is a non-2xx Auth API response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Credential reports whether the API rejected the caller's input or
// identity rather than failing on its side.
func (e *Error) Credential() bool {
	return e.Status >= 400 && e.Status < 500
}

// TokenSource returns the bearer token for authenticated calls.
type TokenSource func(ctx context.Context) string

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse auth api url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid auth api scheme")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("missing auth api host")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// WithTokenSource sets where bearer tokens come from.
func (c *Client) WithTokenSource(source TokenSource) {
	c.token = source
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type newPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type profileResponse struct {
	User *models.User `json:"user"`
}

func (c *Client) Login(ctx context.Context, email, password string) (models.AuthResult, error) {
	var result models.AuthResult
	err := c.do(ctx, http.MethodPost, "/auth/login", false, loginRequest{Email: email, Password: password}, &result)
	return result, err
}

func (c *Client) Register(ctx context.Context, req models.SignupRequest) (models.AuthResult, error) {
	var result models.AuthResult
	err := c.do(ctx, http.MethodPost, "/auth/register", false, req, &result)
	return result, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", true, nil, nil)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (models.AuthResult, error) {
	var result models.AuthResult
	err := c.do(ctx, http.MethodPost, "/auth/refresh", false, refreshRequest{RefreshToken: refreshToken}, &result)
	return result, err
}

func (c *Client) ResetPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/reset-password", false, emailRequest{Email: email}, nil)
}

func (c *Client) VerifyResetToken(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/verify-reset-token", false, tokenRequest{Token: token}, nil)
}

func (c *Client) SetNewPassword(ctx context.Context, token, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/auth/set-new-password", false, newPasswordRequest{Token: token, NewPassword: newPassword}, nil)
}

func (c *Client) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/auth/change-password", true, changePasswordRequest{CurrentPassword: currentPassword, NewPassword: newPassword}, nil)
}

func (c *Client) Profile(ctx context.Context) (models.User, error) {
	return c.profile(ctx, http.MethodGet, nil)
}

func (c *Client) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (models.User, error) {
	return c.profile(ctx, http.MethodPut, update)
}

// profile accepts either a bare user or {"user": {...}}.
func (c *Client) profile(ctx context.Context, method string, body any) (models.User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, method, "/auth/profile", true, body, &raw); err != nil {
		return models.User{}, err
	}

	var wrapped profileResponse
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return *wrapped.User, nil
	}
	var user models.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return models.User{}, fmt.Errorf("decode profile response: %w", err)
	}
	return user, nil
}

// envelope covers both bare payloads and {"data": ...} wrapped ones.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, authenticated bool, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated && c.token != nil {
		if bearer := c.token(ctx); bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth api request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read auth api response: %w", err)
	}

	var env envelope
	if len(bytes.TrimSpace(payload)) > 0 {
		_ = json.Unmarshal(payload, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := env.Error
		if message == "" {
			message = env.Message
		}
		if message == "" {
			message = fmt.Sprintf("auth api request failed with status %d", resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	data := payload
	if len(env.Data) > 0 && string(env.Data) != "null" {
		data = env.Data
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty %s response", path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
