// Package token decodes access and refresh tokens and derives validity from
// their embedded expiry. Signatures are never checked here: the decoded
// claims drive UI state only, and the Auth API verifies every token it
// receives.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"loyalty-session/internal/models"
)

const (
	DefaultGrace            = 30 * time.Second
	DefaultRefreshThreshold = 15 * time.Minute
)

type Validator struct {
	parser           *jwt.Parser
	grace            time.Duration
	refreshThreshold time.Duration
	now              func() time.Time
}

type Option func(*Validator)

// WithGrace treats tokens within d of their expiry as already expired.
func WithGrace(d time.Duration) Option {
	return func(v *Validator) {
		if d >= 0 {
			v.grace = d
		}
	}
}

// WithRefreshThreshold sets how close to expiry a token counts as expiring soon.
func WithRefreshThreshold(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.refreshThreshold = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		parser:           jwt.NewParser(),
		grace:            DefaultGrace,
		refreshThreshold: DefaultRefreshThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Decode returns the token payload, or nil when the token is malformed.
func (v *Validator) Decode(raw string) jwt.MapClaims {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := v.parser.ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return claims
}

// Expiry returns the token's exp claim.
func (v *Validator) Expiry(raw string) (time.Time, bool) {
	claims := v.Decode(raw)
	if claims == nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsValid reports whether the token is decodable and its expiry lies more
// than the grace buffer in the future.
func (v *Validator) IsValid(raw string) bool {
	expiry, ok := v.Expiry(raw)
	if !ok {
		return false
	}
	return v.now().Add(v.grace).UnixMilli() < expiry.UnixMilli()
}

// IsExpiringSoon reports whether the token expires within the refresh
// threshold. An undecidable expiry counts as expiring.
func (v *Validator) IsExpiringSoon(raw string) bool {
	expiry, ok := v.Expiry(raw)
	if !ok {
		return true
	}
	return expiry.Sub(v.now()) <= v.refreshThreshold
}

// ExtractUser maps token claims to a user snapshot.
func (v *Validator) ExtractUser(raw string) *models.User {
	claims := v.Decode(raw)
	if claims == nil {
		return nil
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil
	}

	userMeta := nested(claims, "user_metadata")
	appMeta := nested(claims, "app_metadata")

	user := &models.User{
		ID:        sub,
		Email:     stringClaim(claims, "email"),
		FirstName: firstString(userMeta, "first_name", "firstName"),
		LastName:  firstString(userMeta, "last_name", "lastName"),
		Role:      firstNonEmpty(stringClaim(userMeta, "role"), stringClaim(appMeta, "role"), stringClaim(claims, "role"), "user"),
	}

	switch {
	case boolClaim(claims, "email_verified"):
		user.EmailVerified = true
	case boolClaim(userMeta, "email_verified"):
		user.EmailVerified = true
	case stringClaim(claims, "email_confirmed_at") != "":
		user.EmailVerified = true
	}

	if tenant := firstString(userMeta, "tenant_id", "tenantId"); tenant != "" {
		user.TenantID = tenant
	}

	return user
}

func nested(claims map[string]any, key string) map[string]any {
	if claims == nil {
		return nil
	}
	value, _ := claims[key].(map[string]any)
	return value
}

func stringClaim(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func boolClaim(claims map[string]any, key string) bool {
	if claims == nil {
		return false
	}
	value, _ := claims[key].(bool)
	return value
}

func firstString(claims map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := stringClaim(claims, key); value != "" {
			return value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
