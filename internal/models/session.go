package models

import "time"

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Empty reports whether no access token was issued.
func (t *Tokens) Empty() bool {
	return t == nil || t.AccessToken == ""
}

// AuthResult is the Auth API response for login, register and refresh.
type AuthResult struct {
	User    User     `json:"user"`
	Session *Tokens  `json:"session,omitempty"`
	DBUser  *Profile `json:"dbUser,omitempty"`
}

// Lockout is the brute-force protection state. IsLocked implies StartedAt is
// set and Attempts reached the configured maximum.
type Lockout struct {
	Attempts  int
	IsLocked  bool
	StartedAt *time.Time
}

// Consistent reports whether the record can be trusted: a lock needs a start
// time and at least maxAttempts failures.
func (l Lockout) Consistent(maxAttempts int) bool {
	if l.Attempts < 0 {
		return false
	}
	if l.IsLocked {
		return l.StartedAt != nil && l.Attempts >= maxAttempts
	}
	return true
}
