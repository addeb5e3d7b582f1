package models

import "time"

// User is the denormalized identity snapshot cached alongside the tokens.
// It is advisory UI state; the Auth API remains authoritative.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	Role          string `json:"role,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	TenantID      string `json:"tenantId,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	IsActive      *bool  `json:"isActive,omitempty"`
}

// Profile is the extended profile record the Auth API returns next to the
// primary identity on registration.
type Profile struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IsActive  *bool  `json:"isActive,omitempty"`
}

// MergeProfile folds the extended profile into the identity. Identity fields
// win when both sides carry a value, except for the profile-only fields.
func (u User) MergeProfile(p *Profile) User {
	if p == nil {
		return u
	}
	merged := u
	if merged.ID == "" {
		merged.ID = p.ID
	}
	if merged.Email == "" {
		merged.Email = p.Email
	}
	if merged.FirstName == "" {
		merged.FirstName = p.FirstName
	}
	if merged.LastName == "" {
		merged.LastName = p.LastName
	}
	if p.Role != "" {
		merged.Role = p.Role
	}
	if p.TenantID != "" {
		merged.TenantID = p.TenantID
	}
	if p.Phone != "" {
		merged.Phone = p.Phone
	}
	if p.Avatar != "" {
		merged.Avatar = p.Avatar
	}
	if p.IsActive != nil {
		active := *p.IsActive
		merged.IsActive = &active
	}
	return merged
}

// SignupRequest carries the registration form.
type SignupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Avatar    *string `json:"avatar,omitempty"`
}

// AuthError is a transient, in-memory record of an auth failure.
type AuthError struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
