package auth

import (
	"time"

	"loyalty-session/internal/models"
)

type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshing     State = "refreshing"
	StateLockedOut      State = "locked_out"
)

// Snapshot is the projection the UI renders. It is always derived from the
// controller's fields under its lock, never stored.
type Snapshot struct {
	State            State              `json:"state"`
	IsAuthenticated  bool               `json:"isAuthenticated"`
	IsLoading        bool               `json:"isLoading"`
	User             *models.User       `json:"user"`
	LoginAttempts    int                `json:"loginAttempts"`
	IsLocked         bool               `json:"isLocked"`
	LockoutStartedAt *time.Time         `json:"lockoutStartedAt"`
	LockoutRemaining time.Duration      `json:"-"`
	RemainingSeconds int                `json:"lockoutRemainingSeconds"`
	Errors           []models.AuthError `json:"errors"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		State:           c.state,
		IsAuthenticated: c.user != nil && (c.state == StateAuthenticated || c.state == StateRefreshing),
		IsLoading:       c.loading,
		LoginAttempts:   c.lockout.Attempts,
		IsLocked:        c.lockout.IsLocked,
		Errors:          append([]models.AuthError{}, c.errors...),
	}
	if c.user != nil {
		user := *c.user
		snapshot.User = &user
	}
	if c.lockout.StartedAt != nil {
		started := *c.lockout.StartedAt
		snapshot.LockoutStartedAt = &started
	}
	snapshot.LockoutRemaining = c.lockoutRemainingLocked()
	snapshot.RemainingSeconds = int((snapshot.LockoutRemaining + time.Second - 1) / time.Second)
	return snapshot
}
