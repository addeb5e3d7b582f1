package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionExpired   = errors.New("session expired")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ValidationError is a client-side input problem caught before any network
// call. It never touches the lockout record.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// LockedOutError rejects a login locally while the lockout window runs.
type LockedOutError struct {
	Remaining time.Duration
}

func (e LockedOutError) Error() string {
	return fmt.Sprintf("Account temporarily locked. Try again in %s.", humanizeRemaining(e.Remaining))
}

func humanizeRemaining(d time.Duration) string {
	if d < time.Minute {
		seconds := int((d + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return plural(seconds, "second")
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	return plural(minutes, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
