package auth

import (
	"context"
	"time"

	"loyalty-session/internal/models"
)

// loadLockout adopts the persisted lockout record, resetting it when it is
// inconsistent or its window already elapsed.
func (c *Controller) loadLockout(ctx context.Context) {
	record := c.store.Lockout(ctx)

	c.mu.Lock()
	reset := false
	switch {
	case !record.Consistent(c.cfg.MaxAttempts):
		c.logger.Warn("session_lockout_record_invalid", map[string]any{
			"attempts":  record.Attempts,
			"is_locked": record.IsLocked,
		})
		c.lockout = models.Lockout{}
		c.cancelLockoutTaskLocked()
		reset = true
	case record.IsLocked:
		c.lockout = record
		if !c.expireLockoutLocked(ctx) {
			c.armLockoutTimerLocked(c.lockoutRemainingLocked())
		}
	default:
		c.lockout = record
		c.cancelLockoutTaskLocked()
	}
	if c.state == StateAnonymous || c.state == StateLockedOut {
		c.state = c.restingStateLocked()
	}
	c.mu.Unlock()

	if reset {
		c.store.RemoveLockout(ctx)
	}
	c.publish()
}

// expireLockoutLocked resets an elapsed lockout. It reports whether a reset
// happened.
func (c *Controller) expireLockoutLocked(ctx context.Context) bool {
	if !c.lockout.IsLocked || c.lockoutRemainingLocked() > 0 {
		return false
	}

	c.lockout = models.Lockout{}
	c.cancelLockoutTaskLocked()
	c.store.RemoveLockout(ctx)
	if c.state == StateLockedOut {
		c.state = c.restingStateLocked()
	}
	c.logger.Info("session_lockout_expired", nil)
	return true
}

func (c *Controller) lockoutRemainingLocked() time.Duration {
	if !c.lockout.IsLocked || c.lockout.StartedAt == nil {
		return 0
	}
	remaining := c.lockout.StartedAt.Add(c.cfg.LockoutDuration).Sub(c.sched.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Controller) armLockoutTimerLocked(delay time.Duration) {
	c.cancelLockoutTaskLocked()
	c.lockoutTask = c.sched.ScheduleOnce(delay, c.onLockoutTimer)
}

func (c *Controller) onLockoutTimer() {
	ctx := context.Background()

	c.mu.Lock()
	c.lockoutTask = nil
	expired := c.expireLockoutLocked(ctx)
	if !expired && c.lockout.IsLocked {
		c.armLockoutTimerLocked(c.lockoutRemainingLocked())
	}
	c.mu.Unlock()

	if expired {
		c.publish()
	}
}
