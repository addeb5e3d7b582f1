// Package auth owns the client-side session state machine: login with
// lockout, signup, logout, silent refresh and the timers that drive them.
//
// Decoded token claims are display state only. The Auth API stays the
// authority on every protected call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loyalty-session/internal/models"
	"loyalty-session/internal/observability"
	"loyalty-session/internal/schedule"
	"loyalty-session/internal/token"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
	DefaultCheckInterval   = 30 * time.Second

	remoteLogoutTimeout = 10 * time.Second

	sessionExpiredMessage = "Session expired. Please log in again."
)

// API is the remote Auth API the controller talks to.
type API interface {
	Login(ctx context.Context, email, password string) (models.AuthResult, error)
	Register(ctx context.Context, req models.SignupRequest) (models.AuthResult, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context, refreshToken string) (models.AuthResult, error)
	ResetPassword(ctx context.Context, email string) error
	VerifyResetToken(ctx context.Context, token string) error
	SetNewPassword(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, currentPassword, newPassword string) error
	Profile(ctx context.Context) (models.User, error)
	UpdateProfile(ctx context.Context, update models.ProfileUpdate) (models.User, error)
}

// Store is the persisted half of the session. Implementations swallow their
// own medium failures.
type Store interface {
	SetToken(ctx context.Context, raw string)
	Token(ctx context.Context) string
	RemoveToken(ctx context.Context)
	SetRefreshToken(ctx context.Context, raw string)
	RefreshToken(ctx context.Context) string
	RemoveRefreshToken(ctx context.Context)
	SetUser(ctx context.Context, user *models.User)
	User(ctx context.Context) *models.User
	RemoveUser(ctx context.Context)
	Lockout(ctx context.Context) models.Lockout
	SetLockout(ctx context.Context, lockout models.Lockout)
	RemoveLockout(ctx context.Context)
	ClearAll(ctx context.Context)
	Subscribe(fn func(key string)) func()
}

type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	CheckInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

type Options struct {
	Store     Store
	API       API
	Validator *token.Validator
	Scheduler schedule.Scheduler
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Config    Config

	// OnSessionExpired runs after a failed silent refresh has logged the
	// session out.
	OnSessionExpired func()
}

type Controller struct {
	store     Store
	api       API
	validator *token.Validator
	sched     schedule.Scheduler
	logger    *observability.Logger
	metrics   *observability.Metrics
	cfg       Config
	onExpired func()

	mu          sync.Mutex
	state       State
	loading     bool
	user        *models.User
	lockout     models.Lockout
	errors      []models.AuthError
	sessionTask schedule.Task
	lockoutTask schedule.Task
	logouts     uint64

	listeners    map[int]func(Snapshot)
	nextListener int
	unsubscribe  func()
}

func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.API == nil {
		return nil, errors.New("auth api is required")
	}
	if opts.Validator == nil {
		opts.Validator = token.NewValidator()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.NewReal()
	}

	return &Controller{
		store:     opts.Store,
		api:       opts.API,
		validator: opts.Validator,
		sched:     opts.Scheduler,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		cfg:       opts.Config.withDefaults(),
		onExpired: opts.OnSessionExpired,
		state:     StateAnonymous,
		loading:   true,
		listeners: make(map[int]func(Snapshot)),
	}, nil
}

// Start runs the startup check and begins following changes made to the
// store by other processes.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()
	c.publish()

	c.loadLockout(ctx)
	c.checkSession(ctx, "startup")

	c.mu.Lock()
	c.loading = false
	if c.unsubscribe == nil {
		c.unsubscribe = c.store.Subscribe(c.handleExternalChange)
	}
	c.mu.Unlock()
	c.publish()
}

// Close cancels both timers and stops following store changes.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelSessionTaskLocked()
	c.cancelLockoutTaskLocked()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Controller) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		c.metrics.Login("invalid")
		c.recordError(err.Error())
		return nil, err
	}

	c.mu.Lock()
	c.expireLockoutLocked(ctx)
	if c.lockout.IsLocked {
		err := LockedOutError{Remaining: c.lockoutRemainingLocked()}
		c.appendErrorLocked(err.Error())
		c.mu.Unlock()
		c.publish()
		c.metrics.Login("locked")
		return nil, err
	}
	c.errors = nil
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.publish()

	result, err := c.api.Login(ctx, email, password)
	if err == nil && result.Session.Empty() {
		err = errors.New("login response did not include a session")
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			c.abandonLogin(err)
			return nil, err
		}
		c.registerFailure(ctx, err)
		return nil, err
	}

	user := c.persistSession(ctx, result)
	c.store.RemoveLockout(ctx)

	c.mu.Lock()
	c.lockout = models.Lockout{}
	c.cancelLockoutTaskLocked()
	c.errors = nil
	c.enterAuthenticatedLocked(user)
	c.mu.Unlock()
	c.publish()

	c.metrics.Login("success")
	c.logger.Info("session_login_succeeded", map[string]any{"user_id": user.ID})

	copied := *user
	return &copied, nil
}

// abandonLogin restores the resting state after the caller gave up on a
// login. The lockout record is left alone.
func (c *Controller) abandonLogin(cause error) {
	c.mu.Lock()
	c.state = c.restingStateLocked()
	c.mu.Unlock()
	c.publish()

	c.metrics.Login("aborted")
	c.logger.Info("session_login_aborted", map[string]any{"error": cause.Error()})
}

// registerFailure advances the lockout record after a rejected login.
func (c *Controller) registerFailure(ctx context.Context, cause error) {
	c.mu.Lock()
	c.lockout.Attempts++
	var message string
	if c.lockout.Attempts >= c.cfg.MaxAttempts {
		now := c.sched.Now()
		c.lockout.IsLocked = true
		c.lockout.StartedAt = &now
		c.armLockoutTimerLocked(c.cfg.LockoutDuration)
		message = fmt.Sprintf("Too many failed attempts. Account locked for %s.", humanizeRemaining(c.cfg.LockoutDuration))
	} else {
		remaining := c.cfg.MaxAttempts - c.lockout.Attempts
		message = fmt.Sprintf("%s (%s remaining)", cause.Error(), plural(remaining, "attempt"))
	}
	c.appendErrorLocked(message)
	c.state = c.restingStateLocked()
	record := c.lockout
	c.mu.Unlock()

	c.store.SetLockout(ctx, record)
	c.publish()

	if record.IsLocked {
		c.metrics.Login("locked")
		c.metrics.Lockout()
		c.logger.Warn("session_login_locked", map[string]any{
			"attempts": record.Attempts,
			"duration": c.cfg.LockoutDuration.String(),
		})
		return
	}
	c.metrics.Login("failure")
	c.logger.Info("session_login_failed", map[string]any{
		"attempts": record.Attempts,
		"error":    cause.Error(),
	})
}

// Signup registers a new account. A response without tokens leaves the
// caller anonymous and returns the merged user, which is how the Auth API
// signals that email confirmation is pending.
func (c *Controller) Signup(ctx context.Context, req models.SignupRequest) (*models.User, error) {
	req.Email = normalizeEmail(req.Email)
	if err := validateSignup(req); err != nil {
		c.recordError(err.Error())
		return nil, err
	}

	c.mu.Lock()
	c.errors = nil
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.publish()

	result, err := c.api.Register(ctx, req)
	if err != nil {
		c.mu.Lock()
		c.state = c.restingStateLocked()
		c.appendErrorLocked(err.Error())
		c.mu.Unlock()
		c.publish()
		c.logger.Info("session_signup_failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	if result.Session.Empty() {
		user := result.User.MergeProfile(result.DBUser)
		c.mu.Lock()
		c.state = c.restingStateLocked()
		c.mu.Unlock()
		c.publish()
		c.logger.Info("session_signup_pending", map[string]any{"user_id": user.ID})
		return &user, nil
	}

	user := c.persistSession(ctx, result)

	c.mu.Lock()
	c.enterAuthenticatedLocked(user)
	c.mu.Unlock()
	c.publish()

	c.logger.Info("session_signup_succeeded", map[string]any{"user_id": user.ID})
	copied := *user
	return &copied, nil
}

// Logout always ends in the anonymous state with an empty store and no
// lockout, whatever the Auth API answers. Local cleanup runs even when ctx
// is already cancelled.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	c.logouts++
	c.cancelSessionTaskLocked()
	c.cancelLockoutTaskLocked()
	c.mu.Unlock()

	remoteCtx, cancel := context.WithTimeout(ctx, remoteLogoutTimeout)
	if err := c.api.Logout(remoteCtx); err != nil {
		c.logger.Warn("session_remote_logout_failed", map[string]any{"error": err.Error()})
	}
	cancel()
	c.store.ClearAll(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.user = nil
	c.lockout = models.Lockout{}
	c.errors = nil
	c.loading = false
	c.state = StateAnonymous
	c.mu.Unlock()

	c.metrics.Logout()
	c.metrics.SetAuthenticated(false)
	c.publish()
}

// RefreshResult reports the outcome of a user-triggered session refresh.
type RefreshResult struct {
	Success bool         `json:"success"`
	User    *models.User `json:"user,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// RefreshSession re-runs the startup check. It never returns an error.
func (c *Controller) RefreshSession(ctx context.Context) RefreshResult {
	if c.checkSession(ctx, "manual") {
		return RefreshResult{Success: true, User: c.Snapshot().User}
	}

	message := "No active session"
	if errs := c.Snapshot().Errors; len(errs) > 0 {
		message = errs[len(errs)-1].Message
	}
	return RefreshResult{Success: false, Error: message}
}

func (c *Controller) ResetPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		c.recordError(err.Error())
		return err
	}
	return c.passthrough("reset_password", func() error {
		return c.api.ResetPassword(ctx, email)
	})
}

func (c *Controller) VerifyResetToken(ctx context.Context, resetToken string) error {
	if err := requireField("token", resetToken); err != nil {
		c.recordError(err.Error())
		return err
	}
	return c.passthrough("verify_reset_token", func() error {
		return c.api.VerifyResetToken(ctx, resetToken)
	})
}

func (c *Controller) SetNewPassword(ctx context.Context, resetToken, newPassword string) error {
	if err := requireField("token", resetToken); err != nil {
		c.recordError(err.Error())
		return err
	}
	if err := validateNewPassword(newPassword); err != nil {
		c.recordError(err.Error())
		return err
	}
	return c.passthrough("set_new_password", func() error {
		return c.api.SetNewPassword(ctx, resetToken, newPassword)
	})
}

func (c *Controller) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	if !c.authenticated() {
		return ErrNotAuthenticated
	}
	if err := requireField("currentPassword", currentPassword); err != nil {
		c.recordError(err.Error())
		return err
	}
	if err := validateNewPassword(newPassword); err != nil {
		c.recordError(err.Error())
		return err
	}
	return c.passthrough("change_password", func() error {
		return c.api.ChangePassword(ctx, currentPassword, newPassword)
	})
}

// Profile fetches the current profile and replaces the cached user.
func (c *Controller) Profile(ctx context.Context) (*models.User, error) {
	if !c.authenticated() {
		return nil, ErrNotAuthenticated
	}
	var user models.User
	err := c.passthrough("profile", func() error {
		var err error
		user, err = c.api.Profile(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.replaceUser(ctx, user), nil
}

func (c *Controller) UpdateProfile(ctx context.Context, update models.ProfileUpdate) (*models.User, error) {
	if !c.authenticated() {
		return nil, ErrNotAuthenticated
	}
	var user models.User
	err := c.passthrough("update_profile", func() error {
		var err error
		user, err = c.api.UpdateProfile(ctx, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.replaceUser(ctx, user), nil
}

func (c *Controller) ClearErrors() {
	c.mu.Lock()
	c.errors = nil
	c.mu.Unlock()
	c.publish()
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn runs on the goroutine that made the change.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// checkSession trusts a locally valid access token, falls back to a silent
// refresh when only the refresh token is still valid, and otherwise drops
// the stale session keys.
func (c *Controller) checkSession(ctx context.Context, trigger string) bool {
	access := c.store.Token(ctx)
	if c.validator.IsValid(access) {
		if user := c.resolveUser(ctx, access); user != nil {
			c.mu.Lock()
			c.enterAuthenticatedLocked(user)
			c.mu.Unlock()
			c.publish()
			return true
		}
	}

	refresh := c.store.RefreshToken(ctx)
	if c.validator.IsValid(refresh) {
		return c.silentRefresh(ctx, trigger)
	}

	if access != "" || refresh != "" {
		c.store.RemoveToken(ctx)
		c.store.RemoveRefreshToken(ctx)
		c.store.RemoveUser(ctx)
	}

	c.mu.Lock()
	c.cancelSessionTaskLocked()
	c.user = nil
	c.state = c.restingStateLocked()
	c.mu.Unlock()
	c.metrics.SetAuthenticated(false)
	c.publish()
	return false
}

func (c *Controller) resolveUser(ctx context.Context, access string) *models.User {
	claimed := c.validator.ExtractUser(access)
	if stored := c.store.User(ctx); stored != nil && (claimed == nil || stored.ID == claimed.ID) {
		return stored
	}
	if claimed != nil {
		c.store.SetUser(ctx, claimed)
	}
	return claimed
}

func (c *Controller) onSessionTick() {
	ctx := context.Background()

	c.mu.Lock()
	expired := c.expireLockoutLocked(ctx)
	authenticated := c.state == StateAuthenticated
	c.mu.Unlock()
	if expired {
		c.publish()
	}
	if !authenticated {
		return
	}

	access := c.store.Token(ctx)
	if c.validator.IsValid(access) && !c.validator.IsExpiringSoon(access) {
		return
	}
	c.silentRefresh(ctx, "tick")
}

// silentRefresh swaps the refresh token for a new session. Any failure is
// fatal to the session.
func (c *Controller) silentRefresh(ctx context.Context, trigger string) bool {
	c.mu.Lock()
	if c.state == StateRefreshing {
		c.mu.Unlock()
		return true
	}
	c.state = StateRefreshing
	generation := c.logouts
	c.mu.Unlock()
	c.publish()

	var (
		result models.AuthResult
		err    error
	)
	refresh := c.store.RefreshToken(ctx)
	if refresh == "" {
		err = ErrSessionExpired
	} else {
		result, err = c.api.Refresh(ctx, refresh)
		if err == nil && result.Session.Empty() {
			err = errors.New("refresh response did not include a session")
		}
	}

	if c.loggedOutSince(generation) {
		c.metrics.Refresh(trigger, "discarded")
		c.logger.Info("session_refresh_discarded", map[string]any{"trigger": trigger})
		return false
	}

	if err != nil {
		c.metrics.Refresh(trigger, "failure")
		c.logger.Warn("session_refresh_failed", map[string]any{
			"trigger": trigger,
			"error":   err.Error(),
		})
		if !credentialError(err) {
			observability.CaptureError(err, map[string]string{"operation": "session_refresh", "trigger": trigger})
		}
		c.expire(ctx)
		return false
	}

	user := c.persistSession(ctx, result)
	c.mu.Lock()
	if c.logouts != generation {
		c.mu.Unlock()
		// A logout finished while the tokens were being written.
		c.store.ClearAll(ctx)
		c.metrics.Refresh(trigger, "discarded")
		return false
	}
	c.enterAuthenticatedLocked(user)
	c.mu.Unlock()
	c.publish()

	c.metrics.Refresh(trigger, "success")
	c.logger.Info("session_refreshed", map[string]any{"trigger": trigger, "user_id": user.ID})
	return true
}

func (c *Controller) loggedOutSince(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts != generation
}

// expire is the forced logout after an unrecoverable refresh.
func (c *Controller) expire(ctx context.Context) {
	c.Logout(ctx)
	c.recordError(sessionExpiredMessage)
	if c.onExpired != nil {
		c.onExpired()
	}
}

func (c *Controller) handleExternalChange(string) {
	ctx := context.Background()

	c.mu.Lock()
	busy := c.state == StateAuthenticating || c.state == StateRefreshing
	c.mu.Unlock()
	if busy {
		return
	}

	c.loadLockout(ctx)
	c.checkSession(ctx, "external")
}

// persistSession writes the tokens and the user derived from result.
func (c *Controller) persistSession(ctx context.Context, result models.AuthResult) *models.User {
	c.store.SetToken(ctx, result.Session.AccessToken)
	if result.Session.RefreshToken != "" {
		c.store.SetRefreshToken(ctx, result.Session.RefreshToken)
	}

	user := result.User.MergeProfile(result.DBUser)
	if user.ID == "" {
		if claimed := c.validator.ExtractUser(result.Session.AccessToken); claimed != nil {
			user = claimed.MergeProfile(result.DBUser)
		}
	}
	c.store.SetUser(ctx, &user)
	return &user
}

func (c *Controller) replaceUser(ctx context.Context, user models.User) *models.User {
	c.store.SetUser(ctx, &user)
	c.mu.Lock()
	c.user = &user
	c.mu.Unlock()
	c.publish()

	copied := user
	return &copied
}

func (c *Controller) passthrough(operation string, call func() error) error {
	c.mu.Lock()
	c.errors = nil
	c.mu.Unlock()

	if err := call(); err != nil {
		c.logger.Info("session_operation_failed", map[string]any{
			"operation": operation,
			"error":     err.Error(),
		})
		c.recordError(err.Error())
		return err
	}
	c.publish()
	return nil
}

func (c *Controller) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user != nil && (c.state == StateAuthenticated || c.state == StateRefreshing)
}

func (c *Controller) recordError(message string) {
	c.mu.Lock()
	c.appendErrorLocked(message)
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) appendErrorLocked(message string) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	c.errors = append(c.errors, models.AuthError{
		ID:        id.String(),
		Message:   message,
		Timestamp: c.sched.Now(),
	})
}

func (c *Controller) enterAuthenticatedLocked(user *models.User) {
	c.user = user
	c.state = StateAuthenticated
	if c.sessionTask == nil {
		c.sessionTask = c.sched.ScheduleRepeating(c.cfg.CheckInterval, c.onSessionTick)
	}
	c.metrics.SetAuthenticated(true)
}

func (c *Controller) restingStateLocked() State {
	switch {
	case c.user != nil && c.sessionTask != nil:
		return StateAuthenticated
	case c.lockout.IsLocked:
		return StateLockedOut
	default:
		return StateAnonymous
	}
}

func (c *Controller) cancelSessionTaskLocked() {
	if c.sessionTask != nil {
		c.sessionTask.Cancel()
		c.sessionTask = nil
	}
}

func (c *Controller) cancelLockoutTaskLocked() {
	if c.lockoutTask != nil {
		c.lockoutTask.Cancel()
		c.lockoutTask = nil
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func credentialError(err error) bool {
	var rejected interface{ Credential() bool }
	return errors.As(err, &rejected) && rejected.Credential()
}
