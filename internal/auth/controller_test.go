package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-session/internal/db"
	"loyalty-session/internal/models"
	"loyalty-session/internal/schedule"
	"loyalty-session/internal/store"
	"loyalty-session/internal/token"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu sync.Mutex

	password   string
	loginCalls int

	refreshCalls  int
	refreshErr    error
	refreshResult models.AuthResult
	// refreshEntered and refreshRelease hold Refresh open when set.
	refreshEntered chan struct{}
	refreshRelease chan struct{}

	registerResult models.AuthResult
	registerErr    error

	logoutCalls int
	logoutErr   error

	profile models.User

	session models.AuthResult
}

func (f *fakeAPI) Login(ctx context.Context, email, password string) (models.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	if err := ctx.Err(); err != nil {
		return models.AuthResult{}, err
	}
	if password != f.password {
		return models.AuthResult{}, errors.New("Invalid login credentials")
	}
	return f.session, nil
}

func (f *fakeAPI) Register(context.Context, models.SignupRequest) (models.AuthResult, error) {
	return f.registerResult, f.registerErr
}

func (f *fakeAPI) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeAPI) Refresh(context.Context, string) (models.AuthResult, error) {
	f.mu.Lock()
	f.refreshCalls++
	entered, release := f.refreshEntered, f.refreshRelease
	f.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshResult, f.refreshErr
}

func (f *fakeAPI) ResetPassword(context.Context, string) error { return nil }
func (f *fakeAPI) VerifyResetToken(context.Context, string) error { return nil }
func (f *fakeAPI) SetNewPassword(context.Context, string, string) error { return nil }
func (f *fakeAPI) ChangePassword(context.Context, string, string) error { return nil }

func (f *fakeAPI) Profile(context.Context) (models.User, error) {
	return f.profile, nil
}

func (f *fakeAPI) UpdateProfile(_ context.Context, update models.ProfileUpdate) (models.User, error) {
	user := f.profile
	if update.FirstName != nil {
		user.FirstName = *update.FirstName
	}
	return user, nil
}

func (f *fakeAPI) calls() (login, refresh, logout int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.refreshCalls, f.logoutCalls
}

type harness struct {
	clock      *schedule.Fake
	store      *store.SessionStore
	api        *fakeAPI
	controller *Controller
	expired    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOver(t, store.NewMemory())
}

func sqliteMedium(t *testing.T) store.Medium {
	t.Helper()
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.RunMigrations(database, db.SQLite))
	return store.NewSQL(database, db.SQLite, "default")
}

func newHarnessOver(t *testing.T, medium store.Medium) *harness {
	t.Helper()
	clock := schedule.NewFake(start)
	validator := token.NewValidator(token.WithClock(clock.Now))
	h := &harness{
		clock: clock,
		store: store.NewSessionStore(medium, validator, nil, store.WithClock(clock.Now)),
		api:   &fakeAPI{password: "correct-horse"},
	}

	controller, err := NewController(Options{
		Store:            h.store,
		API:              h.api,
		Validator:        validator,
		Scheduler:        clock,
		OnSessionExpired: func() { h.expired++ },
	})
	require.NoError(t, err)
	h.controller = controller
	t.Cleanup(controller.Close)
	return h
}

func (h *harness) mint(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   h.clock.Now().Add(ttl).Unix(),
		"user_metadata": map[string]any{
			"first_name": "Ana",
			"role":       "member",
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func (h *harness) session(t *testing.T, ttl time.Duration) models.AuthResult {
	return models.AuthResult{
		User: models.User{ID: "u1", Email: "a@b.com"},
		Session: &models.Tokens{
			AccessToken:  h.mint(t, "u1", ttl),
			RefreshToken: h.mint(t, "u1", 7*24*time.Hour),
		},
	}
}

func TestController_FreshStartupIsAnonymous(t *testing.T) {
	h := newHarness(t)

	h.controller.Start(context.Background())

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateAnonymous, snapshot.State)
	assert.False(t, snapshot.IsAuthenticated)
	assert.False(t, snapshot.IsLoading)
	login, refresh, logout := h.api.calls()
	assert.Zero(t, login+refresh+logout)
	assert.Zero(t, h.clock.Pending())
}

func TestController_LockoutAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	h.api.session = h.session(t, time.Hour)
	ctx := context.Background()
	h.controller.Start(ctx)

	for n := 1; n < DefaultMaxAttempts; n++ {
		_, err := h.controller.Login(ctx, "a@b.com", "wrong")
		require.Error(t, err)
		assert.Equal(t, "Invalid login credentials", err.Error())

		snapshot := h.controller.Snapshot()
		assert.False(t, snapshot.IsLocked)
		assert.Equal(t, n, snapshot.LoginAttempts)
		assert.Equal(t, StateAnonymous, snapshot.State)
		require.NotEmpty(t, snapshot.Errors)
		assert.Contains(t, snapshot.Errors[len(snapshot.Errors)-1].Message, "remaining)")
	}

	_, err := h.controller.Login(ctx, "a@b.com", "wrong")
	require.Error(t, err)

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateLockedOut, snapshot.State)
	assert.True(t, snapshot.IsLocked)
	assert.Equal(t, DefaultMaxAttempts, snapshot.LoginAttempts)
	require.NotNil(t, snapshot.LockoutStartedAt)
	assert.True(t, start.Equal(*snapshot.LockoutStartedAt))
	assert.Contains(t, snapshot.Errors[len(snapshot.Errors)-1].Message, "Too many failed attempts")

	persisted := h.store.Lockout(ctx)
	assert.True(t, persisted.IsLocked)
	assert.Equal(t, DefaultMaxAttempts, persisted.Attempts)

	_, err = h.controller.Login(ctx, "a@b.com", "correct-horse")
	var locked LockedOutError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, DefaultLockoutDuration, locked.Remaining)
	assert.Equal(t, "Account temporarily locked. Try again in 15 minutes.", err.Error())

	login, _, _ := h.api.calls()
	assert.Equal(t, DefaultMaxAttempts, login)
}

func TestController_RemainingAttemptsMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.controller.Login(ctx, "a@b.com", "wrong")
	require.Error(t, err)

	errs := h.controller.Snapshot().Errors
	require.Len(t, errs, 1)
	assert.Equal(t, "Invalid login credentials (4 attempts remaining)", errs[0].Message)
	assert.NotEmpty(t, errs[0].ID)
}

func TestController_LockoutExpiresOnTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.controller.Start(ctx)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, _ = h.controller.Login(ctx, "a@b.com", "wrong")
	}
	require.True(t, h.controller.Snapshot().IsLocked)

	h.clock.Advance(DefaultLockoutDuration - time.Second)
	assert.True(t, h.controller.Snapshot().IsLocked)

	h.clock.Advance(time.Second)
	snapshot := h.controller.Snapshot()
	assert.False(t, snapshot.IsLocked)
	assert.Zero(t, snapshot.LoginAttempts)
	assert.Nil(t, snapshot.LockoutStartedAt)
	assert.Equal(t, StateAnonymous, snapshot.State)
	assert.Equal(t, models.Lockout{}, h.store.Lockout(ctx))
}

func TestController_StartupLockoutRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("elapsed window resets", func(t *testing.T) {
		h := newHarness(t)
		started := start.Add(-DefaultLockoutDuration)
		h.store.SetLockout(ctx, models.Lockout{Attempts: 5, IsLocked: true, StartedAt: &started})

		h.controller.Start(ctx)

		snapshot := h.controller.Snapshot()
		assert.False(t, snapshot.IsLocked)
		assert.Zero(t, snapshot.LoginAttempts)
		assert.Equal(t, StateAnonymous, snapshot.State)
		assert.Equal(t, models.Lockout{}, h.store.Lockout(ctx))
	})

	t.Run("running window arms timer", func(t *testing.T) {
		h := newHarness(t)
		started := start.Add(-10 * time.Minute)
		h.store.SetLockout(ctx, models.Lockout{Attempts: 5, IsLocked: true, StartedAt: &started})

		h.controller.Start(ctx)

		snapshot := h.controller.Snapshot()
		assert.Equal(t, StateLockedOut, snapshot.State)
		assert.Equal(t, 5*time.Minute, snapshot.LockoutRemaining)
		assert.Equal(t, 1, h.clock.Pending())

		h.clock.Advance(5 * time.Minute)
		assert.Equal(t, StateAnonymous, h.controller.Snapshot().State)
	})

	t.Run("inconsistent record resets", func(t *testing.T) {
		h := newHarness(t)
		h.store.SetLockout(ctx, models.Lockout{Attempts: 2, IsLocked: true})

		h.controller.Start(ctx)

		assert.False(t, h.controller.Snapshot().IsLocked)
		assert.Equal(t, models.Lockout{}, h.store.Lockout(ctx))
	})
}

func TestController_LoginSuccessResetsLockout(t *testing.T) {
	h := newHarness(t)
	h.api.session = h.session(t, time.Hour)
	ctx := context.Background()
	h.controller.Start(ctx)

	_, _ = h.controller.Login(ctx, "a@b.com", "wrong")
	_, _ = h.controller.Login(ctx, "a@b.com", "wrong")

	user, err := h.controller.Login(ctx, " A@B.com ", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateAuthenticated, snapshot.State)
	assert.True(t, snapshot.IsAuthenticated)
	assert.Zero(t, snapshot.LoginAttempts)
	assert.Empty(t, snapshot.Errors)
	assert.Equal(t, h.api.session.Session.AccessToken, h.store.Token(ctx))
	assert.Equal(t, h.api.session.Session.RefreshToken, h.store.RefreshToken(ctx))
	assert.Equal(t, models.Lockout{}, h.store.Lockout(ctx))
	assert.Equal(t, 1, h.clock.Pending())
}

func TestController_ValidationErrorsSkipNetworkAndLockout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		field    string
	}{
		{"missing email", "", "pw", "email"},
		{"malformed email", "not-an-email", "pw", "email"},
		{"missing password", "a@b.com", "", "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.controller.Login(ctx, tt.email, tt.password)
			var invalid ValidationError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}

	login, _, _ := h.api.calls()
	assert.Zero(t, login)
	assert.Zero(t, h.controller.Snapshot().LoginAttempts)
}

func TestController_StartupWithValidTokenSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetToken(ctx, h.mint(t, "u1", 20*time.Minute))

	h.controller.Start(ctx)

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateAuthenticated, snapshot.State)
	require.NotNil(t, snapshot.User)
	assert.Equal(t, "u1", snapshot.User.ID)
	assert.Equal(t, "Ana", snapshot.User.FirstName)
	require.NotNil(t, h.store.User(ctx))

	h.clock.Advance(4 * time.Minute)

	login, refresh, _ := h.api.calls()
	assert.Zero(t, login)
	assert.Zero(t, refresh)
	assert.Equal(t, StateAuthenticated, h.controller.Snapshot().State)
}

func TestController_TickRefreshesExpiringToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := h.mint(t, "u1", 10*time.Minute)
	h.store.SetToken(ctx, original)
	h.store.SetRefreshToken(ctx, h.mint(t, "u1", 24*time.Hour))
	h.api.refreshResult = h.session(t, time.Hour)

	h.controller.Start(ctx)
	require.Equal(t, StateAuthenticated, h.controller.Snapshot().State)

	h.clock.Advance(DefaultCheckInterval)

	_, refresh, _ := h.api.calls()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, StateAuthenticated, h.controller.Snapshot().State)
	assert.Equal(t, h.api.refreshResult.Session.AccessToken, h.store.Token(ctx))
	assert.NotEqual(t, original, h.store.Token(ctx))
	assert.Equal(t, 1, h.clock.Pending())
}

func TestController_RefreshFailureForcesLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetToken(ctx, h.mint(t, "u1", 5*time.Minute))
	h.store.SetRefreshToken(ctx, h.mint(t, "u1", 24*time.Hour))
	h.api.refreshErr = errors.New("network unreachable")

	h.controller.Start(ctx)
	h.clock.Advance(DefaultCheckInterval)

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateAnonymous, snapshot.State)
	assert.False(t, snapshot.IsAuthenticated)
	assert.Nil(t, snapshot.User)
	require.Len(t, snapshot.Errors, 1)
	assert.Equal(t, sessionExpiredMessage, snapshot.Errors[0].Message)

	assert.Empty(t, h.store.Token(ctx))
	assert.Empty(t, h.store.RefreshToken(ctx))
	assert.Nil(t, h.store.User(ctx))
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, 1, h.expired)
}

func TestController_StartupRefreshesWithOnlyRefreshToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetToken(ctx, h.mint(t, "u1", -time.Minute))
	h.store.SetRefreshToken(ctx, h.mint(t, "u1", time.Hour))
	h.api.refreshResult = h.session(t, time.Hour)

	h.controller.Start(ctx)

	_, refresh, _ := h.api.calls()
	assert.Equal(t, 1, refresh)
	assert.Equal(t, StateAuthenticated, h.controller.Snapshot().State)
}

func TestController_StartupWithExpiredTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetToken(ctx, h.mint(t, "u1", -time.Hour))
	h.store.SetRefreshToken(ctx, h.mint(t, "u1", -time.Minute))
	require.False(t, h.store.HasValidSession(ctx))

	h.controller.Start(ctx)

	assert.Equal(t, StateAnonymous, h.controller.Snapshot().State)
	login, refresh, _ := h.api.calls()
	assert.Zero(t, login+refresh)
	assert.Empty(t, h.store.Token(ctx))
}

func TestController_LogoutIsTotal(t *testing.T) {
	ctx := context.Background()

	t.Run("while locked out", func(t *testing.T) {
		h := newHarness(t)
		h.controller.Start(ctx)
		for i := 0; i < DefaultMaxAttempts; i++ {
			_, _ = h.controller.Login(ctx, "a@b.com", "wrong")
		}
		require.Equal(t, StateLockedOut, h.controller.Snapshot().State)

		h.controller.Logout(ctx)

		snapshot := h.controller.Snapshot()
		assert.Equal(t, StateAnonymous, snapshot.State)
		assert.Zero(t, snapshot.LoginAttempts)
		assert.False(t, snapshot.IsLocked)
		assert.Empty(t, snapshot.Errors)
		assert.Equal(t, models.Lockout{}, h.store.Lockout(ctx))
		assert.Zero(t, h.clock.Pending())
	})

	t.Run("remote failure still clears", func(t *testing.T) {
		h := newHarness(t)
		h.api.session = h.session(t, time.Hour)
		h.api.logoutErr = errors.New("offline")
		h.controller.Start(ctx)
		_, err := h.controller.Login(ctx, "a@b.com", "correct-horse")
		require.NoError(t, err)

		h.controller.Logout(ctx)
		h.controller.Logout(ctx)

		snapshot := h.controller.Snapshot()
		assert.False(t, snapshot.IsAuthenticated)
		assert.Nil(t, snapshot.User)
		assert.Empty(t, h.store.Token(ctx))
		assert.Empty(t, h.store.RefreshToken(ctx))
		assert.Nil(t, h.store.User(ctx))
		assert.Zero(t, h.clock.Pending())
		_, _, logout := h.api.calls()
		assert.Equal(t, 2, logout)
	})
}

func TestController_Signup(t *testing.T) {
	ctx := context.Background()
	active := true

	t.Run("merges profile and authenticates", func(t *testing.T) {
		h := newHarness(t)
		result := h.session(t, time.Hour)
		result.DBUser = &models.Profile{TenantID: "t1", Phone: "555", IsActive: &active}
		h.api.registerResult = result

		user, err := h.controller.Signup(ctx, models.SignupRequest{Email: "a@b.com", Password: "long-enough"})
		require.NoError(t, err)
		assert.Equal(t, "t1", user.TenantID)
		assert.Equal(t, "555", user.Phone)
		assert.Equal(t, StateAuthenticated, h.controller.Snapshot().State)
		assert.Equal(t, "t1", h.store.User(ctx).TenantID)
	})

	t.Run("pending confirmation stays anonymous", func(t *testing.T) {
		h := newHarness(t)
		h.api.registerResult = models.AuthResult{User: models.User{ID: "u2", Email: "c@d.com"}}

		user, err := h.controller.Signup(ctx, models.SignupRequest{Email: "c@d.com", Password: "long-enough"})
		require.NoError(t, err)
		assert.Equal(t, "u2", user.ID)
		assert.Equal(t, StateAnonymous, h.controller.Snapshot().State)
		assert.Empty(t, h.store.Token(ctx))
	})

	t.Run("failure leaves lockout alone", func(t *testing.T) {
		h := newHarness(t)
		h.api.registerErr = errors.New("User already registered")

		_, err := h.controller.Signup(ctx, models.SignupRequest{Email: "a@b.com", Password: "long-enough"})
		require.EqualError(t, err, "User already registered")

		snapshot := h.controller.Snapshot()
		assert.Zero(t, snapshot.LoginAttempts)
		require.Len(t, snapshot.Errors, 1)
		assert.Equal(t, "User already registered", snapshot.Errors[0].Message)
	})
}

func TestController_RefreshSessionReturnsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := h.controller.RefreshSession(ctx)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	h.store.SetToken(ctx, h.mint(t, "u1", time.Hour))
	result = h.controller.RefreshSession(ctx)
	assert.True(t, result.Success)
	require.NotNil(t, result.User)
	assert.Equal(t, "u1", result.User.ID)
}

func TestController_ProfileRequiresSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.controller.Profile(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.ErrorIs(t, h.controller.ChangePassword(ctx, "old", "new-password"), ErrNotAuthenticated)

	h.store.SetToken(ctx, h.mint(t, "u1", time.Hour))
	h.controller.Start(ctx)
	h.api.profile = models.User{ID: "u1", Email: "a@b.com", FirstName: "Ana"}

	name := "Bea"
	user, err := h.controller.UpdateProfile(ctx, models.ProfileUpdate{FirstName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Bea", user.FirstName)
	assert.Equal(t, "Bea", h.controller.Snapshot().User.FirstName)
	assert.Equal(t, "Bea", h.store.User(ctx).FirstName)
}

func TestController_FollowsExternalLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetToken(ctx, h.mint(t, "u1", time.Hour))
	h.controller.Start(ctx)
	require.Equal(t, StateAuthenticated, h.controller.Snapshot().State)

	h.store.ClearAll(ctx)
	h.store.HandleExternalChange(store.KeyAccessToken)

	assert.Equal(t, StateAnonymous, h.controller.Snapshot().State)
	assert.Zero(t, h.clock.Pending())
}

func TestController_SubscribeReceivesSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var states []State
	unsubscribe := h.controller.Subscribe(func(s Snapshot) { states = append(states, s.State) })

	h.api.session = h.session(t, time.Hour)
	_, err := h.controller.Login(ctx, "a@b.com", "correct-horse")
	require.NoError(t, err)
	unsubscribe()
	h.controller.Logout(ctx)

	assert.Contains(t, states, StateAuthenticating)
	assert.Equal(t, StateAuthenticated, states[len(states)-1])
}

func TestController_LogoutWithCancelledContextClearsStore(t *testing.T) {
	medium := sqliteMedium(t)
	h := newHarnessOver(t, medium)
	h.api.session = h.session(t, time.Hour)
	h.controller.Start(context.Background())
	_, err := h.controller.Login(context.Background(), "a@b.com", "correct-horse")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.controller.Logout(ctx)

	background := context.Background()
	assert.False(t, h.controller.Snapshot().IsAuthenticated)
	assert.Empty(t, h.store.Token(background))
	assert.Empty(t, h.store.RefreshToken(background))
	assert.Nil(t, h.store.User(background))

	restarted := newHarnessOver(t, medium)
	restarted.controller.Start(background)
	assert.Equal(t, StateAnonymous, restarted.controller.Snapshot().State)
}

func TestController_AbortedLoginKeepsAttempts(t *testing.T) {
	h := newHarness(t)
	h.api.session = h.session(t, time.Hour)
	h.controller.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.controller.Login(ctx, "a@b.com", "correct-horse")
	require.ErrorIs(t, err, context.Canceled)

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateAnonymous, snapshot.State)
	assert.Zero(t, snapshot.LoginAttempts)
	assert.Equal(t, models.Lockout{}, h.store.Lockout(context.Background()))
}

func TestController_RefreshFinishingAfterLogoutIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetToken(ctx, h.mint(t, "u1", 10*time.Minute))
	h.store.SetRefreshToken(ctx, h.mint(t, "u1", 24*time.Hour))
	h.api.refreshResult = h.session(t, time.Hour)
	h.controller.Start(ctx)
	require.Equal(t, StateAuthenticated, h.controller.Snapshot().State)

	entered, release := make(chan struct{}), make(chan struct{})
	h.api.mu.Lock()
	h.api.refreshEntered, h.api.refreshRelease = entered, release
	h.api.mu.Unlock()

	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		h.clock.Advance(DefaultCheckInterval)
	}()

	<-entered
	h.controller.Logout(ctx)
	close(release)
	<-ticked

	snapshot := h.controller.Snapshot()
	assert.Equal(t, StateAnonymous, snapshot.State)
	assert.Nil(t, snapshot.User)
	assert.Empty(t, snapshot.Errors)
	assert.Empty(t, h.store.Token(ctx))
	assert.Empty(t, h.store.RefreshToken(ctx))
	assert.Zero(t, h.clock.Pending())
	assert.Zero(t, h.expired)
}
