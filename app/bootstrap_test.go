package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-session/internal/auth"
	"loyalty-session/internal/config"
	"loyalty-session/internal/observability"
)

func testConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	return &config.Config{
		AppEnv:                "test",
		AuthAPIURL:            "http://127.0.0.1:1",
		AuthAPITimeout:        time.Second,
		Store:                 store,
		SQLitePath:            filepath.Join(t.TempDir(), "session.db"),
		Profile:               "default",
		Notifier:              config.NotifierAuto,
		MaxLoginAttempts:      5,
		LockoutDuration:       15 * time.Minute,
		TokenExpiryGrace:      30 * time.Second,
		TokenRefreshThreshold: 15 * time.Minute,
		SessionCheckInterval:  30 * time.Second,
		LoginRateLimitMax:     10,
		LoginRateLimitWindow:  time.Minute,
	}
}

func TestBuild_MemoryStore(t *testing.T) {
	var logs bytes.Buffer
	runtime, err := Build(Options{
		Config: testConfig(t, config.StoreMemory),
		Listen: true,
		Logger: observability.NewLoggerTo(&logs),
	})
	require.NoError(t, err)

	runtime.Controller.Start(context.Background())
	assert.Equal(t, auth.StateAnonymous, runtime.Controller.Snapshot().State)

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_authenticated")

	require.NoError(t, runtime.Close())
	require.NoError(t, runtime.Close())
	assert.Contains(t, logs.String(), `"profile":"default"`)
}

func TestBuild_SealedSQLiteStore(t *testing.T) {
	cfg := testConfig(t, config.StoreSQLite)
	cfg.EncryptionKey = "0123456789abcdef0123456789abcdef"

	runtime, err := Build(Options{Config: cfg, Listen: true, Logger: observability.NewLoggerTo(&bytes.Buffer{})})
	require.NoError(t, err)
	defer runtime.Close()

	ctx := context.Background()
	runtime.Sessions.SetRefreshToken(ctx, "opaque-refresh")
	assert.Equal(t, "opaque-refresh", runtime.Sessions.RefreshToken(ctx))

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_RejectsBadAuthURL(t *testing.T) {
	cfg := testConfig(t, config.StoreMemory)
	cfg.AuthAPIURL = "ftp://auth.example.com"

	_, err := Build(Options{Config: cfg, Logger: observability.NewLoggerTo(&bytes.Buffer{})})
	assert.Error(t, err)
}
