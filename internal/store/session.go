package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"loyalty-session/internal/models"
	"loyalty-session/internal/observability"
	"loyalty-session/internal/token"
)

const (
	KeyAccessToken  = "auth_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyLockout      = "login_lockout"
	KeyLastActivity = "last_activity"
	KeyTokenExpiry  = "token_expiry"
)

var ownedKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUser,
	KeyLockout,
	KeyLastActivity,
	KeyTokenExpiry,
}

// Publisher tells other instances sharing the medium that a key changed.
type Publisher interface {
	Publish(ctx context.Context, key string) error
}

// lockoutRecord is the persisted lockout shape; lockoutTime is epoch millis.
type lockoutRecord struct {
	Attempts    int    `json:"attempts"`
	IsLocked    bool   `json:"isLocked"`
	LockoutTime *int64 `json:"lockoutTime"`
}

// SessionStore is the typed view over a Medium. Medium and serialization
// failures are logged and swallowed: getters return zero values and setters
// become no-ops, so a storage outage only ever forces a later re-login.
type SessionStore struct {
	medium    Medium
	validator *token.Validator
	logger    *observability.Logger
	publisher Publisher
	now       func() time.Time

	mu        sync.Mutex
	listeners map[int]func(key string)
	nextID    int
}

type Option func(*SessionStore)

func WithPublisher(p Publisher) Option {
	return func(s *SessionStore) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSessionStore(medium Medium, validator *token.Validator, logger *observability.Logger, opts ...Option) *SessionStore {
	if validator == nil {
		validator = token.NewValidator()
	}
	s := &SessionStore{
		medium:    medium,
		validator: validator,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) SetToken(ctx context.Context, raw string) {
	if !s.write(ctx, KeyAccessToken, raw) {
		return
	}
	if expiry, ok := s.validator.Expiry(raw); ok {
		s.write(ctx, KeyTokenExpiry, strconv.FormatInt(expiry.UnixMilli(), 10))
	} else {
		s.remove(ctx, KeyTokenExpiry)
	}
	s.touch(ctx)
}

func (s *SessionStore) Token(ctx context.Context) string {
	value, _ := s.read(ctx, KeyAccessToken)
	return value
}

func (s *SessionStore) RemoveToken(ctx context.Context) {
	s.remove(ctx, KeyAccessToken)
	s.remove(ctx, KeyTokenExpiry)
}

func (s *SessionStore) SetRefreshToken(ctx context.Context, raw string) {
	if s.write(ctx, KeyRefreshToken, raw) {
		s.touch(ctx)
	}
}

func (s *SessionStore) RefreshToken(ctx context.Context) string {
	value, _ := s.read(ctx, KeyRefreshToken)
	return value
}

func (s *SessionStore) RemoveRefreshToken(ctx context.Context) {
	s.remove(ctx, KeyRefreshToken)
}

func (s *SessionStore) SetUser(ctx context.Context, user *models.User) {
	if user == nil {
		s.RemoveUser(ctx)
		return
	}
	encoded, err := json.Marshal(user)
	if err != nil {
		s.logFailure("session_store_encode_failed", KeyUser, err)
		return
	}
	if s.write(ctx, KeyUser, string(encoded)) {
		s.touch(ctx)
	}
}

func (s *SessionStore) User(ctx context.Context) *models.User {
	value, ok := s.read(ctx, KeyUser)
	if !ok {
		return nil
	}
	var user models.User
	if err := json.Unmarshal([]byte(value), &user); err != nil {
		s.logFailure("session_store_decode_failed", KeyUser, err)
		return nil
	}
	return &user
}

func (s *SessionStore) RemoveUser(ctx context.Context) {
	s.remove(ctx, KeyUser)
}

func (s *SessionStore) Lockout(ctx context.Context) models.Lockout {
	value, ok := s.read(ctx, KeyLockout)
	if !ok {
		return models.Lockout{}
	}
	var record lockoutRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		s.logFailure("session_store_decode_failed", KeyLockout, err)
		return models.Lockout{}
	}
	lockout := models.Lockout{Attempts: record.Attempts, IsLocked: record.IsLocked}
	if record.LockoutTime != nil {
		startedAt := time.UnixMilli(*record.LockoutTime).UTC()
		lockout.StartedAt = &startedAt
	}
	return lockout
}

func (s *SessionStore) SetLockout(ctx context.Context, lockout models.Lockout) {
	record := lockoutRecord{Attempts: lockout.Attempts, IsLocked: lockout.IsLocked}
	if lockout.StartedAt != nil {
		millis := lockout.StartedAt.UnixMilli()
		record.LockoutTime = &millis
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		s.logFailure("session_store_encode_failed", KeyLockout, err)
		return
	}
	s.write(ctx, KeyLockout, string(encoded))
}

func (s *SessionStore) RemoveLockout(ctx context.Context) {
	s.remove(ctx, KeyLockout)
}

// LastActivity is informational; zero when never written.
func (s *SessionStore) LastActivity(ctx context.Context) time.Time {
	return s.readMillis(ctx, KeyLastActivity)
}

// TokenExpiry is the denormalized access-token expiry; zero when unknown.
func (s *SessionStore) TokenExpiry(ctx context.Context) time.Time {
	return s.readMillis(ctx, KeyTokenExpiry)
}

// HasValidSession reports whether either stored token is still valid.
func (s *SessionStore) HasValidSession(ctx context.Context) bool {
	return s.validator.IsValid(s.Token(ctx)) || s.validator.IsValid(s.RefreshToken(ctx))
}

// ClearAll removes every key the store owns. It never fails.
func (s *SessionStore) ClearAll(ctx context.Context) {
	for _, key := range ownedKeys {
		s.remove(ctx, key)
	}
}

// Subscribe registers fn for changes made by other instances. The returned
// func unregisters it.
func (s *SessionStore) Subscribe(fn func(key string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// HandleExternalChange fans an external change out to subscribers.
func (s *SessionStore) HandleExternalChange(key string) {
	s.mu.Lock()
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(key)
	}
}

func (s *SessionStore) read(ctx context.Context, key string) (string, bool) {
	value, ok, err := s.medium.Get(ctx, key)
	if err != nil {
		s.logFailure("session_store_read_failed", key, err)
		return "", false
	}
	return value, ok
}

func (s *SessionStore) readMillis(ctx context.Context, key string) time.Time {
	value, ok := s.read(ctx, key)
	if !ok {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		s.logFailure("session_store_decode_failed", key, err)
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

func (s *SessionStore) write(ctx context.Context, key, value string) bool {
	if err := s.medium.Set(ctx, key, value); err != nil {
		s.logFailure("session_store_write_failed", key, err)
		return false
	}
	s.publish(ctx, key)
	return true
}

func (s *SessionStore) remove(ctx context.Context, key string) {
	if err := s.medium.Delete(ctx, key); err != nil {
		s.logFailure("session_store_delete_failed", key, err)
		return
	}
	s.publish(ctx, key)
}

func (s *SessionStore) touch(ctx context.Context) {
	s.write(ctx, KeyLastActivity, strconv.FormatInt(s.now().UnixMilli(), 10))
}

func (s *SessionStore) publish(ctx context.Context, key string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, key); err != nil {
		s.logger.Warn("session_change_publish_failed", map[string]any{"key": key, "error": err.Error()})
	}
}

func (s *SessionStore) logFailure(message, key string, err error) {
	s.logger.Error(message, map[string]any{"key": key, "error": err.Error()})
}
