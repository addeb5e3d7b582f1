package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	NotifierAuto     = "auto"
	NotifierNone     = "none"
	NotifierFile     = "file"
	NotifierPostgres = "postgres"
	NotifierNATS     = "nats"

	minEncryptionKeyLength = 32
)

type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	Port      string `env:"PORT" envDefault:"8080"`
	SentryDSN string `env:"SENTRY_DSN"`

	AuthAPIURL     string        `env:"AUTH_API_URL"`
	AuthAPITimeout time.Duration `env:"AUTH_API_TIMEOUT" envDefault:"15s"`

	Store         string `env:"SESSION_STORE" envDefault:"sqlite"`
	SQLitePath    string `env:"SESSION_SQLITE_PATH" envDefault:"./data/session.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	Profile       string `env:"SESSION_PROFILE" envDefault:"default"`
	EncryptionKey string `env:"SESSION_ENCRYPTION_KEY"`

	Notifier    string `env:"SESSION_NOTIFIER" envDefault:"auto"`
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"SESSION_NATS_SUBJECT" envDefault:"loyalty.session.changed"`

	MaxLoginAttempts      int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LockoutDuration       time.Duration `env:"LOGIN_LOCKOUT" envDefault:"15m"`
	TokenExpiryGrace      time.Duration `env:"TOKEN_EXPIRY_GRACE" envDefault:"30s"`
	TokenRefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD" envDefault:"15m"`
	SessionCheckInterval  time.Duration `env:"SESSION_CHECK_INTERVAL" envDefault:"30s"`

	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load reads an optional .env file, then the environment.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.AuthAPIURL = strings.TrimSpace(c.AuthAPIURL)
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.Notifier = strings.ToLower(strings.TrimSpace(c.Notifier))
	c.Profile = strings.TrimSpace(c.Profile)
}

func (c *Config) Validate() error {
	var errs []error

	if c.AuthAPIURL == "" {
		errs = append(errs, errors.New("missing required env: AUTH_API_URL"))
	}

	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("missing required env: DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_STORE %q", c.Store))
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) < minEncryptionKeyLength {
		errs = append(errs, fmt.Errorf("SESSION_ENCRYPTION_KEY must be at least %d characters", minEncryptionKeyLength))
	}

	switch c.Notifier {
	case NotifierAuto, NotifierNone:
	case NotifierFile:
		if c.Store != StoreSQLite {
			errs = append(errs, errors.New("SESSION_NOTIFIER=file requires SESSION_STORE=sqlite"))
		}
	case NotifierPostgres:
		if c.Store != StorePostgres {
			errs = append(errs, errors.New("SESSION_NOTIFIER=postgres requires SESSION_STORE=postgres"))
		}
	case NotifierNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("missing required env: NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SESSION_NOTIFIER %q", c.Notifier))
	}

	if c.MaxLoginAttempts <= 0 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"LOGIN_LOCKOUT":           c.LockoutDuration,
		"TOKEN_REFRESH_THRESHOLD": c.TokenRefreshThreshold,
		"SESSION_CHECK_INTERVAL":  c.SessionCheckInterval,
		"LOGIN_RATE_LIMIT_WINDOW": c.LoginRateLimitWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.TokenExpiryGrace < 0 {
		errs = append(errs, errors.New("TOKEN_EXPIRY_GRACE must not be negative"))
	}
	if c.LoginRateLimitMax <= 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT_MAX must be positive"))
	}

	return errors.Join(errs...)
}

// ResolvedNotifier maps "auto" onto the notifier that matches the store.
func (c *Config) ResolvedNotifier() string {
	if c.Notifier != NotifierAuto {
		return c.Notifier
	}
	switch {
	case c.NATSURL != "":
		return NotifierNATS
	case c.Store == StorePostgres:
		return NotifierPostgres
	case c.Store == StoreSQLite:
		return NotifierFile
	default:
		return NotifierNone
	}
}

func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}
