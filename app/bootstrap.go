package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"loyalty-session/internal/auth"
	"loyalty-session/internal/authapi"
	"loyalty-session/internal/config"
	"loyalty-session/internal/db"
	"loyalty-session/internal/httpapi"
	"loyalty-session/internal/notify"
	"loyalty-session/internal/observability"
	"loyalty-session/internal/schedule"
	"loyalty-session/internal/store"
	"loyalty-session/internal/token"
)

type Options struct {
	LoadDotEnv bool
	// Config overrides the environment when set.
	Config *config.Config
	// Listen follows session changes made by other processes.
	Listen bool
	Logger *observability.Logger
}

type Runtime struct {
	Config     *config.Config
	Logger     *observability.Logger
	Handler    http.Handler
	Controller *auth.Controller
	Sessions   *store.SessionStore
	Close      func() error
}

func Build(options Options) (*Runtime, error) {
	cfg := options.Config
	if cfg == nil {
		loaded, err := config.Load(options.LoadDotEnv)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := options.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}
	logger = logger.With(map[string]any{"profile": cfg.Profile})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	medium, database, err := openMedium(cfg)
	if err != nil {
		return nil, err
	}
	closeDatabase := func() error {
		if database == nil {
			return nil
		}
		return database.Close()
	}

	if cfg.EncryptionKey != "" {
		sealed, err := store.NewSealed(medium, cfg.EncryptionKey)
		if err != nil {
			_ = closeDatabase()
			return nil, fmt.Errorf("seal session medium: %w", err)
		}
		medium = sealed
	}

	notifier, err := openNotifier(cfg, database, logger)
	if err != nil {
		_ = closeDatabase()
		return nil, err
	}

	validator := token.NewValidator(
		token.WithGrace(cfg.TokenExpiryGrace),
		token.WithRefreshThreshold(cfg.TokenRefreshThreshold),
	)
	sessions := store.NewSessionStore(medium, validator, logger, store.WithPublisher(notifier))

	client, err := authapi.NewClient(cfg.AuthAPIURL, cfg.AuthAPITimeout)
	if err != nil {
		_ = notifier.Close()
		_ = closeDatabase()
		return nil, fmt.Errorf("init auth api client: %w", err)
	}
	client.WithTokenSource(sessions.Token)

	metrics := observability.NewMetrics()
	controller, err := auth.NewController(auth.Options{
		Store:     sessions,
		API:       client,
		Validator: validator,
		Scheduler: schedule.NewReal(),
		Logger:    logger,
		Metrics:   metrics,
		Config: auth.Config{
			MaxAttempts:     cfg.MaxLoginAttempts,
			LockoutDuration: cfg.LockoutDuration,
			CheckInterval:   cfg.SessionCheckInterval,
		},
		OnSessionExpired: func() {
			logger.Warn("session_expired", nil)
		},
	})
	if err != nil {
		_ = notifier.Close()
		_ = closeDatabase()
		return nil, fmt.Errorf("init session controller: %w", err)
	}

	listenCtx, stopListening := context.WithCancel(context.Background())
	var listening sync.WaitGroup
	if options.Listen {
		listening.Add(1)
		go func() {
			defer listening.Done()
			if err := notifier.Listen(listenCtx, sessions.HandleExternalChange); err != nil {
				logger.Error("session_listener_failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	var ping func(ctx context.Context) error
	if database != nil {
		ping = database.PingContext
	}
	handler := httpapi.NewRouter(httpapi.RouterOptions{
		Controller: controller,
		Logger:     logger,
		Metrics:    metrics,
		Limiter:    httpapi.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow),
		Ping:       ping,
	})

	var closeOnce sync.Once
	var closeErr error
	return &Runtime{
		Config:     cfg,
		Logger:     logger,
		Handler:    handler,
		Controller: controller,
		Sessions:   sessions,
		Close: func() error {
			closeOnce.Do(func() {
				stopListening()
				listening.Wait()
				controller.Close()
				observability.FlushSentry()
				closeErr = errors.Join(notifier.Close(), closeDatabase())
			})
			return closeErr
		},
	}, nil
}

func openMedium(cfg *config.Config) (store.Medium, *sql.DB, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil, nil
	case config.StoreSQLite:
		database, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(database, db.SQLite); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return store.NewSQL(database, db.SQLite, cfg.Profile), database, nil
	case config.StorePostgres:
		database, err := db.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(database, db.Postgres); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return store.NewSQL(database, db.Postgres, cfg.Profile), database, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store %q", cfg.Store)
	}
}

func openNotifier(cfg *config.Config, database *sql.DB, logger *observability.Logger) (notify.Notifier, error) {
	switch cfg.ResolvedNotifier() {
	case config.NotifierFile:
		return notify.NewFile(cfg.SQLitePath), nil
	case config.NotifierPostgres:
		if database == nil {
			return nil, errors.New("postgres notifier requires the postgres session store")
		}
		return notify.NewPostgres(database, cfg.DatabaseURL, notify.DefaultChannel, logger), nil
	case config.NotifierNATS:
		notifier, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		return notifier, nil
	default:
		return notify.None{}, nil
	}
}
