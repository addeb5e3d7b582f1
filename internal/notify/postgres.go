package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"loyalty-session/internal/observability"
)

const DefaultChannel = "loyalty_session_changed"

// Postgres broadcasts through LISTEN/NOTIFY on the database that already
// holds the session rows.
type Postgres struct {
	db          *sql.DB
	databaseURL string
	channel     string
	origin      origin
	retry       time.Duration
	logger      *observability.Logger
}

func NewPostgres(database *sql.DB, databaseURL, channel string, logger *observability.Logger) *Postgres {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Postgres{
		db:          database,
		databaseURL: databaseURL,
		channel:     channel,
		origin:      newOrigin(),
		retry:       5 * time.Second,
		logger:      logger,
	}
}

func (p *Postgres) Publish(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, p.origin.encode(key)); err != nil {
		return fmt.Errorf("notify %s: %w", p.channel, err)
	}
	return nil
}

// Listen holds a dedicated connection and reconnects after failures until
// ctx is cancelled.
func (p *Postgres) Listen(ctx context.Context, fn func(key string)) error {
	for {
		err := p.listenOnce(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("listener connection closed")
		}
		p.logger.Warn("session_listener_reconnecting", map[string]any{
			"channel": p.channel,
			"error":   err.Error(),
			"retry":   p.retry.String(),
		})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.retry):
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context, fn func(key string)) error {
	conn, err := pgx.Connect(ctx, p.databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", p.channel, err)
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if key, external := p.origin.decode(notification.Payload); external {
			fn(key)
		}
	}
}

func (p *Postgres) Close() error { return nil }
