package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyalty-session/internal/db"
)

// SQL keeps one row per key in session_kv, scoped to a namespace so several
// device profiles can share one database.
type SQL struct {
	db        *sql.DB
	namespace string

	getQuery    string
	upsertQuery string
	deleteQuery string
	updatedAt   func(time.Time) any
}

func NewSQL(database *sql.DB, dialect db.Dialect, namespace string) *SQL {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "default"
	}

	s := &SQL{
		db:        database,
		namespace: namespace,
		getQuery: dialect.Rebind(`
			SELECT value
			FROM session_kv
			WHERE namespace = ? AND key = ?
		`),
		upsertQuery: dialect.Rebind(`
			INSERT INTO session_kv (namespace, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (namespace, key)
			DO UPDATE SET
				value = EXCLUDED.value,
				updated_at = EXCLUDED.updated_at
		`),
		deleteQuery: dialect.Rebind(`
			DELETE FROM session_kv
			WHERE namespace = ? AND key = ?
		`),
	}

	if dialect == db.Postgres {
		s.updatedAt = func(t time.Time) any { return t.UTC() }
	} else {
		s.updatedAt = func(t time.Time) any { return t.UTC().UnixMilli() }
	}
	return s
}

func (s *SQL) Namespace() string {
	return s.namespace
}

func (s *SQL) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.getQuery, s.namespace, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query session key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQL) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.upsertQuery, s.namespace, key, value, s.updatedAt(time.Now())); err != nil {
		return fmt.Errorf("upsert session key %s: %w", key, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery, s.namespace, key); err != nil {
		return fmt.Errorf("delete session key %s: %w", key, err)
	}
	return nil
}
