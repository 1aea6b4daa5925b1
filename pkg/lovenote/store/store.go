// Package store persists channel configs. It is the lookup the setup flow
// and the dispatcher use to find a user's config for one platform; the core
// itself never writes to it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver.
	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Record is one stored channel config.
type Record struct {
	UserID   string            `db:"user_id" json:"user_id"`
	Platform channels.Platform `db:"platform" json:"platform"`
	channels.Config
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Identity returns the record key.
func (r Record) Identity() channels.Identity {
	return channels.NewIdentity(r.UserID, r.Platform)
}

// Store is a SQL-backed channel config table.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to driver/dsn and verifies the connection. For SQLite the
// dsn is a file path; its directory is created and WAL mode is enabled
// unless the dsn already carries options.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "./data/lovenote.db"
		}
		if !strings.Contains(dsn, "?") {
			if dir := filepath.Dir(dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("store: create database directory %q: %w", dir, err)
				}
			}
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, errors.New("store: postgres requires a dsn")
		}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer avoids SQLITE_BUSY under concurrent upserts.
		db.SetMaxOpenConns(1)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store"), now: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS channel_configs (
	user_id      TEXT      NOT NULL,
	platform     TEXT      NOT NULL,
	token        TEXT      NOT NULL DEFAULT '',
	session_dir  TEXT      NOT NULL DEFAULT '',
	phone_number TEXT      NOT NULL DEFAULT '',
	enabled      BOOLEAN   NOT NULL DEFAULT TRUE,
	updated_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, platform)
)`

// Migrate creates the schema if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const selectColumns = `SELECT user_id, platform, token, session_dir, phone_number, enabled, updated_at FROM channel_configs`

// FindChannelConfig returns the config of id, or an error wrapping
// channels.ErrNotFound.
func (s *Store) FindChannelConfig(ctx context.Context, id channels.Identity) (channels.Config, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return channels.Config{}, err
	}
	return rec.Config, nil
}

// Get returns the full record of id.
func (s *Store) Get(ctx context.Context, id channels.Identity) (Record, error) {
	var rec Record
	query := s.db.Rebind(selectColumns + ` WHERE user_id = ? AND platform = ?`)
	err := s.db.GetContext(ctx, &rec, query, id.UserID, string(id.Platform))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: no config for %s", channels.ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: find %s: %w", id, err)
	}
	return rec, nil
}

// SaveChannelConfig inserts or replaces the config of id.
func (s *Store) SaveChannelConfig(ctx context.Context, id channels.Identity, cfg channels.Config) error {
	if err := id.Validate(); err != nil {
		return err
	}
	query := s.db.Rebind(`
INSERT INTO channel_configs (user_id, platform, token, session_dir, phone_number, enabled, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, platform) DO UPDATE SET
	token = excluded.token,
	session_dir = excluded.session_dir,
	phone_number = excluded.phone_number,
	enabled = excluded.enabled,
	updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		id.UserID, string(id.Platform), cfg.Token, cfg.SessionDir, cfg.PhoneNumber, cfg.Enabled, s.now().UTC())
	if err != nil {
		return fmt.Errorf("store: save %s: %w", id, err)
	}
	s.logger.Debug("channel config saved", id.LogAttrs()...)
	return nil
}

// DeleteChannelConfig removes the config of id. Deleting a missing config
// returns an error wrapping channels.ErrNotFound.
func (s *Store) DeleteChannelConfig(ctx context.Context, id channels.Identity) error {
	query := s.db.Rebind(`DELETE FROM channel_configs WHERE user_id = ? AND platform = ?`)
	res, err := s.db.ExecContext(ctx, query, id.UserID, string(id.Platform))
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no config for %s", channels.ErrNotFound, id)
	}
	s.logger.Debug("channel config deleted", id.LogAttrs()...)
	return nil
}

// List returns the configs of userID, or of every user when userID is
// empty, ordered by user and platform.
func (s *Store) List(ctx context.Context, userID string) ([]Record, error) {
	query := selectColumns
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query = s.db.Rebind(query + ` ORDER BY user_id, platform`)

	var recs []Record
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return recs, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.db.Close()
}
