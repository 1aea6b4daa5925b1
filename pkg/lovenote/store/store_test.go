package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovenote/lovenote/pkg/lovenote/channels"
)

var (
	alice    = channels.NewIdentity("alice", channels.PlatformTelegram)
	fixedNow = time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	columns  = []string{"user_id", "platform", "token", "session_dir", "phone_number", "enabled", "updated_at"}
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewWithDB(sqlx.NewDb(db, DriverSQLite), nil)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestFindChannelConfig(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectColumns + ` WHERE user_id = ? AND platform = ?`)).
		WithArgs("alice", "telegram").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("alice", "telegram", "123:abc", "", "", true, fixedNow))

	cfg, err := s.FindChannelConfig(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, channels.Config{Token: "123:abc", Enabled: true}, cfg)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindChannelConfigNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectColumns)).
		WithArgs("alice", "telegram").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindChannelConfig(context.Background(), alice)
	assert.ErrorIs(t, err, channels.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindChannelConfigDriverError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectColumns)).WillReturnError(errors.New("disk I/O error"))

	_, err := s.FindChannelConfig(context.Background(), alice)
	require.Error(t, err)
	assert.NotErrorIs(t, err, channels.ErrNotFound)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestSaveChannelConfig(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO channel_configs")).
		WithArgs("alice", "telegram", "123:abc", "", "", true, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveChannelConfig(context.Background(), alice, channels.Config{Token: "123:abc", Enabled: true}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRejectsInvalidIdentity(t *testing.T) {
	s, mock := newMock(t)
	err := s.SaveChannelConfig(context.Background(), channels.NewIdentity("", channels.PlatformTelegram), channels.Config{})
	assert.ErrorIs(t, err, channels.ErrConfigurationInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteChannelConfig(t *testing.T) {
	s, mock := newMock(t)
	del := regexp.QuoteMeta(`DELETE FROM channel_configs WHERE user_id = ? AND platform = ?`)
	mock.ExpectExec(del).WithArgs("alice", "telegram").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(del).WithArgs("alice", "telegram").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeleteChannelConfig(context.Background(), alice))
	assert.ErrorIs(t, s.DeleteChannelConfig(context.Background(), alice), channels.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(sqlx.NewDb(db, DriverPostgres), nil)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE user_id = $1 AND platform = $2`)).
		WithArgs("alice", "telegram").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("alice", "telegram", "t", "", "", true, fixedNow))

	_, err = s.FindChannelConfig(context.Background(), alice)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), DriverPostgres, "", nil)
	assert.Error(t, err)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "nested", "lovenote.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate is idempotent")

	wa := channels.NewIdentity("alice", channels.PlatformWhatsApp)
	require.NoError(t, s.SaveChannelConfig(ctx, alice, channels.Config{Token: "v1", Enabled: true}))
	require.NoError(t, s.SaveChannelConfig(ctx, alice, channels.Config{Token: "v2", Enabled: false}))
	require.NoError(t, s.SaveChannelConfig(ctx, wa, channels.Config{PhoneNumber: "5511999999999", Enabled: true}))

	cfg, err := s.FindChannelConfig(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, channels.Config{Token: "v2"}, cfg, "upsert replaces the row")

	recs, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, channels.PlatformTelegram, recs[0].Platform)
	assert.Equal(t, wa, recs[1].Identity())
	assert.False(t, recs[1].UpdatedAt.IsZero())

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteChannelConfig(ctx, alice))
	_, err = s.FindChannelConfig(ctx, alice)
	assert.ErrorIs(t, err, channels.ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}
