package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateAppliesEveryStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"reservations", "reservation_history", "reservation_quotas"} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table + " (")).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("access denied")
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS reservations (")).
		WillReturnError(boom)

	err = Migrate(context.Background(), db)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	dsn := DSN("app", "s3cret", "db.internal", "3306", "reservations")

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "s3cret", cfg.Passwd)
	assert.Equal(t, "db.internal:3306", cfg.Addr)
	assert.Equal(t, "reservations", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestDSNWithoutPassword(t *testing.T) {
	cfg, err := mysql.ParseDSN(DSN("app", "", "localhost", "3306", "reservations"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Passwd)
	assert.Equal(t, "app", cfg.User)
}
