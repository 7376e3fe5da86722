package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roluatm/kiosk/internal/config"
	"github.com/roluatm/kiosk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrateSQLiteFile(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "nested", "kiosk.db")

	db, err := Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, LogLevel: "silent", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})

	require.NoError(t, AutoMigrate(db))
	require.NoError(t, AutoMigrate(db), "重复迁移应当幂等")

	for _, m := range models.All() {
		assert.True(t, db.Migrator().HasTable(m))
	}
	assert.True(t, db.Migrator().HasIndex(&models.Settlement{}, "idx_settlements_due"))

	_, err = os.Stat(dsn + ".migration.lock")
	assert.True(t, os.IsNotExist(err), "迁移完成后释放锁")

	require.NoError(t, Ping(context.Background(), db))
	require.NoError(t, DropAllTables(db))
	assert.False(t, db.Migrator().HasTable(&models.Withdrawal{}))
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestMigrationLockContention(t *testing.T) {
	old := lockRetryDelay
	lockRetryDelay = time.Millisecond
	defer func() { lockRetryDelay = old }()

	path := filepath.Join(t.TempDir(), "kiosk.db")
	held, err := acquireMigrationLock(path)
	require.NoError(t, err)

	_, err = acquireMigrationLock(path)
	assert.Error(t, err, "锁被占用时获取失败")

	releaseMigrationLock(held)
	again, err := acquireMigrationLock(path)
	require.NoError(t, err)
	releaseMigrationLock(again)
}

func TestPingNil(t *testing.T) {
	assert.Error(t, Ping(context.Background(), nil))
}
