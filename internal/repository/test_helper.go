package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/roluatm/kiosk/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 创建测试数据库（每个测试独立的内存库）
func TestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 自动迁移所有模型
	require.NoError(t, db.AutoMigrate(models.All()...))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// CreateTestWithdrawal 创建测试取款流水
func CreateTestWithdrawal(sessionID string, coins int, status models.WithdrawalStatus) *models.Withdrawal {
	return &models.Withdrawal{
		SessionID: sessionID,
		KioskID:   "kiosk-test",
		Coins:     coins,
		AmountUSD: float64(coins) / 4,
		Status:    status,
	}
}

// CreateTestSettlement 创建测试结算记录
func CreateTestSettlement(withdrawalID string, coins int, next time.Time) *models.Settlement {
	return &models.Settlement{
		WithdrawalID:   withdrawalID,
		SessionID:      "session-" + withdrawalID,
		KioskID:        "kiosk-test",
		CoinsDispensed: coins,
		DispensedAt:    next,
		NextAttemptAt:  next,
	}
}
