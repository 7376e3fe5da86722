package database

import (
	"fmt"

	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 组合索引（AutoMigrate 只建单列索引）
var compositeIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_withdrawals_status_created ON withdrawals(status, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_settlements_due ON settlements(settled, next_attempt_at)",
	"CREATE INDEX IF NOT EXISTS idx_serial_logs_kind_created ON serial_logs(kind, created_at)",
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("数据库未初始化")
	}

	// 获取迁移锁，避免多个进程同时迁移
	if dbPath := sqlitePath(db); dbPath != "" {
		CleanupStaleLocks(dbPath)
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	logger.Info("开始数据库迁移...")
	for _, model := range models.All() {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	for _, idx := range compositeIndexes {
		if err := db.Exec(idx).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
		}
	}

	logger.Info("数据库迁移完成")
	return nil
}

// DropAllTables 删除所有表（仅用于测试环境）
func DropAllTables(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("数据库未初始化")
	}
	return db.Migrator().DropTable(models.All()...)
}
