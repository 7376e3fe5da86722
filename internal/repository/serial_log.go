package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/roluatm/kiosk/internal/models"
	"gorm.io/gorm"
)

// SerialLogRepository 串口日志仓库
type SerialLogRepository struct {
	db *gorm.DB
}

// NewSerialLogRepository 创建串口日志仓库
func NewSerialLogRepository(db *gorm.DB) *SerialLogRepository {
	return &SerialLogRepository{
		db: db,
	}
}

// GetDB 获取数据库实例
func (r *SerialLogRepository) GetDB() *gorm.DB {
	return r.db
}

// CreateBatch 批量创建日志记录
func (r *SerialLogRepository) CreateBatch(ctx context.Context, logs []*models.SerialLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(logs, 100).Error
}

// Query 查询日志
func (r *SerialLogRepository) Query(ctx context.Context, query *models.SerialLogQuery) ([]*models.SerialLog, int64, error) {
	db := r.db.WithContext(ctx).Model(&models.SerialLog{})

	// 构建查询条件
	if query.Kind != "" {
		db = db.Where("kind = ?", query.Kind)
	}
	if query.Level != "" {
		db = db.Where("level = ?", query.Level)
	}
	if query.Command != "" {
		db = db.Where("command LIKE ?", query.Command+"%")
	}
	if query.RequestID != "" {
		db = db.Where("request_id = ?", query.RequestID)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", *query.EndTime)
	}
	if query.HasError != nil && *query.HasError {
		db = db.Where("error_msg IS NOT NULL AND error_msg != ''")
	}

	// 获取总数
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := query.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	db = db.Order("id DESC").Limit(limit)
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	var logs []*models.SerialLog
	if err := db.Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// GetStats 获取统计信息
func (r *SerialLogRepository) GetStats(ctx context.Context, startTime *time.Time) (*models.SerialLogStats, error) {
	stats := &models.SerialLogStats{}
	base := func() *gorm.DB {
		db := r.db.WithContext(ctx).Model(&models.SerialLog{})
		if startTime != nil {
			db = db.Where("created_at >= ?", *startTime)
		}
		return db
	}

	if err := base().Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}
	if err := base().Where("kind = ?", "dispense").Count(&stats.TotalDispense).Error; err != nil {
		return nil, err
	}
	if err := base().Where("error_msg IS NOT NULL AND error_msg != ''").Count(&stats.TotalErrors).Error; err != nil {
		return nil, err
	}

	// 性能统计
	var durationStats struct {
		AvgDuration float64
		MaxDuration int64
	}
	if err := base().
		Select("COALESCE(AVG(duration), 0) as avg_duration, COALESCE(MAX(duration), 0) as max_duration").
		Scan(&durationStats).Error; err != nil {
		return nil, err
	}
	stats.AvgDuration = durationStats.AvgDuration
	stats.MaxDuration = durationStats.MaxDuration

	return stats, nil
}

// DeleteOldLogs 删除旧日志
func (r *SerialLogRepository) DeleteOldLogs(ctx context.Context, beforeTime time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", beforeTime).Delete(&models.SerialLog{})
	return result.RowsAffected, result.Error
}

// CleanupLogs 清理日志（保留最近N天的数据）
func (r *SerialLogRepository) CleanupLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	return r.DeleteOldLogs(ctx, time.Now().AddDate(0, 0, -retentionDays))
}
