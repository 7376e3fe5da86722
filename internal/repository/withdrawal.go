package repository

import (
	"context"
	"time"

	"github.com/roluatm/kiosk/internal/models"
	"gorm.io/gorm"
)

// WithdrawalRepository 取款流水仓储接口
type WithdrawalRepository interface {
	BaseRepository
	Create(ctx context.Context, w *models.Withdrawal) error
	Update(ctx context.Context, w *models.Withdrawal) error
	FindByWithdrawalID(ctx context.Context, withdrawalID string) (*models.Withdrawal, error)
	FindBySessionID(ctx context.Context, sessionID string) ([]*models.Withdrawal, error)
	Query(ctx context.Context, q *models.WithdrawalQuery) ([]*models.Withdrawal, int64, error)
	Stats(ctx context.Context, since *time.Time) (*models.WithdrawalStats, error)
}

type withdrawalRepo struct {
	*BaseRepo
}

// NewWithdrawalRepository 创建取款流水仓储
func NewWithdrawalRepository(db *gorm.DB) WithdrawalRepository {
	return &withdrawalRepo{BaseRepo: NewBaseRepo(db)}
}

// Create 创建流水
func (r *withdrawalRepo) Create(ctx context.Context, w *models.Withdrawal) error {
	return r.db.WithContext(ctx).Create(w).Error
}

// Update 保存流水
func (r *withdrawalRepo) Update(ctx context.Context, w *models.Withdrawal) error {
	return r.db.WithContext(ctx).Save(w).Error
}

// FindByWithdrawalID 按业务ID查找
func (r *withdrawalRepo) FindByWithdrawalID(ctx context.Context, withdrawalID string) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := r.db.WithContext(ctx).Where("withdrawal_id = ?", withdrawalID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// FindBySessionID 按会话查找
func (r *withdrawalRepo) FindBySessionID(ctx context.Context, sessionID string) ([]*models.Withdrawal, error) {
	var list []*models.Withdrawal
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

// Query 条件查询
func (r *withdrawalRepo) Query(ctx context.Context, q *models.WithdrawalQuery) ([]*models.Withdrawal, int64, error) {
	db := r.db.WithContext(ctx).Model(&models.Withdrawal{})

	if q.SessionID != "" {
		db = db.Where("session_id = ?", q.SessionID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.StartTime != nil {
		db = db.Where("created_at >= ?", *q.StartTime)
	}
	if q.EndTime != nil {
		db = db.Where("created_at <= ?", *q.EndTime)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	db = db.Order("created_at DESC").Limit(limit)
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}

	var list []*models.Withdrawal
	if err := db.Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Stats 统计
func (r *withdrawalRepo) Stats(ctx context.Context, since *time.Time) (*models.WithdrawalStats, error) {
	base := func() *gorm.DB {
		db := r.db.WithContext(ctx).Model(&models.Withdrawal{})
		if since != nil {
			db = db.Where("created_at >= ?", *since)
		}
		return db
	}

	stats := &models.WithdrawalStats{}
	if err := base().Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", models.WithdrawalCompleted).Count(&stats.Completed).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", models.WithdrawalFailed).Count(&stats.Failed).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", models.WithdrawalRejected).Count(&stats.Rejected).Error; err != nil {
		return nil, err
	}

	var sum struct{ Total int64 }
	if err := base().Select("COALESCE(SUM(coins_dispensed), 0) as total").Scan(&sum).Error; err != nil {
		return nil, err
	}
	stats.CoinsDispensed = sum.Total
	return stats, nil
}
