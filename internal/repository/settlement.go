package repository

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/roluatm/kiosk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementRepository 结算 outbox 仓储接口
type SettlementRepository interface {
	BaseRepository
	// Enqueue 写入待结算记录；同一笔取款重复写入时忽略
	Enqueue(ctx context.Context, s *models.Settlement) error
	Due(ctx context.Context, now time.Time, limit int) ([]*models.Settlement, error)
	MarkSettled(ctx context.Context, id uint, at time.Time) error
	MarkFailed(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error
	CountPending(ctx context.Context) (int64, error)
	List(ctx context.Context, pendingOnly bool, p *Pagination) ([]*models.Settlement, error)
}

// maxLastErrorBytes 与 last_error 列宽一致
const maxLastErrorBytes = 500

type settlementRepo struct {
	*BaseRepo
}

// NewSettlementRepository 创建结算仓储
func NewSettlementRepository(db *gorm.DB) SettlementRepository {
	return &settlementRepo{BaseRepo: NewBaseRepo(db)}
}

func (r *settlementRepo) Enqueue(ctx context.Context, s *models.Settlement) error {
	if s.NextAttemptAt.IsZero() {
		s.NextAttemptAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "withdrawal_id"}}, DoNothing: true}).
		Create(s).Error
}

// Due 取出到期未结算的记录
func (r *settlementRepo) Due(ctx context.Context, now time.Time, limit int) ([]*models.Settlement, error) {
	if limit <= 0 {
		limit = 20
	}
	var list []*models.Settlement
	err := r.db.WithContext(ctx).
		Where("settled = ? AND next_attempt_at <= ?", false, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *settlementRepo) MarkSettled(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Settlement{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"settled":    true,
			"settled_at": at,
			"last_error": "",
		}).Error
}

func (r *settlementRepo) MarkFailed(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error {
	lastErr = truncate(lastErr, maxLastErrorBytes)
	return r.db.WithContext(ctx).Model(&models.Settlement{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"last_error":      lastErr,
			"next_attempt_at": next,
		}).Error
}

// CountPending 未结算数量
func (r *settlementRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Settlement{}).Where("settled = ?", false).Count(&n).Error
	return n, err
}

// List 分页列出
func (r *settlementRepo) List(ctx context.Context, pendingOnly bool, p *Pagination) ([]*models.Settlement, error) {
	db := r.db.WithContext(ctx).Model(&models.Settlement{})
	if pendingOnly {
		db = db.Where("settled = ?", false)
	}
	if p == nil {
		p = NewPagination(1, 20)
	}
	if err := db.Count(&p.Total).Error; err != nil {
		return nil, err
	}
	var list []*models.Settlement
	err := db.Order("created_at DESC").Scopes(Paginate(p)).Find(&list).Error
	return list, err
}

// truncate 按字节截断，不切断多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
