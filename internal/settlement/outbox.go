// Package settlement 出币确认补发与终端健康上报
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/roluatm/kiosk/internal/cloud"
	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/models"
	"go.uber.org/zap"
)

// Store 结算记录存储
type Store interface {
	Due(ctx context.Context, now time.Time, limit int) ([]*models.Settlement, error)
	MarkSettled(ctx context.Context, id uint, at time.Time) error
	MarkFailed(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error
	CountPending(ctx context.Context) (int64, error)
}

// Confirmer 云端出币确认
type Confirmer interface {
	Confirm(ctx context.Context, req cloud.ConfirmRequest) error
}

// Gate 联网检查，离线时跳过本轮
type Gate interface {
	IsOffline(ctx context.Context) bool
}

// PendingGauge 待结算数量指标
type PendingGauge interface {
	SetPendingSettlements(n int64)
}

// Config 补发参数
type Config struct {
	FlushInterval time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BatchSize     int
	CallTimeout   time.Duration // 单次确认超时
}

// FlushResult 一轮补发结果
type FlushResult struct {
	Attempted int   `json:"attempted"`
	Settled   int   `json:"settled"`
	Failed    int   `json:"failed"`
	Pending   int64 `json:"pending"`
	Skipped   bool  `json:"skipped,omitempty"` // 离线未执行
}

// Outbox 结算补发器
type Outbox struct {
	store     Store
	confirmer Confirmer
	cfg       Config
	gate      Gate
	gauge     PendingGauge
	now       func() time.Time
	logger    *zap.Logger

	flushMu sync.Mutex // 后台与手动补发互斥
}

// OutboxOption 选项
type OutboxOption func(*Outbox)

// WithGate 离线时不补发
func WithGate(g Gate) OutboxOption { return func(o *Outbox) { o.gate = g } }

// WithPendingGauge 上报待结算数量
func WithPendingGauge(g PendingGauge) OutboxOption { return func(o *Outbox) { o.gauge = g } }

// WithClock 注入时间源
func WithClock(now func() time.Time) OutboxOption { return func(o *Outbox) { o.now = now } }

// NewOutbox 创建补发器
func NewOutbox(store Store, confirmer Confirmer, cfg Config, opts ...OutboxOption) *Outbox {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	o := &Outbox{
		store:     store,
		confirmer: confirmer,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.GetModuleLogger("settlement"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Backoff 第 attempts 次失败后的等待时间：base * 2^(attempts-1)，不超过 max
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Flush 补发所有到期记录
func (o *Outbox) Flush(ctx context.Context) (*FlushResult, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	res := &FlushResult{}
	if o.gate != nil && o.gate.IsOffline(ctx) {
		res.Skipped = true
		res.Pending = o.refreshPending(ctx)
		return res, nil
	}

	due, err := o.store.Due(ctx, o.now(), o.cfg.BatchSize)
	if err != nil {
		logger.LogError(err, "读取待结算记录失败")
		return nil, err
	}

	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if o.settle(ctx, s) {
			res.Settled++
		} else {
			res.Failed++
		}
	}

	res.Pending = o.refreshPending(ctx)
	if res.Attempted > 0 {
		o.logger.Info("结算补发完成",
			zap.Int("attempted", res.Attempted),
			zap.Int("settled", res.Settled),
			zap.Int("failed", res.Failed),
			zap.Int64("pending", res.Pending))
	}
	return res, nil
}

func (o *Outbox) settle(ctx context.Context, s *models.Settlement) bool {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	err := o.confirmer.Confirm(cctx, cloud.ConfirmRequest{
		KioskID:        s.KioskID,
		SessionID:      s.SessionID,
		CoinsDispensed: s.CoinsDispensed,
		Timestamp:      s.DispensedAt.UTC().Format(time.RFC3339),
	})
	cancel()

	now := o.now()
	if err == nil {
		if merr := o.store.MarkSettled(ctx, s.ID, now); merr != nil {
			logger.LogError(merr, "更新结算状态失败", zap.String("withdrawal_id", s.WithdrawalID))
		}
		logger.LogWithdrawalEvent("settled", s.WithdrawalID, s.SessionID,
			zap.Int("coins_dispensed", s.CoinsDispensed),
			zap.Int("attempts", s.Attempts+1))
		return true
	}

	attempts := s.Attempts + 1
	next := now.Add(Backoff(o.cfg.BaseBackoff, o.cfg.MaxBackoff, attempts))
	if merr := o.store.MarkFailed(ctx, s.ID, attempts, err.Error(), next); merr != nil {
		logger.LogError(merr, "更新结算状态失败", zap.String("withdrawal_id", s.WithdrawalID))
	}
	o.logger.Warn("结算补发失败",
		zap.String("withdrawal_id", s.WithdrawalID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err))
	return false
}

func (o *Outbox) refreshPending(ctx context.Context) int64 {
	n, err := o.store.CountPending(ctx)
	if err != nil {
		o.logger.Warn("统计待结算数量失败", zap.Error(err))
		return 0
	}
	if o.gauge != nil {
		o.gauge.SetPendingSettlements(n)
	}
	return n
}

// Run 按间隔补发，ctx 结束时退出
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()

	o.logger.Info("结算补发启动", zap.Duration("interval", o.cfg.FlushInterval))
	o.refreshPending(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("结算补发停止")
			return
		case <-ticker.C:
			if _, err := o.Flush(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("结算补发出错", zap.Error(err))
			}
		}
	}
}
