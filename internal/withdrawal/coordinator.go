// Package withdrawal 取款流程协调：校验、联网检查、授权、出币、结算
package withdrawal

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roluatm/kiosk/internal/cloud"
	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/models"
	"go.uber.org/zap"
)

// 推送给前端的事件
const (
	EventAuthorized = "withdrawal_authorized"
	EventDispensing = "withdrawal_dispensing"
	EventCompleted  = "withdrawal_completed"
	EventFailed     = "withdrawal_failed"
)

// enqueueTimeout 结算入队的期限
const enqueueTimeout = 5 * time.Second

// Dispenser 出币机
type Dispenser interface {
	Dispense(ctx context.Context, count int) (*hardware.DispenseOutcome, error)
}

// Authorizer 云端授权与结算
type Authorizer interface {
	Authorize(ctx context.Context, req cloud.AuthorizeRequest) error
	Confirm(ctx context.Context, req cloud.ConfirmRequest) error
}

// Gate 联网检查
type Gate interface {
	IsOffline(ctx context.Context) bool
}

// Journal 取款流水
type Journal interface {
	Create(ctx context.Context, w *models.Withdrawal) error
	Update(ctx context.Context, w *models.Withdrawal) error
}

// SettlementQueue 结算补偿队列
type SettlementQueue interface {
	Enqueue(ctx context.Context, s *models.Settlement) error
}

// Notifier 事件推送
type Notifier interface {
	Publish(event string, payload interface{})
}

// Recorder 出币指标
type Recorder interface {
	AddCoinsDispensed(n int)
}

// Request 取款请求
type Request struct {
	Coins     int
	SessionID string
	AmountUSD float64
	RequestID string // 可选，用于关联日志
}

// Result 取款成功结果
type Result struct {
	WithdrawalID   string    `json:"withdrawal_id"`
	SessionID      string    `json:"session_id"`
	CoinsDispensed int       `json:"coins_dispensed"`
	AmountUSD      float64   `json:"amount_usd"`
	Attempts       int       `json:"attempts"`
	Settled        bool      `json:"settled"` // 云端确认是否已送达
	Timestamp      time.Time `json:"timestamp"`
}

// Event 推送事件内容
type Event struct {
	WithdrawalID string  `json:"withdrawal_id"`
	SessionID    string  `json:"session_id"`
	Coins        int     `json:"coins"`
	AmountUSD    float64 `json:"amount_usd"`
	Attempts     int     `json:"attempts,omitempty"`
	ErrorCode    int     `json:"error_code,omitempty"`
	Message      string  `json:"message,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// Config 协调器参数
type Config struct {
	KioskID         string
	CoinsPerUSD     int
	MaxCoins        int
	SettleBackoff   time.Duration // 确认失败后首次重试的延迟
	ConfirmDeadline time.Duration
}

// Coordinator 取款协调器；同一台出币机同时只允许一笔出币
type Coordinator struct {
	cfg        Config
	dispenser  Dispenser
	authorizer Authorizer
	gate       Gate

	journal    Journal
	settlement SettlementQueue
	notifier   Notifier
	recorder   Recorder
	precheck   func(ctx context.Context) error

	mu     sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

// Option 可选依赖
type Option func(*Coordinator)

// WithJournal 记录流水
func WithJournal(j Journal) Option { return func(c *Coordinator) { c.journal = j } }

// WithSettlementQueue 确认失败时写入 outbox
func WithSettlementQueue(q SettlementQueue) Option { return func(c *Coordinator) { c.settlement = q } }

// WithNotifier 推送事件
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithRecorder 出币指标
func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithPrecheck 联网检查之后、授权之前的设备检查，返回错误时不授权
func WithPrecheck(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.precheck = fn }
}

// WithNow 注入时间源
func WithNow(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator 创建协调器
func NewCoordinator(cfg Config, dispenser Dispenser, authorizer Authorizer, gate Gate, opts ...Option) *Coordinator {
	if cfg.CoinsPerUSD <= 0 {
		cfg.CoinsPerUSD = 4
	}
	if cfg.MaxCoins <= 0 || cfg.MaxCoins > hardware.MaxDispenseCoins {
		cfg.MaxCoins = hardware.MaxDispenseCoins
	}
	if cfg.SettleBackoff <= 0 {
		cfg.SettleBackoff = 30 * time.Second
	}
	if cfg.ConfirmDeadline <= 0 {
		cfg.ConfirmDeadline = 5 * time.Second
	}
	c := &Coordinator{
		cfg:        cfg,
		dispenser:  dispenser,
		authorizer: authorizer,
		gate:       gate,
		now:        time.Now,
		logger:     logger.GetModuleLogger("withdrawal"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CoinsForAmount 金额换算为硬币数（向下取整）
func CoinsForAmount(amountUSD float64, coinsPerUSD int) int {
	return int(math.Floor(amountUSD*float64(coinsPerUSD) + 1e-9))
}

// Busy 是否有出币正在进行
func (c *Coordinator) Busy() bool {
	if c.mu.TryLock() {
		c.mu.Unlock()
		return false
	}
	return true
}

// Validate 校验请求，不产生任何 IO
func (c *Coordinator) Validate(req Request) error {
	if req.SessionID == "" {
		return errors.New(errors.ErrInvalidRequest, "session_id required")
	}
	if req.AmountUSD <= 0 || math.IsNaN(req.AmountUSD) || math.IsInf(req.AmountUSD, 0) {
		return errors.Newf(errors.ErrInvalidRequest, "invalid amount %v", req.AmountUSD)
	}
	if req.Coins < hardware.MinDispenseCoins || req.Coins > c.cfg.MaxCoins {
		return errors.Newf(errors.ErrInvalidRequest, "coins %d out of range 1-%d", req.Coins, c.cfg.MaxCoins)
	}
	if CoinsForAmount(req.AmountUSD, c.cfg.CoinsPerUSD) != req.Coins {
		return errors.Newf(errors.ErrInvalidRequest, "amount %.2f does not match %d coins", req.AmountUSD, req.Coins)
	}
	return nil
}

// Withdraw 执行一笔取款
func (c *Coordinator) Withdraw(ctx context.Context, req Request) (*Result, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	// 离线时不触碰硬件
	if c.gate.IsOffline(ctx) {
		c.logger.Warn("云端离线，拒绝取款", zap.String("session_id", req.SessionID))
		return nil, errors.New(errors.ErrCloudUnavailable, "kiosk offline")
	}
	if c.precheck != nil {
		if err := c.precheck(ctx); err != nil {
			return nil, err
		}
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	w := &models.Withdrawal{
		WithdrawalID: uuid.NewString(),
		SessionID:    req.SessionID,
		KioskID:      c.cfg.KioskID,
		Coins:        req.Coins,
		AmountUSD:    req.AmountUSD,
		RequestID:    req.RequestID,
	}

	outcome, err := c.authorizeAndDispense(ctx, req, w)
	if err != nil {
		return nil, err
	}

	result := &Result{
		WithdrawalID:   w.WithdrawalID,
		SessionID:      req.SessionID,
		CoinsDispensed: outcome.CoinsDispensed,
		AmountUSD:      req.AmountUSD,
		Attempts:       outcome.Attempts,
		Timestamp:      c.now(),
	}
	result.Settled = c.confirm(ctx, w, result)
	return result, nil
}

// authorizeAndDispense 持锁完成授权与出币
func (c *Coordinator) authorizeAndDispense(ctx context.Context, req Request, w *models.Withdrawal) (*hardware.DispenseOutcome, error) {
	if !c.mu.TryLock() {
		c.logger.Info("出币机忙", zap.String("session_id", req.SessionID))
		return nil, errors.New(errors.ErrDeviceBusy, "dispense in progress")
	}
	defer c.mu.Unlock()

	err := c.authorizer.Authorize(ctx, cloud.AuthorizeRequest{
		KioskID:     c.cfg.KioskID,
		SessionID:   req.SessionID,
		AmountUSD:   req.AmountUSD,
		CoinsNeeded: req.Coins,
	})
	if err != nil {
		if errors.GetCode(err) != errors.ErrCloudRejected {
			err = errors.New(errors.ErrCloudUnavailable, "authorize").WithCause(err)
		}
		if errors.Is(err, errors.ErrCloudRejected) {
			w.Status = models.WithdrawalRejected
		} else {
			w.Status = models.WithdrawalFailed
		}
		c.fail(ctx, w, err)
		return nil, err
	}

	w.Status = models.WithdrawalAuthorized
	c.record(ctx, w, true)
	logger.LogWithdrawalEvent(EventAuthorized, w.WithdrawalID, w.SessionID, zap.Int("coins", w.Coins))
	c.publish(EventAuthorized, w, "")

	w.Status = models.WithdrawalDispensing
	c.record(ctx, w, false)
	c.publish(EventDispensing, w, "")

	// 授权已生效，出币不随请求取消而中断
	dctx := hardware.WithRequestID(context.WithoutCancel(ctx), w.RequestID)
	outcome, err := c.dispenser.Dispense(dctx, req.Coins)
	if outcome != nil {
		w.Attempts = outcome.Attempts
		w.FinalStatus = string(outcome.FinalStatus)
		w.CoinsDispensed = outcome.CoinsDispensed
	}
	if err != nil {
		w.Status = models.WithdrawalFailed
		c.fail(ctx, w, err)
		return nil, err
	}

	if c.recorder != nil {
		c.recorder.AddCoinsDispensed(outcome.CoinsDispensed)
	}
	now := c.now()
	w.Status = models.WithdrawalCompleted
	w.CompletedAt = &now
	c.record(ctx, w, false)
	logger.LogWithdrawalEvent(EventCompleted, w.WithdrawalID, w.SessionID,
		zap.Int("coins_dispensed", outcome.CoinsDispensed),
		zap.Int("attempts", outcome.Attempts))
	c.publish(EventCompleted, w, "")
	return outcome, nil
}

// confirm 通知云端出币结果；失败写入 outbox，不影响本次取款
func (c *Coordinator) confirm(ctx context.Context, w *models.Withdrawal, r *Result) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmDeadline)
	defer cancel()

	err := c.authorizer.Confirm(cctx, cloud.ConfirmRequest{
		KioskID:        c.cfg.KioskID,
		SessionID:      w.SessionID,
		CoinsDispensed: r.CoinsDispensed,
		Timestamp:      r.Timestamp.UTC().Format(time.RFC3339),
	})
	if err == nil {
		return true
	}

	c.logger.Warn("云端确认失败，写入结算队列",
		zap.String("withdrawal_id", w.WithdrawalID),
		zap.String("session_id", w.SessionID),
		zap.Error(err))
	if c.settlement == nil {
		return false
	}

	s := &models.Settlement{
		WithdrawalID:   w.WithdrawalID,
		SessionID:      w.SessionID,
		KioskID:        c.cfg.KioskID,
		CoinsDispensed: r.CoinsDispensed,
		DispensedAt:    r.Timestamp,
		Attempts:       1,
		LastError:      err.Error(),
		NextAttemptAt:  r.Timestamp.Add(c.cfg.SettleBackoff),
	}
	// 确认可能正是因为超时失败，入队使用独立的期限
	qctx, qcancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer qcancel()
	if qerr := c.settlement.Enqueue(qctx, s); qerr != nil {
		logger.LogError(qerr, "写入结算队列失败",
			zap.String("withdrawal_id", w.WithdrawalID),
			zap.Int("coins_dispensed", r.CoinsDispensed))
	}
	return false
}

func (c *Coordinator) fail(ctx context.Context, w *models.Withdrawal, err error) {
	w.ErrorCode = int(errors.GetCode(err))
	w.ErrorMsg = err.Error()
	c.record(ctx, w, w.ID == 0)
	logger.LogWithdrawalEvent(EventFailed, w.WithdrawalID, w.SessionID,
		zap.String("status", string(w.Status)),
		zap.Int("error_code", w.ErrorCode),
		zap.Int("attempts", w.Attempts),
		zap.Error(err))
	c.publish(EventFailed, w, errorMessage(err))
}

// record 写流水，失败只记日志
func (c *Coordinator) record(ctx context.Context, w *models.Withdrawal, create bool) {
	if c.journal == nil {
		return
	}
	jctx := context.WithoutCancel(ctx)
	var err error
	if create {
		err = c.journal.Create(jctx, w)
	} else {
		err = c.journal.Update(jctx, w)
	}
	if err != nil {
		c.logger.Warn("写入取款流水失败",
			zap.String("withdrawal_id", w.WithdrawalID),
			zap.String("status", string(w.Status)),
			zap.Error(err))
	}
}

func (c *Coordinator) publish(event string, w *models.Withdrawal, msg string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(event, Event{
		WithdrawalID: w.WithdrawalID,
		SessionID:    w.SessionID,
		Coins:        w.Coins,
		AmountUSD:    w.AmountUSD,
		Attempts:     w.Attempts,
		ErrorCode:    w.ErrorCode,
		Message:      msg,
		Timestamp:    c.now().Unix(),
	})
}

func errorMessage(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.UserMessage()
	}
	return errors.UserMessageContactSupport
}
