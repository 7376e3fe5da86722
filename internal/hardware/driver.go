package hardware

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/logger"
	"go.uber.org/zap"
)

// DispenseOutcome 一次出币调用的结果，每次调用只产生一个
type DispenseOutcome struct {
	Success        bool            `json:"success"`
	CoinsDispensed int             `json:"coins_dispensed"`
	Attempts       int             `json:"attempts"`
	FinalStatus    MechanismStatus `json:"final_status,omitempty"` // 未查询过状态时为空
	Err            error           `json:"-"`
}

// DriverStats 出币统计
type DriverStats struct {
	Dispenses      int64     `json:"dispenses"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	CoinsDispensed int64     `json:"coins_dispensed"`
	LastDispenseAt time.Time `json:"last_dispense_at"`
}

// Diagnostics 设备诊断信息
type Diagnostics struct {
	Port      string          `json:"port"`
	Connected bool            `json:"connected"`
	Status    MechanismStatus `json:"status"`
	CoinCount int             `json:"coin_count"`
	LastError string          `json:"last_error,omitempty"`
	Stats     DriverStats     `json:"stats"`
}

// DriverConfig 出币驱动配置
type DriverConfig struct {
	Policy      RetryPolicy
	PollTimeout time.Duration // 单次尝试等待出币完成的上限
	InitDelay   time.Duration // 打开串口后等待设备初始化
}

// DefaultDriverConfig 默认参数
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Policy:      DefaultRetryPolicy(),
		PollTimeout: 30 * time.Second,
		InitDelay:   500 * time.Millisecond,
	}
}

// AttemptObserver 每次尝试结束时回调，result 为 success/jam/low_coin/timeout/error
type AttemptObserver func(result string)

// Driver T-Flex 出币驱动
type Driver struct {
	link        Link
	policy      RetryPolicy
	pollTimeout time.Duration
	initDelay   time.Duration
	clock       Clock
	logger      *zap.Logger
	onAttempt   AttemptObserver

	mu        sync.Mutex
	lastError string
	stats     DriverStats
}

// DriverOption 驱动选项
type DriverOption func(*Driver)

// WithClock 注入时钟
func WithClock(c Clock) DriverOption {
	return func(d *Driver) { d.clock = c }
}

// WithAttemptObserver 注入尝试回调（指标统计）
func WithAttemptObserver(fn AttemptObserver) DriverOption {
	return func(d *Driver) { d.onAttempt = fn }
}

// NewDriver 创建出币驱动
func NewDriver(link Link, cfg DriverConfig, opts ...DriverOption) *Driver {
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy.MaxAttempts = 1
	}
	d := &Driver{
		link:        link,
		policy:      cfg.Policy,
		pollTimeout: cfg.PollTimeout,
		initDelay:   cfg.InitDelay,
		clock:       RealClock(),
		logger:      logger.GetModuleLogger("serial"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect 打开串口，等待设备初始化后查询一次状态
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.link.Open(); err != nil {
		d.recordError(err)
		return err
	}

	if err := d.clock.Sleep(ctx, d.initDelay); err != nil {
		return errors.Wrap(err, errors.ErrCanceled, "waiting device init")
	}

	status := d.Status(ctx)
	d.logger.Info("T-Flex 已连接",
		zap.String("port", d.link.PortName()),
		zap.String("status", status.String()))
	return nil
}

// Disconnect 关闭串口
func (d *Driver) Disconnect() error {
	return d.link.Close()
}

// IsConnected 串口是否已打开
func (d *Driver) IsConnected() bool {
	return d.link.IsOpen()
}

// Status 查询出币机状态，通信失败返回 Offline 而不是错误
func (d *Driver) Status(ctx context.Context) MechanismStatus {
	reply, err := d.link.Exchange(ctx, CmdStatus)
	if err != nil {
		d.recordError(err)
		d.logger.Error("查询出币机状态失败", zap.Error(err))
		return StatusOffline
	}

	status, known := DecodeStatus(reply)
	if !known {
		d.logger.Warn("无法识别的状态响应", zap.String("reply", reply))
	}
	return status
}

// CoinCount 查询剩余币量，失败或非数字返回 0
func (d *Driver) CoinCount(ctx context.Context) int {
	reply, err := d.link.Exchange(ctx, CmdCoinCount)
	if err != nil {
		d.recordError(err)
		d.logger.Error("查询币量失败", zap.Error(err))
		return 0
	}

	count, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		d.logger.Warn("币量响应不是数字", zap.String("reply", reply))
		return 0
	}
	return count
}

// Diagnostics 诊断信息
func (d *Driver) Diagnostics(ctx context.Context) *Diagnostics {
	diag := &Diagnostics{
		Port:      d.link.PortName(),
		Connected: d.link.IsOpen(),
		Status:    StatusOffline,
	}
	if diag.Connected {
		diag.Status = d.Status(ctx)
		diag.CoinCount = d.CoinCount(ctx)
	}

	d.mu.Lock()
	diag.LastError = d.lastError
	diag.Stats = d.stats
	d.mu.Unlock()

	return diag
}

// Dispense 出币：预检 -> 下发 D<nn> -> 轮询直到完成，故障时按策略重试
// 返回的 outcome 总是非空，err 与 outcome.Err 相同
func (d *Driver) Dispense(ctx context.Context, count int) (*DispenseOutcome, error) {
	out := &DispenseOutcome{}

	cmd, err := EncodeDispense(count)
	if err != nil {
		out.Err = err
		return out, err
	}

	d.logger.Info("开始出币", zap.Int("coins", count))

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return d.finish(out, count, errors.Wrap(err, errors.ErrCanceled, "before precheck"))
		}

		// 预检
		status := d.Status(ctx)
		out.FinalStatus = status

		act := d.policy.Decide(attempt, PhasePrecheck, status)
		switch act.Kind {
		case ActionFail:
			d.attemptDone(act.Code)
			return d.finish(out, count, errors.Newf(act.Code,
				"precheck status %s (attempt %d)", status, attempt))
		case ActionRetry:
			d.attemptDone(act.Code)
			d.logger.Warn("出币机未就绪，稍后重试",
				zap.Int("attempt", attempt),
				zap.String("status", status.String()),
				zap.Duration("backoff", act.Delay))
			if err := d.clock.Sleep(ctx, act.Delay); err != nil {
				return d.finish(out, count, errors.Wrap(err, errors.ErrCanceled, "retry backoff"))
			}
			continue
		}

		// 命令发出后不可撤回，之后只由轮询期限结束
		runCtx := context.WithoutCancel(ctx)

		ack, err := d.link.Exchange(runCtx, cmd)
		if err != nil {
			// 设备可能已经收到命令，不重发以免重复出币
			code := errors.GetCode(err)
			if code == errors.ErrUnknown {
				code = errors.ErrTransport
			}
			d.attemptDone(code)
			return d.finish(out, count, errors.Wrapf(err, code,
				"dispense command %s not acknowledged", cmd))
		}
		d.logger.Debug("出币命令已确认", zap.String("command", cmd), zap.String("ack", ack))

		act = d.poll(runCtx, attempt, out)
		switch act.Kind {
		case ActionSucceed:
			d.attemptDone(0)
			out.Success = true
			out.CoinsDispensed = count
			return d.finish(out, count, nil)
		case ActionFail:
			d.attemptDone(act.Code)
			return d.finish(out, count, errors.Newf(act.Code,
				"status %s after %d attempts", out.FinalStatus, attempt))
		case ActionRetry:
			d.attemptDone(act.Code)
			d.logger.Warn("出币失败，稍后重试",
				zap.Int("attempt", attempt),
				zap.String("status", out.FinalStatus.String()),
				zap.Duration("backoff", act.Delay))
			if err := d.clock.Sleep(ctx, act.Delay); err != nil {
				return d.finish(out, count, errors.Wrap(err, errors.ErrCanceled, "retry backoff"))
			}
		}
	}
}

// poll 轮询直到就绪、故障或超过期限
func (d *Driver) poll(ctx context.Context, attempt int, out *DispenseOutcome) Action {
	deadline := d.clock.Now().Add(d.pollTimeout)

	for d.clock.Now().Before(deadline) {
		status := d.Status(ctx)
		out.FinalStatus = status

		act := d.policy.Decide(attempt, PhasePolling, status)
		if act.Kind != ActionContinue {
			return act
		}
		_ = d.clock.Sleep(ctx, act.Delay)
	}

	d.logger.Warn("等待出币完成超时",
		zap.Int("attempt", attempt),
		zap.Duration("timeout", d.pollTimeout))
	return d.policy.Decide(attempt, PhasePollTimeout, out.FinalStatus)
}

// finish 记录统计并返回结果
func (d *Driver) finish(out *DispenseOutcome, count int, err error) (*DispenseOutcome, error) {
	out.Err = err

	d.mu.Lock()
	d.stats.Dispenses++
	d.stats.LastDispenseAt = d.clock.Now()
	if err == nil {
		d.stats.Succeeded++
		d.stats.CoinsDispensed += int64(out.CoinsDispensed)
	} else {
		d.stats.Failed++
		d.lastError = err.Error()
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("出币失败",
			zap.Int("coins", count),
			zap.Int("attempts", out.Attempts),
			zap.String("final_status", out.FinalStatus.String()),
			zap.Error(err))
		return out, err
	}

	d.logger.Info("出币完成",
		zap.Int("coins", count),
		zap.Int("attempts", out.Attempts))
	return out, nil
}

func (d *Driver) attemptDone(code errors.ErrorCode) {
	if d.onAttempt == nil {
		return
	}
	switch code {
	case 0:
		d.onAttempt("success")
	case errors.ErrMechanismJam:
		d.onAttempt("jam")
	case errors.ErrMechanismLowCoin:
		d.onAttempt("low_coin")
	case errors.ErrDispenseTimeout, errors.ErrProtocolTimeout:
		d.onAttempt("timeout")
	default:
		d.onAttempt("error")
	}
}

func (d *Driver) recordError(err error) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
}
