// Package connectivity 云端连通性监测
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/roluatm/kiosk/internal/logger"
	"go.uber.org/zap"
)

// Prober 云端健康探测
type Prober interface {
	Health(ctx context.Context) error
}

// State 连通状态快照；零值表示从未探测（视为离线）
type State struct {
	LastCheckedAt time.Time `json:"last_check"`
	LastOnlineAt  time.Time `json:"last_online"`
	Online        bool      `json:"online"`
}

// Config 监测参数
type Config struct {
	RecheckInterval time.Duration // 缓存有效期，超过才重新探测
	OfflineTimeout  time.Duration // 距上次在线超过此时长判定离线
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		RecheckInterval: 5 * time.Second,
		OfflineTimeout:  10 * time.Second,
	}
}

// Monitor 连通性监测器，状态只由探测写入
type Monitor struct {
	prober Prober
	now    func() time.Time
	logger *zap.Logger

	mu       sync.RWMutex
	cfg      Config
	state    State
	inflight *probeCall
	onChange func(online bool, at time.Time)
}

type probeCall struct {
	done chan struct{}
}

// Option 监测器选项
type Option func(*Monitor)

// WithNow 注入时间源
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithStateHook 每次探测后回调（用于指标）
func WithStateHook(fn func(online bool, at time.Time)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// NewMonitor 创建监测器
func NewMonitor(prober Prober, cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = def.RecheckInterval
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = def.OfflineTimeout
	}
	m := &Monitor{
		prober: prober,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.GetModuleLogger("cloud"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOfflineTimeout 热更新离线阈值
func (m *Monitor) SetOfflineTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.OfflineTimeout = d
	m.mu.Unlock()
}

// Snapshot 返回当前状态副本
func (m *Monitor) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Check 立即探测云端；并发调用者共享同一次探测
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
		}
		return m.Snapshot().Online
	}
	call := &probeCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	err := m.prober.Health(ctx)
	at := m.now()

	m.mu.Lock()
	prev := m.state.Online
	m.state.LastCheckedAt = at
	m.state.Online = err == nil
	if err == nil {
		m.state.LastOnlineAt = at
	}
	hook := m.onChange
	m.inflight = nil
	m.mu.Unlock()
	close(call.done)

	if err != nil {
		if prev {
			m.logger.Warn("云端连接丢失", zap.Error(err))
		} else {
			m.logger.Debug("云端探测失败", zap.Error(err))
		}
	} else if !prev {
		m.logger.Info("云端连接正常")
	}
	if hook != nil {
		hook(err == nil, at)
	}
	return err == nil
}

// IsOffline 判断是否离线：从未在线，或最后在线时间超过阈值
func (m *Monitor) IsOffline(ctx context.Context) bool {
	m.mu.RLock()
	stale := m.state.LastCheckedAt.IsZero() || m.now().Sub(m.state.LastCheckedAt) > m.cfg.RecheckInterval
	m.mu.RUnlock()

	if stale {
		m.Check(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.LastOnlineAt.IsZero() {
		return true
	}
	return m.now().Sub(m.state.LastOnlineAt) > m.cfg.OfflineTimeout
}

// Run 后台按间隔探测，ctx 结束时退出
func (m *Monitor) Run(ctx context.Context) {
	m.mu.RLock()
	interval := m.cfg.RecheckInterval
	m.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
