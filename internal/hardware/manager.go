package hardware

import (
	"context"
	"fmt"
	"sync"

	"github.com/roluatm/kiosk/internal/logger"
	"go.uber.org/zap"
)

// ManagerConfig 硬件管理器配置
type ManagerConfig struct {
	Serial        *SerialConfig
	Driver        DriverConfig
	AutoReconnect bool
	Reconnect     ReconnectConfig

	// 开发配置
	MockMode  bool // 模拟模式（不连接真实硬件）
	MockCoins int
}

// Manager 硬件管理器
// 负责串口、出币驱动和重连的生命周期
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	config ManagerConfig

	transport *Transport
	driver    *Driver
	reconnect *SerialReconnectManager
	simulator *Simulator

	running bool
}

// NewManager 创建硬件管理器
func NewManager(config ManagerConfig, opts ...DriverOption) *Manager {
	if config.Serial == nil {
		config.Serial = DefaultSerialConfig("/dev/ttyACM0")
	}

	m := &Manager{
		logger: logger.GetModuleLogger("serial"),
		config: config,
	}

	var opener PortOpener
	if config.MockMode {
		coins := config.MockCoins
		if coins <= 0 {
			coins = 500
		}
		m.simulator = NewSimulator(coins)
		opener = m.simulator.Opener()
		m.logger.Info("使用模拟出币机", zap.Int("coins", coins))
	}

	m.transport = NewTransport(config.Serial, opener)
	m.driver = NewDriver(m.transport, config.Driver, opts...)

	if config.AutoReconnect && !config.MockMode {
		m.reconnect = NewSerialReconnectManager(m.transport, config.Reconnect)
	}

	return m
}

// AddObserver 注册串口收发观察者
func (m *Manager) AddObserver(o Observer) {
	m.transport.AddObserver(o)
}

// Start 连接出币机；连接失败且开启自动重连时在后台继续尝试
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hardware manager already running")
	}

	err := m.driver.Connect(ctx)
	if err != nil && m.reconnect == nil {
		return fmt.Errorf("connect T-Flex failed: %w", err)
	}
	if err != nil {
		m.logger.Warn("连接出币机失败，将在后台重试",
			zap.String("port", m.config.Serial.Port),
			zap.Error(err))
	}

	if m.reconnect != nil {
		m.reconnect.SetReconnectCallback(func(port string) {
			status := m.driver.Status(ctx)
			m.logger.Info("出币机重新连接",
				zap.String("port", port),
				zap.String("status", status.String()))
		})
		m.reconnect.Start(ctx)
	}

	m.running = true
	m.logger.Info("硬件管理器启动成功",
		zap.String("port", m.transport.PortName()),
		zap.Bool("mock_mode", m.config.MockMode),
		zap.Bool("auto_reconnect", m.reconnect != nil))
	return nil
}

// Stop 停止并关闭串口
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	if err := m.driver.Disconnect(); err != nil {
		m.logger.Error("断开出币机失败", zap.Error(err))
		return err
	}
	m.logger.Info("硬件管理器已停止")
	return nil
}

// Reconnect 运维触发的重连；未开启自动重连时同步重开串口
func (m *Manager) Reconnect(ctx context.Context) error {
	if m.reconnect != nil {
		m.reconnect.TriggerReconnect()
		return nil
	}
	_ = m.driver.Disconnect()
	return m.driver.Connect(ctx)
}

// Driver 出币驱动
func (m *Manager) Driver() *Driver {
	return m.driver
}

// Simulator 模拟模式下的模拟出币机，否则为 nil
func (m *Manager) Simulator() *Simulator {
	return m.simulator
}

// IsRunning 是否已启动
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
