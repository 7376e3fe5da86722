package hardware

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roluatm/kiosk/internal/logger"
	bugst "go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListPorts 枚举系统串口（go.bug.st/serial）
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("枚举串口失败: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// ReconnectConfig 重连参数
type ReconnectConfig struct {
	DevicePattern string        // 设备名称模式（如 "ttyACM"）
	Interval      time.Duration // 初始重连间隔
	MaxInterval   time.Duration // 最大重连间隔
}

// SerialReconnectManager 串口重连管理器
// T-Flex 拔插后设备号可能从 ttyACM0 变成 ttyACM1，需要重新查找
type SerialReconnectManager struct {
	transport *Transport
	config    ReconnectConfig
	listPorts func() ([]string, error)
	logger    *zap.Logger

	onReconnect func(port string)

	mu             sync.Mutex
	reconnecting   bool
	lastDevicePath string

	reconnectCh chan struct{}
}

// NewSerialReconnectManager 创建串口重连管理器
func NewSerialReconnectManager(transport *Transport, config ReconnectConfig) *SerialReconnectManager {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.MaxInterval < config.Interval {
		config.MaxInterval = 30 * time.Second
	}
	m := &SerialReconnectManager{
		transport:      transport,
		config:         config,
		listPorts:      ListPorts,
		logger:         logger.GetModuleLogger("serial"),
		lastDevicePath: transport.PortName(),
		reconnectCh:    make(chan struct{}, 1),
	}
	transport.SetIOErrorHandler(m.HandleError)
	return m
}

// SetReconnectCallback 设置重连成功回调
func (m *SerialReconnectManager) SetReconnectCallback(fn func(port string)) {
	m.onReconnect = fn
}

// Start 启动重连监控，ctx 结束时退出
func (m *SerialReconnectManager) Start(ctx context.Context) {
	if !m.transport.IsOpen() {
		m.TriggerReconnect()
	}
	go m.reconnectLoop(ctx)
}

// TriggerReconnect 手动触发重连（运维接口、错误处理）
func (m *SerialReconnectManager) TriggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// 已经有重连请求在队列中
	}
}

// IsReconnecting 是否正在重连
func (m *SerialReconnectManager) IsReconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

// HandleError 处理串口错误（检测断线）
func (m *SerialReconnectManager) HandleError(err error) {
	if err == nil || !IsDisconnectError(err) {
		return
	}

	m.logger.Error("检测到串口断线",
		zap.String("device", m.transport.PortName()),
		zap.Error(err))
	m.TriggerReconnect()
}

// IsDisconnectError 判断是否为设备断开类错误（沿包装链检查）
func IsDisconnectError(err error) bool {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if disconnectMessage(e.Error()) {
			return true
		}
	}
	return false
}

func disconnectMessage(msg string) bool {
	errStr := strings.ToLower(msg)
	return strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "no such device") ||
		strings.Contains(errStr, "bad file descriptor")
}

// findDevice 查找设备：优先上次成功的路径，其次枚举匹配的串口
func (m *SerialReconnectManager) findDevice() string {
	m.mu.Lock()
	last := m.lastDevicePath
	m.mu.Unlock()

	if last != "" && SerialPortExists(last) {
		return last
	}

	ports, err := m.listPorts()
	if err != nil {
		m.logger.Warn("枚举串口失败", zap.Error(err))
		return ""
	}
	for _, p := range ports {
		if m.config.DevicePattern == "" || strings.Contains(filepath.Base(p), m.config.DevicePattern) {
			m.logger.Info("找到设备", zap.String("device", p))
			return p
		}
	}
	return ""
}

// reconnectLoop 重连循环
func (m *SerialReconnectManager) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("停止重连循环")
			return
		case <-m.reconnectCh:
			m.reconnect(ctx)
		}
	}
}

func (m *SerialReconnectManager) reconnect(ctx context.Context) {
	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	m.logger.Info("开始重连", zap.String("device", m.transport.PortName()))
	_ = m.transport.Close()

	interval := m.config.Interval
	for retry := 1; ; retry++ {
		device := m.findDevice()
		var err error
		if device == "" {
			err = fmt.Errorf("未找到匹配 %q 的设备", m.config.DevicePattern)
		} else {
			err = m.transport.OpenPath(device)
		}

		if err == nil {
			m.mu.Lock()
			m.lastDevicePath = device
			m.mu.Unlock()

			m.logger.Info("重连成功",
				zap.String("device", device),
				zap.Int("retry_count", retry))
			if m.onReconnect != nil {
				m.onReconnect(device)
			}
			return
		}

		m.logger.Warn("重连失败，等待重试",
			zap.Int("retry", retry),
			zap.Error(err),
			zap.Duration("interval", interval))

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		// 逐渐增加重连间隔
		interval *= 2
		if interval > m.config.MaxInterval {
			interval = m.config.MaxInterval
		}
	}
}
