package hardware

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/logger"
	"go.uber.org/zap"
)

// ExchangeRecord 一次命令收发的记录
type ExchangeRecord struct {
	Port      string
	Command   string
	Reply     string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
	RequestID string // 来自 ctx，关联取款请求
}

// Observer 收发观察者（串口日志落库等）
type Observer interface {
	ObserveExchange(rec ExchangeRecord)
}

// Link 出币机链路，Driver 只依赖这个接口
type Link interface {
	Open() error
	Close() error
	IsOpen() bool
	PortName() string
	Exchange(ctx context.Context, command string) (string, error)
}

// Transport T-Flex 串口传输层
// 一问一答：写入命令，读到 '\r' 为止；不做任何重试
type Transport struct {
	config *SerialConfig
	open   PortOpener
	logger *zap.Logger

	mu   sync.Mutex // 同一时间只允许一个收发
	port SerialPort

	stateMu   sync.RWMutex
	name      string
	connected bool

	observers []Observer
	onIOError func(error)
}

// NewTransport 创建串口传输层，opener 为空时使用 tarm/serial
func NewTransport(config *SerialConfig, opener PortOpener) *Transport {
	if opener == nil {
		opener = OpenTarmPort
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}
	return &Transport{
		config: config,
		open:   opener,
		name:   config.Port,
		logger: logger.GetModuleLogger("serial"),
	}
}

// AddObserver 注册收发观察者，需在开始收发前调用
func (t *Transport) AddObserver(o Observer) {
	t.observers = append(t.observers, o)
}

// SetIOErrorHandler 设置IO错误回调（重连管理器用来探测断线）
func (t *Transport) SetIOErrorHandler(fn func(error)) {
	t.onIOError = fn
}

// Open 打开串口
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

// OpenPath 切换到指定设备并打开（重连时设备号可能变化）
func (t *Transport) OpenPath(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
		t.setState(t.config.Port, false)
	}
	t.config.Port = path
	return t.openLocked()
}

func (t *Transport) openLocked() error {
	if t.port != nil {
		return nil
	}

	port, err := t.open(t.config)
	if err != nil {
		t.logger.Error("打开串口失败",
			zap.String("port", t.config.Port),
			zap.Error(err))
		return errors.Wrapf(err, errors.ErrSerialPortOpen, "open %s", t.config.Port)
	}

	t.port = port
	t.setState(t.config.Port, true)

	t.logger.Info("串口连接成功",
		zap.String("port", t.config.Port),
		zap.Int("baud_rate", t.config.BaudRate),
		zap.Uint8("data_bits", t.config.DataBits),
		zap.String("parity", t.config.Parity))

	return nil
}

// Close 关闭串口
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}

	err := t.port.Close()
	t.port = nil
	t.setState(t.config.Port, false)

	if err != nil {
		t.logger.Error("关闭串口失败", zap.Error(err))
		return errors.Wrap(err, errors.ErrTransport, "close")
	}
	t.logger.Info("串口已断开", zap.String("port", t.config.Port))
	return nil
}

// IsOpen 串口是否已打开
func (t *Transport) IsOpen() bool {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.connected
}

// PortName 当前设备路径
func (t *Transport) PortName() string {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.name
}

func (t *Transport) setState(name string, connected bool) {
	t.stateMu.Lock()
	t.name = name
	t.connected = connected
	t.stateMu.Unlock()
}

// Exchange 发送一条命令并读取一条响应（已去除首尾空白）
// 超时返回 ErrProtocolTimeout，其余IO错误返回 ErrTransport
func (t *Transport) Exchange(ctx context.Context, command string) (string, error) {
	t.mu.Lock()
	start := time.Now()
	reply, err := t.exchangeLocked(ctx, command)
	rec := ExchangeRecord{
		Port:      t.config.Port,
		Command:   command,
		Reply:     reply,
		StartedAt: start,
		Duration:  time.Since(start),
		Err:       err,
		RequestID: RequestIDFrom(ctx),
	}
	t.mu.Unlock()

	logger.LogSerialCommand(command, reply, rec.Duration, err)
	for _, o := range t.observers {
		o.ObserveExchange(rec)
	}

	if err != nil && errors.Is(err, errors.ErrTransport) && t.onIOError != nil {
		t.onIOError(err)
	}

	return reply, err
}

func (t *Transport) exchangeLocked(ctx context.Context, command string) (string, error) {
	if t.port == nil {
		return "", errors.New(errors.ErrTransport, "serial port not open")
	}

	// 清掉上一次超时遗留的字节，避免错配响应
	if err := t.port.Flush(); err != nil {
		return "", errors.Wrap(err, errors.ErrTransport, "flush")
	}

	if _, err := t.port.Write(frame(command)); err != nil {
		return "", errors.Wrapf(err, errors.ErrTransport, "write %q", command)
	}

	timeout := t.config.ReadTimeout
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)
	var acc []byte

	for {
		if i := bytes.IndexByte(acc, Terminator); i >= 0 {
			if extra := acc[i+1:]; len(extra) > 0 {
				t.logger.Debug("响应结束符后存在多余字节",
					zap.String("command", command),
					zap.ByteString("extra", extra))
			}
			return strings.TrimSpace(string(acc[:i])), nil
		}

		if err := ctx.Err(); err != nil {
			return strings.TrimSpace(string(acc)), errors.Wrapf(err, errors.ErrCanceled, "waiting reply to %q", command)
		}
		if time.Now().After(deadline) {
			return strings.TrimSpace(string(acc)), errors.Newf(errors.ErrProtocolTimeout,
				"no reply to %q within %s", command, timeout)
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			continue
		}
		if err != nil && err != io.EOF {
			return strings.TrimSpace(string(acc)), errors.Wrapf(err, errors.ErrTransport, "read reply to %q", command)
		}
		// 无数据，底层读已阻塞过一个时间片；模拟串口可能立即返回
		time.Sleep(time.Millisecond)
	}
}
