package hardware

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialPort 串口接口（用于测试）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// PortOpener 打开串口的方法，测试和模拟模式下替换
type PortOpener func(cfg *SerialConfig) (SerialPort, error)

// SerialConfig 串口配置
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	DataBits    byte          `yaml:"data_bits"`
	StopBits    byte          `yaml:"stop_bits"`
	Parity      string        `yaml:"parity"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // 单次命令等待响应的上限
}

// DefaultSerialConfig T-Flex 默认串口参数 9600 7E1
func DefaultSerialConfig(port string) *SerialConfig {
	return &SerialConfig{
		Port:        port,
		BaudRate:    9600,
		DataBits:    7,
		StopBits:    1,
		Parity:      "E",
		ReadTimeout: 5 * time.Second,
	}
}

// pollSlice tarm/serial 底层单次读阻塞时长，超时由 Exchange 自己计算
const pollSlice = 100 * time.Millisecond

// OpenTarmPort 使用 tarm/serial 打开真实串口
func OpenTarmPort(cfg *SerialConfig) (SerialPort, error) {
	parity := serial.ParityNone
	switch cfg.Parity {
	case "O", "odd":
		parity = serial.ParityOdd
	case "E", "even":
		parity = serial.ParityEven
	}

	stopBits := serial.Stop1
	if cfg.StopBits == 2 {
		stopBits = serial.Stop2
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		Size:        cfg.DataBits,
		Parity:      parity,
		StopBits:    stopBits,
		ReadTimeout: pollSlice,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
