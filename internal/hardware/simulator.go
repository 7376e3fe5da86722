package hardware

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Simulator 模拟 T-Flex（serial.mock_mode 及测试使用）
// 实现 SerialPort，按协议应答 S / C / D<nn>
type Simulator struct {
	mu               sync.Mutex
	coins            int
	pollsPerDispense int // 出币后多少次 S 查询返回 DISPENSING
	busyPolls        int
	injected         []string // 预置的 S 响应，优先返回
	pending          []byte
	closed           bool
	writes           []string
}

// NewSimulator 创建模拟出币机
func NewSimulator(coins int) *Simulator {
	return &Simulator{
		coins:            coins,
		pollsPerDispense: 2,
	}
}

// Opener 返回打开模拟串口的方法
func (s *Simulator) Opener() PortOpener {
	return func(cfg *SerialConfig) (SerialPort, error) {
		s.mu.Lock()
		s.closed = false
		s.pending = nil
		s.mu.Unlock()
		return s, nil
	}
}

// SetPollsPerDispense 设置出币持续的轮询次数
func (s *Simulator) SetPollsPerDispense(n int) {
	s.mu.Lock()
	s.pollsPerDispense = n
	s.mu.Unlock()
}

// InjectStatus 让接下来的 S 查询依次返回指定原始响应（如 "JAM"）
func (s *Simulator) InjectStatus(replies ...string) {
	s.mu.Lock()
	s.injected = append(s.injected, replies...)
	s.mu.Unlock()
}

// Coins 剩余币量
func (s *Simulator) Coins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coins
}

// Commands 收到的命令（不含结束符）
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("write simulator: port closed")
	}

	cmd := strings.TrimRight(string(p), "\r\n")
	s.writes = append(s.writes, cmd)
	s.pending = append(s.pending, frame(s.reply(cmd))...)
	return len(p), nil
}

func (s *Simulator) reply(cmd string) string {
	switch {
	case cmd == CmdStatus:
		if len(s.injected) > 0 {
			r := s.injected[0]
			s.injected = s.injected[1:]
			return r
		}
		if s.busyPolls > 0 {
			s.busyPolls--
			return "DISPENSING"
		}
		if s.coins == 0 {
			return "EMPTY"
		}
		return "READY"

	case cmd == CmdCoinCount:
		return strconv.Itoa(s.coins)

	case strings.HasPrefix(cmd, "D") && len(cmd) == 3:
		n, err := strconv.Atoi(cmd[1:])
		if err != nil || n < MinDispenseCoins {
			return "ERROR"
		}
		if n > s.coins {
			s.injected = append(s.injected, "LOW COIN")
			return "OK"
		}
		s.coins -= n
		s.busyPolls = s.pollsPerDispense
		return "OK"
	}
	return "ERROR"
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("read simulator: port closed")
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Simulator) Flush() error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
