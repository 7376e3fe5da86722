package hardware

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedPort 按命令首字母预置响应的模拟串口
// 队列只剩一个响应时保持返回它；空字符串表示不应答
type scriptedPort struct {
	mu       sync.Mutex
	replies  map[string][]string
	writes   []string
	pending  []byte
	chunk    int // 每次 Read 最多返回的字节数，0 不限制
	writeErr error
	readErr  error
	closed   bool
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{replies: make(map[string][]string)}
}

func (p *scriptedPort) script(cmd string, replies ...string) *scriptedPort {
	p.mu.Lock()
	p.replies[cmd] = append([]string(nil), replies...)
	p.mu.Unlock()
	return p
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writeErr != nil {
		return 0, p.writeErr
	}

	cmd := strings.TrimSuffix(string(b), "\r")
	p.writes = append(p.writes, cmd)

	key := cmd[:1]
	queue := p.replies[key]
	if len(queue) == 0 {
		return len(b), nil
	}
	reply := queue[0]
	if len(queue) > 1 {
		p.replies[key] = queue[1:]
	}
	if reply != "" {
		p.pending = append(p.pending, []byte(reply+"\r")...)
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readErr != nil {
		return 0, p.readErr
	}
	limit := len(b)
	if p.chunk > 0 && p.chunk < limit {
		limit = p.chunk
	}
	n := copy(b[:limit], p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) Flush() error {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
	return nil
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// count 以 prefix 开头的写入次数
func (p *scriptedPort) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.writes {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

func (p *scriptedPort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// fakeClock 不真正等待的时钟
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func testSerialConfig() *SerialConfig {
	cfg := DefaultSerialConfig("/dev/ttyTEST0")
	cfg.ReadTimeout = 50 * time.Millisecond
	return cfg
}

func openTransport(t *testing.T, port SerialPort) *Transport {
	t.Helper()
	tr := NewTransport(testSerialConfig(), func(*SerialConfig) (SerialPort, error) {
		return port, nil
	})
	require.NoError(t, tr.Open())
	return tr
}

func newTestDriver(t *testing.T, port SerialPort, opts ...DriverOption) (*Driver, *fakeClock) {
	t.Helper()
	return newTestDriverWithConfig(t, port, DefaultDriverConfig(), opts...)
}

func newTestDriverWithConfig(t *testing.T, port SerialPort, cfg DriverConfig, opts ...DriverOption) (*Driver, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts = append([]DriverOption{WithClock(clk)}, opts...)
	return NewDriver(openTransport(t, port), cfg, opts...), clk
}
