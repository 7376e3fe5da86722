package connectivity

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProber struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
	gate  chan struct{}
}

func (p *fakeProber) Health(ctx context.Context) error {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(p Prober) (*Monitor, *manualClock) {
	clk := &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMonitor(p, DefaultConfig(), WithNow(clk.Now)), clk
}

func TestNeverCheckedIsOffline(t *testing.T) {
	p := &fakeProber{err: stderrors.New("down")}
	m, _ := newTestMonitor(p)

	assert.True(t, m.IsOffline(context.Background()))
	assert.Equal(t, int32(1), p.calls.Load())
	assert.False(t, m.Snapshot().Online)
	assert.True(t, m.Snapshot().LastOnlineAt.IsZero())
}

func TestThrottledProbe(t *testing.T) {
	p := &fakeProber{}
	m, clk := newTestMonitor(p)

	assert.False(t, m.IsOffline(context.Background()))
	clk.Advance(3 * time.Second)
	assert.False(t, m.IsOffline(context.Background()))
	assert.Equal(t, int32(1), p.calls.Load(), "缓存未过期不重新探测")

	clk.Advance(3 * time.Second)
	assert.False(t, m.IsOffline(context.Background()))
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestStalenessWindow(t *testing.T) {
	p := &fakeProber{}
	m, clk := newTestMonitor(p)
	assert.False(t, m.IsOffline(context.Background()))

	// 云端开始失败，但最后在线时间还在阈值内
	p.fail(stderrors.New("slow"))
	clk.Advance(6 * time.Second)
	assert.False(t, m.IsOffline(context.Background()), "短暂失败仍视为在线")
	assert.False(t, m.Snapshot().Online)

	clk.Advance(6 * time.Second)
	assert.True(t, m.IsOffline(context.Background()))
}

func TestSetOfflineTimeout(t *testing.T) {
	p := &fakeProber{}
	m, clk := newTestMonitor(p)
	assert.False(t, m.IsOffline(context.Background()))

	p.fail(stderrors.New("down"))
	m.SetOfflineTimeout(30 * time.Second)
	clk.Advance(20 * time.Second)
	assert.False(t, m.IsOffline(context.Background()))

	m.SetOfflineTimeout(0) // 忽略非法值
	clk.Advance(11 * time.Second)
	assert.True(t, m.IsOffline(context.Background()))
}

func TestConcurrentCallersShareProbe(t *testing.T) {
	p := &fakeProber{gate: make(chan struct{})}
	m, _ := newTestMonitor(p)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Check(context.Background())
		}()
	}

	assert.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	assert.LessOrEqual(t, p.calls.Load(), int32(5))
	assert.True(t, m.Snapshot().Online)
}

func TestStateHook(t *testing.T) {
	p := &fakeProber{}
	var got []bool
	m := NewMonitor(p, DefaultConfig(), WithStateHook(func(online bool, _ time.Time) {
		got = append(got, online)
	}))

	m.Check(context.Background())
	p.fail(stderrors.New("down"))
	m.Check(context.Background())
	assert.Equal(t, []bool{true, false}, got)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := &fakeProber{}
	m := NewMonitor(p, Config{RecheckInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run 未退出")
	}
}
