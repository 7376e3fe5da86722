package hardware

import (
	"context"
	"testing"
	"time"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispenseRejectsInvalidCount(t *testing.T) {
	for _, count := range []int{0, -5, 100, 250} {
		port := newScriptedPort().script("S", "READY")
		d, _ := newTestDriver(t, port)

		out, err := d.Dispense(context.Background(), count)
		require.Error(t, err, "count %d", count)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		assert.False(t, out.Success)
		assert.Equal(t, 0, out.Attempts)
		assert.Empty(t, port.written(), "非法数量不应产生任何串口写入")
	}
}

func TestDispenseSuccessFirstAttempt(t *testing.T) {
	port := newScriptedPort().
		script("S", "READY").
		script("D", "OK")
	d, _ := newTestDriver(t, port)

	out, err := d.Dispense(context.Background(), 25)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 25, out.CoinsDispensed)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, StatusReady, out.FinalStatus)
	assert.Equal(t, 1, port.count("D25"))
	assert.Equal(t, []string{"S", "D25", "S"}, port.written())
}

func TestDispenseJamThenReady(t *testing.T) {
	port := newScriptedPort().
		script("S", "JAM", "READY").
		script("D", "OK")

	var results []string
	d, clk := newTestDriver(t, port, WithAttemptObserver(func(r string) { results = append(results, r) }))

	out, err := d.Dispense(context.Background(), 10)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 10, out.CoinsDispensed)
	assert.Equal(t, 1, port.count("D"))
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.sleeps())
	assert.Equal(t, []string{"jam", "success"}, results)
}

func TestDispenseJamExhausted(t *testing.T) {
	port := newScriptedPort().script("S", "JAM")
	d, clk := newTestDriver(t, port)

	out, err := d.Dispense(context.Background(), 5)
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.ErrMechanismJam))
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 0, out.CoinsDispensed)
	assert.Equal(t, StatusJam, out.FinalStatus)
	assert.Equal(t, 0, port.count("D"), "卡币时不应下发出币命令")
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clk.sleeps())

	// 故障结束后驱动可以继续使用
	port.script("S", "READY").script("D", "OK")
	out, err = d.Dispense(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestDispenseLowCoinDuringPolling(t *testing.T) {
	port := newScriptedPort().
		script("S", "READY", "LOW COIN", "READY", "LOW COIN", "READY", "LOW COIN").
		script("D", "OK")
	d, _ := newTestDriver(t, port)

	out, err := d.Dispense(context.Background(), 40)
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.ErrMechanismLowCoin))
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, StatusLowCoin, out.FinalStatus)
	assert.Equal(t, 3, port.count("D40"))
}

func TestDispensePollsWhileDispensing(t *testing.T) {
	port := newScriptedPort().
		script("S", "READY", "BUSY", "DISPENSING", "READY").
		script("D", "OK")
	d, clk := newTestDriver(t, port)

	out, err := d.Dispense(context.Background(), 3)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, clk.sleeps())
}

func TestDispensePollTimeout(t *testing.T) {
	cfg := DefaultDriverConfig()
	cfg.PollTimeout = 2 * time.Second

	// 每次尝试：预检 READY，随后 4 次轮询都在出币中
	var replies []string
	for i := 0; i < 3; i++ {
		replies = append(replies, "READY", "DISPENSING", "DISPENSING", "DISPENSING", "DISPENSING")
	}
	port := newScriptedPort().script("S", replies...).script("D", "OK")
	d, _ := newTestDriverWithConfig(t, port, cfg)

	out, err := d.Dispense(context.Background(), 7)
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.ErrDispenseTimeout))
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, StatusDispensing, out.FinalStatus)
	assert.Equal(t, 3, port.count("D07"))
}

func TestDispenseOfflinePrecheck(t *testing.T) {
	port := newScriptedPort() // 不应答
	d, _ := newTestDriver(t, port)

	out, err := d.Dispense(context.Background(), 4)
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.ErrTransport))
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, StatusOffline, out.FinalStatus)
	assert.Equal(t, 0, port.count("D"))
}

func TestDispenseCommandNotAcknowledged(t *testing.T) {
	port := newScriptedPort().script("S", "READY") // D 无应答
	d, _ := newTestDriver(t, port)

	out, err := d.Dispense(context.Background(), 12)
	require.Error(t, err)

	assert.True(t, errors.Is(err, errors.ErrProtocolTimeout))
	assert.Equal(t, errors.ErrProtocolTimeout, errors.GetCode(err), "应答超时不能被改写成传输错误")
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, port.count("D12"), "命令可能已被接收，不能重发")
}

func TestDispenseUnexpectedStatus(t *testing.T) {
	t.Run("轮询到错误状态", func(t *testing.T) {
		port := newScriptedPort().script("S", "READY", "ERROR 12").script("D", "OK")
		d, _ := newTestDriver(t, port)

		out, err := d.Dispense(context.Background(), 2)
		assert.True(t, errors.Is(err, errors.ErrUnexpectedStatus))
		assert.Equal(t, 1, out.Attempts)
	})
}

func TestDispensePrecheckOtherStatusProceeds(t *testing.T) {
	for _, first := range []string{"FOOBAR", "ERROR 7", "DISPENSING"} {
		t.Run(first, func(t *testing.T) {
			port := newScriptedPort().script("S", first, "READY").script("D", "OK")
			d, _ := newTestDriver(t, port)

			out, err := d.Dispense(context.Background(), 2)
			require.NoError(t, err)
			assert.True(t, out.Success)
			assert.Equal(t, 1, out.Attempts)
			assert.Equal(t, 1, port.count("D02"))
		})
	}
}

func TestDispenseCanceledBeforeCommand(t *testing.T) {
	port := newScriptedPort().script("S", "READY")
	d, _ := newTestDriver(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispense(ctx, 5)
	assert.True(t, errors.Is(err, errors.ErrCanceled))
	assert.Empty(t, port.written())
}

func TestStatusAndCoinCount(t *testing.T) {
	port := newScriptedPort().script("S", "LOW").script("C", "150", "abc")
	d, _ := newTestDriver(t, port)

	assert.Equal(t, StatusLowCoin, d.Status(context.Background()))
	assert.Equal(t, 150, d.CoinCount(context.Background()))
	assert.Equal(t, 0, d.CoinCount(context.Background()), "非数字响应返回0")

	silent := newScriptedPort()
	d2, _ := newTestDriver(t, silent)
	assert.Equal(t, StatusOffline, d2.Status(context.Background()))
	assert.Equal(t, 0, d2.CoinCount(context.Background()))
}

func TestDiagnostics(t *testing.T) {
	port := newScriptedPort().script("S", "READY").script("C", "80").script("D", "OK")
	d, _ := newTestDriver(t, port)

	_, err := d.Dispense(context.Background(), 20)
	require.NoError(t, err)

	diag := d.Diagnostics(context.Background())
	assert.True(t, diag.Connected)
	assert.Equal(t, "/dev/ttyTEST0", diag.Port)
	assert.Equal(t, StatusReady, diag.Status)
	assert.Equal(t, 80, diag.CoinCount)
	assert.Equal(t, int64(1), diag.Stats.Succeeded)
	assert.Equal(t, int64(20), diag.Stats.CoinsDispensed)

	require.NoError(t, d.Disconnect())
	diag = d.Diagnostics(context.Background())
	assert.False(t, diag.Connected)
	assert.Equal(t, StatusOffline, diag.Status)
}

func TestDriverAgainstSimulator(t *testing.T) {
	sim := NewSimulator(30)
	tr := NewTransport(testSerialConfig(), sim.Opener())
	clk := newFakeClock()
	d := NewDriver(tr, DefaultDriverConfig(), WithClock(clk))

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, 30, d.CoinCount(context.Background()))

	out, err := d.Dispense(context.Background(), 12)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 18, sim.Coins())
	assert.Contains(t, sim.Commands(), "D12")

	// 模拟卡币一次后恢复
	sim.InjectStatus("JAM")
	out, err = d.Dispense(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)

	// 币量不足
	_, err = d.Dispense(context.Background(), 50)
	assert.True(t, errors.Is(err, errors.ErrMechanismLowCoin))
}
