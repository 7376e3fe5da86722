package hardware

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      sync.Mutex
	records []ExchangeRecord
}

func (o *recordingObserver) ObserveExchange(rec ExchangeRecord) {
	o.mu.Lock()
	o.records = append(o.records, rec)
	o.mu.Unlock()
}

func TestTransportExchange(t *testing.T) {
	t.Run("分片响应拼接到结束符", func(t *testing.T) {
		port := newScriptedPort().script("S", " READY ")
		port.chunk = 2
		tr := openTransport(t, port)

		reply, err := tr.Exchange(context.Background(), CmdStatus)
		require.NoError(t, err)
		assert.Equal(t, "READY", reply)
		assert.Equal(t, []string{"S"}, port.written())
	})

	t.Run("无响应超时", func(t *testing.T) {
		port := newScriptedPort()
		tr := openTransport(t, port)

		_, err := tr.Exchange(context.Background(), CmdStatus)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrProtocolTimeout))
	})

	t.Run("未打开串口", func(t *testing.T) {
		port := newScriptedPort()
		tr := NewTransport(testSerialConfig(), func(*SerialConfig) (SerialPort, error) { return port, nil })

		_, err := tr.Exchange(context.Background(), CmdStatus)
		assert.True(t, errors.Is(err, errors.ErrTransport))
		assert.Empty(t, port.written())
	})

	t.Run("写入失败触发IO错误回调", func(t *testing.T) {
		port := newScriptedPort()
		port.writeErr = fmt.Errorf("write /dev/ttyACM0: input/output error")
		tr := openTransport(t, port)

		var handled error
		tr.SetIOErrorHandler(func(err error) { handled = err })

		_, err := tr.Exchange(context.Background(), CmdStatus)
		assert.True(t, errors.Is(err, errors.ErrTransport))
		require.Error(t, handled)
		assert.True(t, IsDisconnectError(handled))
	})

	t.Run("读取失败", func(t *testing.T) {
		port := newScriptedPort()
		port.readErr = fmt.Errorf("read: broken pipe")
		tr := openTransport(t, port)

		_, err := tr.Exchange(context.Background(), CmdCoinCount)
		assert.True(t, errors.Is(err, errors.ErrTransport))
	})

	t.Run("观察者收到记录", func(t *testing.T) {
		port := newScriptedPort().script("C", "120")
		tr := openTransport(t, port)
		obs := &recordingObserver{}
		tr.AddObserver(obs)

		_, err := tr.Exchange(context.Background(), CmdCoinCount)
		require.NoError(t, err)

		require.Len(t, obs.records, 1)
		assert.Equal(t, "C", obs.records[0].Command)
		assert.Equal(t, "120", obs.records[0].Reply)
		assert.Equal(t, "/dev/ttyTEST0", obs.records[0].Port)
		assert.NoError(t, obs.records[0].Err)
	})
}

func TestTransportOpenClose(t *testing.T) {
	port := newScriptedPort()
	tr := openTransport(t, port)
	assert.True(t, tr.IsOpen())
	assert.Equal(t, "/dev/ttyTEST0", tr.PortName())

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	assert.True(t, port.closed)

	require.NoError(t, tr.OpenPath("/dev/ttyTEST1"))
	assert.True(t, tr.IsOpen())
	assert.Equal(t, "/dev/ttyTEST1", tr.PortName())
}

func TestTransportOpenFailure(t *testing.T) {
	tr := NewTransport(testSerialConfig(), func(*SerialConfig) (SerialPort, error) {
		return nil, fmt.Errorf("open /dev/ttyTEST0: no such file or directory")
	})

	err := tr.Open()
	assert.True(t, errors.Is(err, errors.ErrSerialPortOpen))
	assert.False(t, tr.IsOpen())
}

func TestIsDisconnectError(t *testing.T) {
	assert.True(t, IsDisconnectError(fmt.Errorf("read /dev/ttyACM0: input/output error")))
	assert.True(t, IsDisconnectError(fmt.Errorf("open /dev/ttyACM0: no such file or directory")))
	assert.False(t, IsDisconnectError(fmt.Errorf("no reply within 5s")))
}

func TestReconnectFindDevice(t *testing.T) {
	tr := NewTransport(testSerialConfig(), func(*SerialConfig) (SerialPort, error) { return newScriptedPort(), nil })
	m := NewSerialReconnectManager(tr, ReconnectConfig{DevicePattern: "ttyACM"})
	m.listPorts = func() ([]string, error) {
		return []string{"/dev/ttyS0", "/dev/ttyACM1"}, nil
	}

	// 上次设备不存在时按模式枚举
	assert.Equal(t, "/dev/ttyACM1", m.findDevice())

	m.listPorts = func() ([]string, error) { return []string{"/dev/ttyS0"}, nil }
	assert.Equal(t, "", m.findDevice())
}
