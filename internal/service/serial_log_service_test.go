package service

import (
	"context"
	"testing"
	"time"

	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/models"
	"github.com/roluatm/kiosk/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialLogServiceRecordsExchanges(t *testing.T) {
	repo := repository.NewSerialLogRepository(repository.TestDB(t))
	svc := NewSerialLogService(repo, time.Hour)

	start := time.Now()
	svc.ObserveExchange(hardware.ExchangeRecord{
		Port: "/dev/ttyACM0", Command: "S", Reply: "LOW COIN",
		StartedAt: start, Duration: 15 * time.Millisecond, RequestID: "req-1",
	})
	svc.ObserveExchange(hardware.ExchangeRecord{
		Port: "/dev/ttyACM0", Command: "D10", Reply: "OK", StartedAt: start, RequestID: "req-1",
	})
	svc.ObserveExchange(hardware.ExchangeRecord{
		Port: "/dev/ttyACM0", Command: "S", StartedAt: start,
		Err: errors.New(errors.ErrProtocolTimeout, "no reply"),
	})

	// Close 会写入剩余日志
	svc.Close()
	svc.Close()

	ctx := context.Background()
	logs, total, err := svc.Query(ctx, &models.SerialLogQuery{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	byCmd := map[string]*models.SerialLog{}
	for _, l := range logs {
		byCmd[l.Command] = l
	}
	require.Contains(t, byCmd, "S")
	assert.Equal(t, "status", byCmd["S"].Kind)
	assert.Equal(t, "LOW_COIN", byCmd["S"].Status)
	assert.Equal(t, int64(15), byCmd["S"].Duration)
	assert.Equal(t, "dispense", byCmd["D10"].Kind)

	hasErr := true
	errLogs, _, err := svc.Query(ctx, &models.SerialLogQuery{HasError: &hasErr})
	require.NoError(t, err)
	require.Len(t, errLogs, 1)
	assert.Equal(t, int(errors.ErrProtocolTimeout), errLogs[0].ErrorCode)
	assert.Equal(t, models.SerialLogLevelError, errLogs[0].Level)

	stats, err := svc.GetStats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalCount)

	data, err := svc.ExportLogs(ctx, &models.SerialLogQuery{})
	require.NoError(t, err)
	assert.Contains(t, string(data), "D10")
	assert.Zero(t, svc.Dropped())
}

func TestSerialLogServiceWithTransport(t *testing.T) {
	repo := repository.NewSerialLogRepository(repository.TestDB(t))
	svc := NewSerialLogService(repo, 10*time.Millisecond)
	defer svc.Close()

	sim := hardware.NewSimulator(50)
	cfg := hardware.DefaultSerialConfig("/dev/ttySIM")
	cfg.ReadTimeout = 100 * time.Millisecond
	tr := hardware.NewTransport(cfg, sim.Opener())
	tr.AddObserver(svc)
	require.NoError(t, tr.Open())

	ctx := hardware.WithRequestID(context.Background(), "req-sim")
	reply, err := tr.Exchange(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "50", reply)

	assert.Eventually(t, func() bool {
		_, total, err := svc.Query(context.Background(), &models.SerialLogQuery{RequestID: "req-sim"})
		return err == nil && total == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommandKind(t *testing.T) {
	assert.Equal(t, "status", commandKind("S"))
	assert.Equal(t, "count", commandKind("C"))
	assert.Equal(t, "dispense", commandKind("D05"))
	assert.Equal(t, "other", commandKind("X"))
}
