package settlement

import (
	"context"
	"time"

	"github.com/roluatm/kiosk/internal/cloud"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/logger"
	"go.uber.org/zap"
)

// 上报状态取值
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusOnline   = "online"
	StatusOffline  = "offline"
)

// Diagnoser 设备诊断
type Diagnoser interface {
	Diagnostics(ctx context.Context) *hardware.Diagnostics
}

// BusyChecker 出币进行中时不占用串口
type BusyChecker interface {
	Busy() bool
}

// HealthSink 健康上报目标
type HealthSink interface {
	ReportHealth(ctx context.Context, h cloud.KioskHealth) error
}

// Reporter 定期向云端上报终端健康
type Reporter struct {
	kioskID  string
	device   Diagnoser
	busy     BusyChecker
	sink     HealthSink
	online   func() bool
	interval time.Duration
	logger   *zap.Logger
}

// NewReporter 创建上报器；online 返回当前云端是否在线
func NewReporter(kioskID string, device Diagnoser, busy BusyChecker, sink HealthSink, online func() bool, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		kioskID:  kioskID,
		device:   device,
		busy:     busy,
		sink:     sink,
		online:   online,
		interval: interval,
		logger:   logger.GetModuleLogger("settlement"),
	}
}

// Snapshot 组装一次健康信息
func (r *Reporter) Snapshot(ctx context.Context) cloud.KioskHealth {
	diag := r.device.Diagnostics(ctx)
	h := cloud.KioskHealth{
		KioskID:        r.kioskID,
		HardwareStatus: string(diag.Status),
		TFlexConnected: diag.Connected,
		TFlexPort:      diag.Port,
		CoinCount:      diag.CoinCount,
		ErrorDetails:   diag.LastError,
		CloudStatus:    StatusOffline,
		OverallStatus:  StatusDegraded,
	}
	cloudOK := r.online != nil && r.online()
	if cloudOK {
		h.CloudStatus = StatusOnline
	}
	if cloudOK && diag.Connected && diag.Status != hardware.StatusOffline && diag.Status != hardware.StatusError {
		h.OverallStatus = StatusHealthy
	}
	return h
}

// Report 上报一次；出币进行中返回 false 且不上报
func (r *Reporter) Report(ctx context.Context) (bool, error) {
	if r.busy != nil && r.busy.Busy() {
		r.logger.Debug("出币进行中，跳过健康上报")
		return false, nil
	}
	h := r.Snapshot(ctx)
	if err := r.sink.ReportHealth(ctx, h); err != nil {
		r.logger.Warn("健康上报失败", zap.String("overall_status", h.OverallStatus), zap.Error(err))
		return false, err
	}
	return true, nil
}

// Run 定期上报，ctx 结束时退出
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Report(ctx)
		}
	}
}
