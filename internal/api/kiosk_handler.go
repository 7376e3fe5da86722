package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/metrics"
	"github.com/roluatm/kiosk/internal/middleware"
	"github.com/roluatm/kiosk/internal/withdrawal"
	"go.uber.org/zap"
)

// KioskHandler 终端界面接口
type KioskHandler struct {
	deps    Dependencies
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewKioskHandler 创建终端接口处理器
func NewKioskHandler(deps Dependencies) *KioskHandler {
	return &KioskHandler{
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logger.GetModuleLogger("api"),
	}
}

// WithdrawRequest 取款请求
type WithdrawRequest struct {
	AmountUSD float64 `json:"amount_usd" binding:"required"`
	SessionID string  `json:"session_id" binding:"required"`
}

// WithdrawResponse 取款成功响应
type WithdrawResponse struct {
	Success        bool    `json:"success"`
	WithdrawalID   string  `json:"withdrawal_id"`
	CoinsDispensed int     `json:"coins_dispensed"`
	AmountUSD      float64 `json:"amount_usd"`
	Settled        bool    `json:"settled"`
	Timestamp      string  `json:"timestamp"`
}

// Withdraw 取款
func (h *KioskHandler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":  false,
			"error":    "Missing required fields",
			"message":  errors.UserMessageInvalidAmount,
			"type":     "request",
			"required": []string{"amount_usd", "session_id"},
		})
		return
	}

	coins := withdrawal.CoinsForAmount(req.AmountUSD, h.deps.Config.Withdrawal.CoinsPerUSD)
	result, err := h.deps.Coordinator.Withdraw(c.Request.Context(), withdrawal.Request{
		Coins:     coins,
		SessionID: req.SessionID,
		AmountUSD: req.AmountUSD,
		RequestID: middleware.GetRequestID(c),
	})
	if err != nil {
		if h.metrics != nil && errors.IsHardwareFault(err) {
			h.metrics.SetHardwareStatus(false)
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, WithdrawResponse{
		Success:        true,
		WithdrawalID:   result.WithdrawalID,
		CoinsDispensed: result.CoinsDispensed,
		AmountUSD:      result.AmountUSD,
		Settled:        result.Settled,
		Timestamp:      result.Timestamp.Format(time.RFC3339),
	})
}

// Balance 查询出币机余量
func (h *KioskHandler) Balance(c *gin.Context) {
	ctx := c.Request.Context()
	if !h.deps.Device.IsConnected() {
		respondError(c, errors.New(errors.ErrDeviceOffline, "T-Flex not connected"))
		return
	}

	status := h.deps.Device.Status(ctx)
	if status == hardware.StatusOffline {
		respondError(c, errors.New(errors.ErrDeviceOffline, "T-Flex not responding"))
		return
	}
	count := h.deps.Device.CoinCount(ctx)
	quarter := h.deps.Config.Withdrawal.QuarterValue

	c.JSON(http.StatusOK, gin.H{
		"kiosk_id":          h.deps.Config.Kiosk.ID,
		"timestamp":         time.Now().Format(time.RFC3339),
		"status":            status,
		"coin_count":        count,
		"available":         status == hardware.StatusReady,
		"quarter_value_usd": float64(count) * quarter,
	})
}

// HardwareHealth 硬件部分
type HardwareHealth struct {
	Connected bool                     `json:"connected"`
	Port      string                   `json:"port"`
	Status    hardware.MechanismStatus `json:"status"`
	CoinCount int                      `json:"coin_count"`
	LastError string                   `json:"last_error,omitempty"`
	Stats     *hardware.DriverStats    `json:"stats,omitempty"`
}

// CloudHealth 云端部分
type CloudHealth struct {
	APIURL     string     `json:"api_url"`
	Online     bool       `json:"online"`
	LastCheck  *time.Time `json:"last_check"`
	LastOnline *time.Time `json:"last_online"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	KioskID       string         `json:"kiosk_id"`
	Timestamp     string         `json:"timestamp"`
	Hardware      HardwareHealth `json:"hardware"`
	Cloud         CloudHealth    `json:"cloud"`
	OverallStatus string         `json:"overall_status"`
}

// Health 健康检查；硬件与云端都正常时返回 200，否则 503
func (h *KioskHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	hw := HardwareHealth{}
	if h.deps.Coordinator != nil && h.deps.Coordinator.Busy() {
		// 出币中不再占用串口
		hw.Connected = h.deps.Device.IsConnected()
		hw.Status = hardware.StatusDispensing
	} else {
		diag := h.deps.Device.Diagnostics(ctx)
		hw = HardwareHealth{
			Connected: diag.Connected,
			Port:      diag.Port,
			Status:    diag.Status,
			CoinCount: diag.CoinCount,
			LastError: diag.LastError,
			Stats:     &diag.Stats,
		}
	}
	if hw.Port == "" {
		hw.Port = h.deps.Config.Serial.Port
	}
	hardwareOK := hw.Connected && hw.Status != hardware.StatusOffline && hw.Status != hardware.StatusError

	cloudOK := !h.deps.Cloud.IsOffline(ctx)
	state := h.deps.Cloud.Snapshot()
	cl := CloudHealth{APIURL: h.deps.Config.Cloud.APIURL, Online: cloudOK}
	if !state.LastCheckedAt.IsZero() {
		t := state.LastCheckedAt
		cl.LastCheck = &t
	}
	if !state.LastOnlineAt.IsZero() {
		t := state.LastOnlineAt
		cl.LastOnline = &t
	}

	if h.metrics != nil {
		h.metrics.SetHardwareStatus(hardwareOK)
	}

	resp := HealthResponse{
		KioskID:       h.deps.Config.Kiosk.ID,
		Timestamp:     time.Now().Format(time.RFC3339),
		Hardware:      hw,
		Cloud:         cl,
		OverallStatus: "degraded",
	}
	status := http.StatusServiceUnavailable
	if hardwareOK && cloudOK {
		resp.OverallStatus = "healthy"
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// Info 服务信息
func (h *KioskHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "RoluATM Kiosk Backend",
		"kiosk_id":  h.deps.Config.Kiosk.ID,
		"version":   h.deps.Config.Kiosk.Version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
