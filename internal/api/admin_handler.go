package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/middleware"
	"github.com/roluatm/kiosk/internal/models"
	"github.com/roluatm/kiosk/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler 运维接口
type AdminHandler struct {
	deps   Dependencies
	logger *zap.Logger
}

// NewAdminHandler 创建运维接口处理器
func NewAdminHandler(deps Dependencies) *AdminHandler {
	return &AdminHandler{
		deps:   deps,
		logger: logger.GetModuleLogger("api"),
	}
}

func parseTime(c *gin.Context, key string) *time.Time {
	if raw := c.Query(key); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return &t
		}
	}
	return nil
}

func unavailable(c *gin.Context, what string) {
	respondError(c, errors.Newf(errors.ErrUnknown, "%s not configured", what))
}

// ListWithdrawals 查询取款流水
func (h *AdminHandler) ListWithdrawals(c *gin.Context) {
	if h.deps.Withdrawals == nil {
		unavailable(c, "journal")
		return
	}

	q := &models.WithdrawalQuery{
		SessionID: c.Query("session_id"),
		Status:    models.WithdrawalStatus(c.Query("status")),
		StartTime: parseTime(c, "start_time"),
		EndTime:   parseTime(c, "end_time"),
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	q.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, total, err := h.deps.Withdrawals.Query(c.Request.Context(), q)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   list,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// GetWithdrawal 查询单笔取款
func (h *AdminHandler) GetWithdrawal(c *gin.Context) {
	if h.deps.Withdrawals == nil {
		unavailable(c, "journal")
		return
	}
	w, err := h.deps.Withdrawals.FindByWithdrawalID(c.Request.Context(), c.Param("id"))
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		respondError(c, errors.New(errors.ErrNotFound, "withdrawal"))
		return
	}
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, w)
}

// Stats 取款统计，since 为空时统计全部
func (h *AdminHandler) Stats(c *gin.Context) {
	if h.deps.Withdrawals == nil {
		unavailable(c, "journal")
		return
	}
	stats, err := h.deps.Withdrawals.Stats(c.Request.Context(), parseTime(c, "since"))
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListSettlements 查询结算队列
func (h *AdminHandler) ListSettlements(c *gin.Context) {
	if h.deps.Settlements == nil {
		unavailable(c, "settlement store")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	p := repository.NewPagination(page, size)

	list, err := h.deps.Settlements.List(c.Request.Context(), c.Query("pending") == "true", p)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":       list,
		"pagination": p,
	})
}

// FlushSettlements 立即补发到期的结算
func (h *AdminHandler) FlushSettlements(c *gin.Context) {
	if h.deps.Outbox == nil {
		unavailable(c, "settlement outbox")
		return
	}
	res, err := h.deps.Outbox.Flush(c.Request.Context())
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	operator, _ := middleware.GetOperator(c)
	h.logger.Info("手动补发结算",
		zap.String("operator", operator),
		zap.Int("settled", res.Settled),
		zap.Int("failed", res.Failed))
	c.JSON(http.StatusOK, res)
}

// Reconnect 重连出币机
func (h *AdminHandler) Reconnect(c *gin.Context) {
	if h.deps.Reconnector == nil {
		unavailable(c, "hardware manager")
		return
	}
	if h.deps.Coordinator != nil && h.deps.Coordinator.Busy() {
		respondError(c, errors.New(errors.ErrDeviceBusy, "dispense in progress"))
		return
	}

	operator, _ := middleware.GetOperator(c)
	h.logger.Warn("运维触发重连", zap.String("operator", operator))
	if err := h.deps.Reconnector.Reconnect(c.Request.Context()); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrSerialPortOpen))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"connected": h.deps.Device.IsConnected(),
	})
}
