package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/models"
	"github.com/roluatm/kiosk/internal/service"
)

// SerialLogAPI 串口日志API
type SerialLogAPI struct {
	service *service.SerialLogService
}

// NewSerialLogAPI 创建串口日志API
func NewSerialLogAPI(service *service.SerialLogService) *SerialLogAPI {
	return &SerialLogAPI{
		service: service,
	}
}

// RegisterRoutes 注册路由
func (api *SerialLogAPI) RegisterRoutes(router *gin.RouterGroup) {
	logs := router.Group("/serial-logs")
	{
		logs.GET("", api.QueryLogs)            // 查询日志列表
		logs.GET("/stats", api.GetStats)       // 获取统计信息
		logs.POST("/cleanup", api.CleanupLogs) // 清理旧日志
		logs.GET("/export", api.ExportLogs)    // 导出日志
	}
}

func parseSerialLogQuery(c *gin.Context, defaultLimit string) *models.SerialLogQuery {
	query := &models.SerialLogQuery{
		Kind:      c.Query("kind"),
		Level:     models.SerialLogLevel(c.Query("level")),
		Command:   c.Query("command"),
		RequestID: c.Query("request_id"),
		StartTime: parseTime(c, "start_time"),
		EndTime:   parseTime(c, "end_time"),
	}
	if c.Query("has_error") == "true" {
		b := true
		query.HasError = &b
	}
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", defaultLimit))
	query.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return query
}

// QueryLogs 查询日志列表
func (api *SerialLogAPI) QueryLogs(c *gin.Context) {
	query := parseSerialLogQuery(c, "20")

	logs, total, err := api.service.Query(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "查询失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   logs,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

// GetStats 获取统计信息
func (api *SerialLogAPI) GetStats(c *gin.Context) {
	stats, err := api.service.GetStats(c.Request.Context(), parseTime(c, "since"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取统计失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":   stats,
		"dropped": api.service.Dropped(),
	})
}

// CleanupLogs 清理旧日志
func (api *SerialLogAPI) CleanupLogs(c *gin.Context) {
	retentionDays, _ := strconv.Atoi(c.DefaultQuery("retention_days", "30"))
	if retentionDays < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "保留天数必须大于0",
		})
		return
	}

	count, err := api.service.CleanupOldLogs(c.Request.Context(), retentionDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "清理失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "清理成功",
		"deleted":        count,
		"retention_days": retentionDays,
	})
}

// ExportLogs 导出日志
func (api *SerialLogAPI) ExportLogs(c *gin.Context) {
	query := parseSerialLogQuery(c, "1000")

	data, err := api.service.ExportLogs(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "导出失败",
			"message": err.Error(),
		})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=serial_logs_export.json")
	c.Data(http.StatusOK, "application/json", data)
}
