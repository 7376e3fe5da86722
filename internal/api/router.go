package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/config"
	"github.com/roluatm/kiosk/internal/connectivity"
	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/metrics"
	"github.com/roluatm/kiosk/internal/middleware"
	"github.com/roluatm/kiosk/internal/repository"
	"github.com/roluatm/kiosk/internal/service"
	"github.com/roluatm/kiosk/internal/settlement"
	"github.com/roluatm/kiosk/internal/withdrawal"
	"go.uber.org/zap"
)

// Device 出币机
type Device interface {
	Status(ctx context.Context) hardware.MechanismStatus
	CoinCount(ctx context.Context) int
	Diagnostics(ctx context.Context) *hardware.Diagnostics
	IsConnected() bool
}

// Withdrawer 取款协调器
type Withdrawer interface {
	Withdraw(ctx context.Context, req withdrawal.Request) (*withdrawal.Result, error)
	Busy() bool
}

// CloudState 云端连通状态
type CloudState interface {
	IsOffline(ctx context.Context) bool
	Snapshot() connectivity.State
}

// Flusher 手动触发结算补发
type Flusher interface {
	Flush(ctx context.Context) (*settlement.FlushResult, error)
}

// Reconnector 重连出币机
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Dependencies 路由依赖；可选项为 nil 时对应路由不注册
type Dependencies struct {
	Config      *config.Config
	Coordinator Withdrawer
	Device      Device
	Cloud       CloudState

	Metrics     *metrics.Metrics
	Events      http.Handler // WebSocket 事件流
	Withdrawals repository.WithdrawalRepository
	Settlements repository.SettlementRepository
	Outbox      Flusher
	Reconnector Reconnector
	SerialLogs  *service.SerialLogService
	Tokens      middleware.TokenValidator
}

// Router API路由器
type Router struct {
	engine *gin.Engine
	deps   Dependencies
	kiosk  *KioskHandler
	admin  *AdminHandler
	log    *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(deps Dependencies, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())
	if deps.Metrics != nil {
		engine.Use(middleware.Metrics(deps.Metrics))
	}

	r := &Router{
		engine: engine,
		deps:   deps,
		kiosk:  NewKioskHandler(deps),
		admin:  NewAdminHandler(deps),
		log:    log,
	}
	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	cfg := r.deps.Config

	var limiter gin.HandlerFunc
	if cfg.Security.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.Security.RateLimit.RequestsPerMinute, cfg.Security.RateLimit.Burst).Handler()
	}

	r.engine.GET("/", r.kiosk.Info)

	// 终端界面接口，同时挂在 /api 下兼容旧前端
	for _, group := range []*gin.RouterGroup{&r.engine.RouterGroup, r.engine.Group("/api")} {
		if limiter != nil {
			group.POST("/withdraw", limiter, r.kiosk.Withdraw)
		} else {
			group.POST("/withdraw", r.kiosk.Withdraw)
		}
		group.GET("/balance", r.kiosk.Balance)
		group.GET("/health", r.kiosk.Health)
	}

	if r.deps.Metrics != nil {
		r.engine.GET("/metrics", gin.WrapH(r.deps.Metrics.Handler()))
	}
	if r.deps.Events != nil {
		r.engine.GET(cfg.WebSocket.Path, gin.WrapH(r.deps.Events))
	}

	// 运维接口
	auth := middleware.NewAuthMiddleware(r.deps.Tokens)
	admin := r.engine.Group("/admin")
	admin.Use(auth.RequireRole("operator", "admin"))
	{
		admin.GET("/withdrawals", r.admin.ListWithdrawals)
		admin.GET("/withdrawals/:id", r.admin.GetWithdrawal)
		admin.GET("/stats", r.admin.Stats)
		admin.GET("/settlements", r.admin.ListSettlements)
		admin.POST("/settlements/flush", r.admin.FlushSettlements)
		admin.POST("/reconnect", r.admin.Reconnect)
		if r.deps.SerialLogs != nil {
			NewSerialLogAPI(r.deps.SerialLogs).RegisterRoutes(admin)
		}
	}

	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// Handler 返回 http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// respondError 按错误码返回统一错误结构
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, middleware.GetRequestID(c)))
}
