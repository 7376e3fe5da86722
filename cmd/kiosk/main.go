package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/roluatm/kiosk/internal/api"
	"github.com/roluatm/kiosk/internal/cloud"
	"github.com/roluatm/kiosk/internal/config"
	"github.com/roluatm/kiosk/internal/connectivity"
	"github.com/roluatm/kiosk/internal/database"
	"github.com/roluatm/kiosk/internal/errors"
	"github.com/roluatm/kiosk/internal/hardware"
	"github.com/roluatm/kiosk/internal/logger"
	"github.com/roluatm/kiosk/internal/metrics"
	"github.com/roluatm/kiosk/internal/repository"
	"github.com/roluatm/kiosk/internal/service"
	"github.com/roluatm/kiosk/internal/settlement"
	"github.com/roluatm/kiosk/internal/utils"
	"github.com/roluatm/kiosk/internal/websocket"
	"github.com/roluatm/kiosk/internal/withdrawal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 终端后端实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *gorm.DB
	repos       *repository.Manager
	metrics     *metrics.Metrics
	hardware    *hardware.Manager
	serialLogs  *service.SerialLogService
	cloud       *cloud.Client
	monitor     *connectivity.Monitor
	hub         *websocket.Hub
	coordinator *withdrawal.Coordinator
	outbox      *settlement.Outbox
	reporter    *settlement.Reporter
	tokens      *utils.JWTManager
	httpServer  *http.Server

	// 关闭控制
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	setupSystem(&cfg.System)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务已安全关闭")
}

// NewServer 创建服务实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 初始化组件并启动后台任务
func (s *Server) Start() error {
	s.logger.Info("正在启动 RoluATM 终端服务",
		zap.String("version", Version),
		zap.String("kiosk_id", s.cfg.Kiosk.ID),
		zap.String("mode", s.cfg.Server.Mode))

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}
	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务启动成功",
		zap.String("http", s.httpServer.Addr),
		zap.String("cloud", s.cfg.Cloud.APIURL),
		zap.String("serial", s.cfg.Serial.Port))
	return nil
}

func (s *Server) initComponents() error {
	s.metrics = metrics.New()

	if err := s.initDatabase(); err != nil {
		return err
	}
	s.initHardware()
	s.initCloud()

	s.hub = websocket.NewHub(websocket.Options{
		PingInterval:   s.cfg.WebSocket.PingInterval,
		PongTimeout:    s.cfg.WebSocket.PongTimeout,
		WriteTimeout:   s.cfg.WebSocket.WriteTimeout,
		MaxMessageSize: s.cfg.WebSocket.MaxMessageSize,
		ReadBuffer:     s.cfg.WebSocket.ReadBufferSize,
		WriteBuffer:    s.cfg.WebSocket.WriteBufferSize,
	}, logger.GetModuleLogger("websocket"))

	s.initCoordinator()

	if s.cfg.Security.JWT.Secret != "" {
		hours := time.Duration(s.cfg.Security.JWT.ExpireHours) * time.Hour
		s.tokens = utils.NewJWTManager(s.cfg.Security.JWT.Secret, time.Minute, hours)
	} else {
		s.logger.Warn("未配置 security.jwt.secret，运维接口不可用")
	}

	deps := api.Dependencies{
		Config:      s.cfg,
		Coordinator: s.coordinator,
		Device:      s.hardware.Driver(),
		Cloud:       s.monitor,
		Metrics:     s.metrics,
		Events:      s.hub,
		Withdrawals: s.repos.Withdrawal(),
		Settlements: s.repos.Settlement(),
		Reconnector: s.hardware,
	}
	// 接口值为 nil 指针时路由会误判为已配置
	if s.outbox != nil {
		deps.Outbox = s.outbox
	}
	if s.serialLogs != nil {
		deps.SerialLogs = s.serialLogs
	}
	if s.tokens != nil {
		deps.Tokens = s.tokens
	}

	if s.cfg.Server.Mode != "" {
		gin.SetMode(s.cfg.Server.Mode)
	}
	router := api.NewRouter(deps, logger.GetModuleLogger("api"))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	return nil
}

// initDatabase 初始化数据库（流水、结算队列、串口日志）
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	s.db = database.GetDB()

	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(s.db); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := database.Ping(ctx, s.db); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.repos = repository.NewManager(s.db)
	return nil
}

func (s *Server) initHardware() {
	sc := s.cfg.Serial
	serialCfg := hardware.DefaultSerialConfig(sc.Port)
	if sc.BaudRate > 0 {
		serialCfg.BaudRate = sc.BaudRate
	}
	if sc.DataBits > 0 {
		serialCfg.DataBits = byte(sc.DataBits)
	}
	if sc.StopBits > 0 {
		serialCfg.StopBits = byte(sc.StopBits)
	}
	if sc.Parity != "" {
		serialCfg.Parity = sc.Parity
	}
	if sc.ReadTimeout > 0 {
		serialCfg.ReadTimeout = sc.ReadTimeout
	}

	dc := s.cfg.Dispense
	driverCfg := hardware.DefaultDriverConfig()
	driverCfg.Policy = hardware.RetryPolicy{
		MaxAttempts:  dc.MaxAttempts,
		Backoff:      dc.RetryBackoff,
		PollInterval: dc.PollInterval,
	}
	if dc.PollTimeout > 0 {
		driverCfg.PollTimeout = dc.PollTimeout
	}
	if sc.InitDelay > 0 {
		driverCfg.InitDelay = sc.InitDelay
	}

	// serial.enabled 关闭时使用模拟出币机
	mock := sc.MockMode || !sc.Enabled
	s.hardware = hardware.NewManager(hardware.ManagerConfig{
		Serial:        serialCfg,
		Driver:        driverCfg,
		AutoReconnect: sc.AutoReconnect,
		Reconnect: hardware.ReconnectConfig{
			DevicePattern: sc.DevicePattern,
			Interval:      sc.ReconnectInterval,
			MaxInterval:   sc.MaxReconnectDelay,
		},
		MockMode: mock,
	}, hardware.WithAttemptObserver(s.metrics.ObserveAttempt))

	if sc.LogTraffic {
		s.serialLogs = service.NewSerialLogService(s.repos.SerialLog(), 5*time.Second)
		s.hardware.AddObserver(s.serialLogs)
	}
}

func (s *Server) initCloud() {
	cc := s.cfg.Cloud
	opts := cloud.Options{
		BaseURL:          cc.APIURL,
		KioskID:          s.cfg.Kiosk.ID,
		HealthTimeout:    cc.HealthTimeout,
		AuthorizeTimeout: cc.AuthorizeTimeout,
		ConfirmTimeout:   cc.ConfirmTimeout,
	}
	if cc.SigningSecret != "" {
		opts.Signer = utils.NewJWTManager(cc.SigningSecret, 5*time.Minute, time.Hour)
	}
	s.cloud = cloud.NewClient(opts)

	mc := connectivity.DefaultConfig()
	if s.cfg.Connectivity.RecheckInterval > 0 {
		mc.RecheckInterval = s.cfg.Connectivity.RecheckInterval
	}
	if s.cfg.Connectivity.OfflineTimeout > 0 {
		mc.OfflineTimeout = s.cfg.Connectivity.OfflineTimeout
	}
	s.monitor = connectivity.NewMonitor(s.cloud, mc,
		connectivity.WithStateHook(s.metrics.SetCloudStatus))
}

func (s *Server) initCoordinator() {
	driver := s.hardware.Driver()
	wc := s.cfg.Withdrawal

	s.coordinator = withdrawal.NewCoordinator(withdrawal.Config{
		KioskID:         s.cfg.Kiosk.ID,
		CoinsPerUSD:     wc.CoinsPerUSD,
		MaxCoins:        wc.MaxCoinsPerTxn,
		ConfirmDeadline: s.cfg.Cloud.ConfirmTimeout,
	}, driver, s.cloud, s.monitor,
		withdrawal.WithJournal(s.repos.Withdrawal()),
		withdrawal.WithSettlementQueue(s.repos.Settlement()),
		withdrawal.WithNotifier(s.hub),
		withdrawal.WithRecorder(s.metrics),
		withdrawal.WithPrecheck(func(ctx context.Context) error {
			if !driver.IsConnected() {
				return errors.New(errors.ErrDeviceOffline, "T-Flex not connected")
			}
			return nil
		}),
	)

	if !s.cfg.Settlement.Enabled {
		return
	}
	st := s.cfg.Settlement
	s.outbox = settlement.NewOutbox(s.repos.Settlement(), s.cloud, settlement.Config{
		FlushInterval: st.FlushInterval,
		BaseBackoff:   st.BaseBackoff,
		MaxBackoff:    st.MaxBackoff,
		BatchSize:     st.BatchSize,
		CallTimeout:   s.cfg.Cloud.ConfirmTimeout,
	}, settlement.WithGate(s.monitor), settlement.WithPendingGauge(s.metrics))

	if st.HealthInterval > 0 {
		s.reporter = settlement.NewReporter(s.cfg.Kiosk.ID, driver, s.coordinator, s.cloud,
			func() bool { return !s.monitor.IsOffline(s.ctx) }, st.HealthInterval)
	}
}

// startServices 启动后台任务与 HTTP 服务
func (s *Server) startServices() error {
	if err := s.hardware.Start(s.ctx); err != nil {
		return errors.Wrap(err, errors.ErrSerialPortOpen, "连接出币机失败")
	}

	s.goRun(s.hub.Run)
	if s.cfg.Connectivity.Background {
		s.goRun(s.monitor.Run)
	}
	if s.outbox != nil {
		s.goRun(s.outbox.Run)
	}
	if s.reporter != nil {
		s.goRun(s.reporter.Run)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP 服务异常退出", zap.Error(err))
			s.cancel()
		}
	}()
	return nil
}

func (s *Server) goRun(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// WaitForShutdown 等待退出信号或服务异常
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.ctx.Done():
	}
}

// Shutdown 优雅关闭；进行中的出币会先完成
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP 服务关闭超时", zap.Error(err))
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		return errors.New(errors.ErrTimeout, "关闭超时")
	}

	if err := s.hardware.Stop(); err != nil {
		s.logger.Error("关闭串口失败", zap.Error(err))
	}
	if s.serialLogs != nil {
		s.serialLogs.Close()
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
	return nil
}

// reloadConfig 热更新日志级别和离线判定
func (s *Server) reloadConfig(newCfg *config.Config) {
	logger.SetLevel(newCfg.Log.Level)
	if newCfg.Connectivity.OfflineTimeout > 0 {
		s.monitor.SetOfflineTimeout(newCfg.Connectivity.OfflineTimeout)
	}
	s.logger.Info("配置重新加载完成",
		zap.String("log_level", newCfg.Log.Level),
		zap.Duration("offline_timeout", newCfg.Connectivity.OfflineTimeout))
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}
	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
}

func printVersion() {
	fmt.Printf("RoluATM 终端服务\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
