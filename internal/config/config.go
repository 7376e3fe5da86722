package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Kiosk        KioskConfig        `mapstructure:"kiosk"`
	Cloud        CloudConfig        `mapstructure:"cloud"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Serial       SerialConfig       `mapstructure:"serial"`
	Dispense     DispenseConfig     `mapstructure:"dispense"`
	Withdrawal   WithdrawalConfig   `mapstructure:"withdrawal"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Database     DatabaseConfig     `mapstructure:"database"`
	WebSocket    WebSocketConfig    `mapstructure:"websocket"`
	Log          LogConfig          `mapstructure:"log"`
	Security     SecurityConfig     `mapstructure:"security"`
	System       SystemConfig       `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// KioskConfig 终端标识
type KioskConfig struct {
	ID      string `mapstructure:"id"`
	Version string `mapstructure:"version"`
}

// CloudConfig 云端API配置
type CloudConfig struct {
	APIURL           string        `mapstructure:"api_url"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	AuthorizeTimeout time.Duration `mapstructure:"authorize_timeout"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	SigningSecret    string        `mapstructure:"signing_secret"` // 为空时不签名
}

// ConnectivityConfig 云端连通性判定
type ConnectivityConfig struct {
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
	OfflineTimeout  time.Duration `mapstructure:"offline_timeout"`
	Background      bool          `mapstructure:"background"` // 后台保持探测
}

// SerialConfig 串口配置（T-Flex 固定 9600 7E1）
type SerialConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MockMode          bool          `mapstructure:"mock_mode"` // 调试模式（使用模拟出币机）
	Port              string        `mapstructure:"port"`
	BaudRate          int           `mapstructure:"baud_rate"`
	DataBits          int           `mapstructure:"data_bits"`
	StopBits          int           `mapstructure:"stop_bits"`
	Parity            string        `mapstructure:"parity"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	InitDelay         time.Duration `mapstructure:"init_delay"`
	AutoReconnect     bool          `mapstructure:"auto_reconnect"`
	DevicePattern     string        `mapstructure:"device_pattern"` // 重连时匹配的设备名，如 ttyACM
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	LogTraffic        bool          `mapstructure:"log_traffic"` // 串口收发写入数据库
}

// DispenseConfig 出币状态机参数
type DispenseConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

// WithdrawalConfig 取款配置
type WithdrawalConfig struct {
	CoinsPerUSD    int     `mapstructure:"coins_per_usd"`
	QuarterValue   float64 `mapstructure:"quarter_value"`
	MaxCoinsPerTxn int     `mapstructure:"max_coins_per_txn"`
}

// SettlementConfig 结算补发与健康上报
type SettlementConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BatchSize      int           `mapstructure:"batch_size"`
	HealthInterval time.Duration `mapstructure:"health_interval"` // 0 表示不上报
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// WebSocketConfig 事件推送配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	JWT       JWTConfig       `mapstructure:"jwt"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// JWTConfig 运维接口JWT配置
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string `mapstructure:"timezone"`
	MaxProcs int    `mapstructure:"max_procs"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// 原 Python 版本使用的环境变量，保持兼容
var legacyEnv = map[string]string{
	"cloud.api_url": "CLOUD_API_URL",
	"kiosk.id":      "KIOSK_ID",
	"serial.port":   "SERIAL_PORT",
	"log.level":     "LOG_LEVEL",
	"server.port":   "FLASK_PORT",
}

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()
		cfg, err = load(v, configPath)
	})

	return err
}

// Load 读取配置但不修改全局实例（测试及工具使用）
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("ROLU_KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "ROLU_KIOSK_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	// OFFLINE_TIMEOUT 沿用秒数写法，如 OFFLINE_TIMEOUT=10
	if raw := os.Getenv("OFFLINE_TIMEOUT"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			v.Set("connectivity.offline_timeout", time.Duration(secs)*time.Second)
		} else {
			v.Set("connectivity.offline_timeout", raw)
		}
	}

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果配置文件不存在，使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	normalize(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("kiosk.id", "kiosk-001")
	v.SetDefault("kiosk.version", "1.0.0")

	// 云端
	v.SetDefault("cloud.api_url", "http://localhost:8000")
	v.SetDefault("cloud.health_timeout", "5s")
	v.SetDefault("cloud.authorize_timeout", "10s")
	v.SetDefault("cloud.confirm_timeout", "5s")
	v.SetDefault("cloud.signing_secret", "")

	v.SetDefault("connectivity.recheck_interval", "5s")
	v.SetDefault("connectivity.offline_timeout", "10s")
	v.SetDefault("connectivity.background", true)

	// 串口默认配置
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 7)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.read_timeout", "5s")
	v.SetDefault("serial.init_delay", "500ms")
	v.SetDefault("serial.auto_reconnect", true)
	v.SetDefault("serial.device_pattern", "ttyACM")
	v.SetDefault("serial.reconnect_interval", "5s")
	v.SetDefault("serial.max_reconnect_delay", "30s")
	v.SetDefault("serial.log_traffic", true)

	v.SetDefault("dispense.max_attempts", 3)
	v.SetDefault("dispense.retry_backoff", "2s")
	v.SetDefault("dispense.poll_interval", "500ms")
	v.SetDefault("dispense.poll_timeout", "30s")

	v.SetDefault("withdrawal.coins_per_usd", 4)
	v.SetDefault("withdrawal.quarter_value", 0.25)
	v.SetDefault("withdrawal.max_coins_per_txn", 99)

	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.flush_interval", "30s")
	v.SetDefault("settlement.base_backoff", "10s")
	v.SetDefault("settlement.max_backoff", "10m")
	v.SetDefault("settlement.batch_size", 20)
	v.SetDefault("settlement.health_interval", "60s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/kiosk.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	// WebSocket默认配置
	v.SetDefault("websocket.path", "/ws/events")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "kiosk.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("security.rate_limit.enabled", true)
	v.SetDefault("security.rate_limit.requests_per_minute", 60)
	v.SetDefault("security.rate_limit.burst", 10)
	v.SetDefault("security.jwt.secret", "")
	v.SetDefault("security.jwt.expire_hours", 8)

	v.SetDefault("system.timezone", "UTC")
}

func normalize(c *Config) {
	c.Cloud.APIURL = strings.TrimRight(c.Cloud.APIURL, "/")
	c.Log.Level = strings.ToLower(c.Log.Level)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Cloud.APIURL == "" {
		return fmt.Errorf("cloud.api_url 不能为空")
	}
	if c.Kiosk.ID == "" {
		return fmt.Errorf("kiosk.id 不能为空")
	}
	if c.Dispense.MaxAttempts < 1 {
		return fmt.Errorf("dispense.max_attempts 必须大于0")
	}
	if c.Withdrawal.CoinsPerUSD < 1 {
		return fmt.Errorf("withdrawal.coins_per_usd 必须大于0")
	}
	if c.Withdrawal.MaxCoinsPerTxn < 1 || c.Withdrawal.MaxCoinsPerTxn > 99 {
		return fmt.Errorf("withdrawal.max_coins_per_txn 必须在1-99之间")
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// SetForTest 替换全局配置
func SetForTest(c *Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		normalize(newCfg)
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Println("配置已重新加载:", e.Name)
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}
