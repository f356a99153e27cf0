package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/sphh12/appium-public/internal/auth"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
)

const (
	DriverAppium = "appium"
	DriverADB    = "adb"
)

type Config struct {
	Appium      AppiumConfig      `mapstructure:"appium"`
	Android     AndroidConfig     `mapstructure:"android"`
	App         AppConfig         `mapstructure:"app"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Driver      DriverConfig      `mapstructure:"driver"`
	Output      OutputConfig      `mapstructure:"output"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	PlanFile    string            `mapstructure:"plan_file"`
}

// AppiumConfig Appium 服务端
type AppiumConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	HTTPTimeout       int    `mapstructure:"http_timeout"`        // seconds
	ImplicitWait      int    `mapstructure:"implicit_wait"`       // seconds
	NewCommandTimeout int    `mapstructure:"new_command_timeout"` // seconds
	NoReset           bool   `mapstructure:"no_reset"`
}

// URL 服务端地址
func (c AppiumConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

type AndroidConfig struct {
	UDID            string `mapstructure:"udid"`
	DeviceName      string `mapstructure:"device_name"`
	PlatformVersion string `mapstructure:"platform_version"`
}

// AppTarget 被测应用
type AppTarget struct {
	Package  string `mapstructure:"package"`
	Activity string `mapstructure:"activity"`
}

// AppConfig Live / Staging 两个安装包，USE_LIVE 决定使用哪一个
type AppConfig struct {
	UseLive bool      `mapstructure:"use_live"`
	Live    AppTarget `mapstructure:"live"`
	Staging AppTarget `mapstructure:"staging"`
}

type CredentialsConfig struct {
	LiveID string `mapstructure:"live_id"`
	LivePW string `mapstructure:"live_pw"`
	StgID  string `mapstructure:"stg_id"`
	StgPW  string `mapstructure:"stg_pw"`
}

// DriverConfig 设备驱动：appium（完整会话）或 adb（只读工具，如 dump / watch）
type DriverConfig struct {
	Kind       string `mapstructure:"kind"`
	ADBTarget  string `mapstructure:"adb_target"`
	ADBTimeout int    `mapstructure:"adb_timeout"` // seconds
}

// OutputConfig 输出目录
type OutputConfig struct {
	Root          string `mapstructure:"root"`           // explore 会话根目录
	SessionPrefix string `mapstructure:"session_prefix"` // 会话目录前缀
	DumpDir       string `mapstructure:"dump_dir"`       // dump 输出目录
	WatchRoot     string `mapstructure:"watch_root"`     // watch 会话根目录
	LogTail       int    `mapstructure:"log_tail"`       // 诊断快照保留的日志行数
	WithActivity  bool   `mapstructure:"with_activity"`  // 快照中写入 Activity 注释
}

// RetryConfig 会话创建重试
type RetryConfig struct {
	MaxAttempts     int    `mapstructure:"max_attempts"`
	InitialInterval int    `mapstructure:"initial_interval"` // seconds
	MaxInterval     int    `mapstructure:"max_interval"`     // seconds
	Strategy        string `mapstructure:"strategy"`         // fixed, linear, exponential
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite，为空时不记录运行
	Path     string `mapstructure:"path"` // sqlite 文件
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`    // 探索请求队列
	Exchange string `mapstructure:"exchange"` // 运行事件 exchange
}

// URL AMQP 连接地址
func (c RabbitMQConfig) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

type MetricsConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Textfile bool `mapstructure:"textfile"` // 每次运行结束写入 metrics.prom
}

type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	File       string `mapstructure:"file"`   // 为空时只输出到标准输出
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Target 当前使用的应用
func (c *Config) Target() AppTarget {
	if c.App.UseLive {
		return c.App.Live
	}
	return c.App.Staging
}

// LoginCredentials 与当前应用对应的账号
func (c *Config) LoginCredentials() auth.Credentials {
	if c.App.UseLive {
		return auth.Credentials{Username: c.Credentials.LiveID, PIN: c.Credentials.LivePW}
	}
	return auth.Credentials{Username: c.Credentials.StgID, PIN: c.Credentials.StgPW}
}

// Capabilities 会话参数：连接已安装的应用并保留数据（登录状态）
func (c *Config) Capabilities() *driver.Capabilities {
	target := c.Target()
	return &driver.Capabilities{
		DeviceName:           c.Android.DeviceName,
		UDID:                 c.Android.UDID,
		PlatformVersion:      c.Android.PlatformVersion,
		AppPackage:           target.Package,
		AppActivity:          target.Activity,
		NoReset:              c.Appium.NoReset,
		NewCommandTimeout:    seconds(c.Appium.NewCommandTimeout),
		AutoGrantPermissions: false,
	}
}

// Validate 检查必填项
func (c *Config) Validate() error {
	switch c.Driver.Kind {
	case DriverAppium, DriverADB:
	default:
		return fmt.Errorf("unsupported driver %q (expected %s or %s)", c.Driver.Kind, DriverAppium, DriverADB)
	}
	if c.Target().Package == "" {
		return fmt.Errorf("app package is not configured (use_live=%v)", c.App.UseLive)
	}
	switch c.Database.Type {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// HTTPTimeoutDuration Appium 单次请求超时
func (c AppiumConfig) HTTPTimeoutDuration() time.Duration { return seconds(c.HTTPTimeout) }

// ImplicitWaitDuration 元素查找隐式等待
func (c AppiumConfig) ImplicitWaitDuration() time.Duration { return seconds(c.ImplicitWait) }

// ADBTimeoutDuration adb 命令超时
func (c DriverConfig) ADBTimeoutDuration() time.Duration { return seconds(c.ADBTimeout) }

// Build 转换为 retry.Config
func (c RetryConfig) Build(op string, logger *logrus.Logger) *retry.Config {
	cfg := retry.DefaultConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialInterval > 0 {
		cfg.InitialInterval = seconds(c.InitialInterval)
	}
	if c.MaxInterval > 0 {
		cfg.MaxInterval = seconds(c.MaxInterval)
	}
	switch s := retry.Strategy(c.Strategy); s {
	case retry.StrategyFixed, retry.StrategyLinear, retry.StrategyExponential:
		cfg.Strategy = s
	}
	cfg.Op = op
	cfg.Logger = logger
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("appium.host", "127.0.0.1")
	v.SetDefault("appium.port", 4723)
	v.SetDefault("appium.http_timeout", 60)
	v.SetDefault("appium.implicit_wait", 2)
	v.SetDefault("appium.new_command_timeout", 300)
	v.SetDefault("appium.no_reset", true)

	v.SetDefault("android.device_name", "Android Emulator")

	v.SetDefault("app.use_live", true)
	v.SetDefault("app.live.package", "com.gmeremit.online.gmeremittance_native")
	v.SetDefault("app.live.activity", "com.gmeremit.online.gmeremittance_native.splash_screen.view.SplashScreen")
	v.SetDefault("app.staging.package", "com.gmeremit.online.gmeremittance_native.stag")
	v.SetDefault("app.staging.activity", "com.gmeremit.online.gmeremittance_native.stag.splash_screen.view.ActivityMain")

	v.SetDefault("driver.kind", DriverAppium)
	v.SetDefault("driver.adb_timeout", 30)

	v.SetDefault("output.root", "explore_results")
	v.SetDefault("output.session_prefix", "explore")
	v.SetDefault("output.dump_dir", "ui_dumps")
	v.SetDefault("output.watch_root", "xml_dumps")
	v.SetDefault("output.log_tail", 300)
	v.SetDefault("output.with_activity", true)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", 2)
	v.SetDefault("retry.max_interval", 30)
	v.SetDefault("retry.strategy", "exponential")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.path", "explorer.db")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "explore_requests")
	v.SetDefault("rabbitmq.exchange", "explore_events")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.textfile", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 25)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 14)
}

// Load 读取配置。顺序：默认值 < 配置文件 < 环境变量（.env 会先加载到环境变量）。
// path 为空时不读取配置文件。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("No .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Appium / 设备
	v.BindEnv("appium.host", "APPIUM_HOST")
	v.BindEnv("appium.port", "APPIUM_PORT")
	v.BindEnv("android.udid", "ANDROID_UDID")
	v.BindEnv("android.device_name", "ANDROID_DEVICE_NAME")
	v.BindEnv("android.platform_version", "ANDROID_PLATFORM_VERSION")

	// 应用与账号
	v.BindEnv("app.use_live", "USE_LIVE")
	v.BindEnv("credentials.live_id", "LIVE_ID")
	v.BindEnv("credentials.live_pw", "LIVE_PW")
	v.BindEnv("credentials.stg_id", "STG_ID")
	v.BindEnv("credentials.stg_pw", "STG_PW")

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Driver.Kind = strings.ToLower(strings.TrimSpace(cfg.Driver.Kind))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
