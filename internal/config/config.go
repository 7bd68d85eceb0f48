package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	EventBus   EventBusConfig   `yaml:"event_bus"`
	Automation AutomationConfig `yaml:"automation"`
	SLA        SLAConfig        `yaml:"sla"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	Capacity int `yaml:"capacity"` // 每个订阅者的缓冲队列长度
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	CascadeMaxDepth  int           `yaml:"cascade_max_depth"` // 级联触发的最大深度
	ConditionTimeout time.Duration `yaml:"condition_timeout"`
	ActionTimeout    time.Duration `yaml:"action_timeout"`
}

// SLAConfig SLA后台扫描配置
type SLAConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`   // json, text
	Output     string `yaml:"output"`   // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"` // 自定义服务名，缺省使用 "convodesk"
}

type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	applyDefaults(&config)
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "convodesk",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		EventBus: EventBusConfig{
			Capacity: 1000,
		},
		Automation: AutomationConfig{
			CascadeMaxDepth:  3,
			ConditionTimeout: 5 * time.Second,
			ActionTimeout:    10 * time.Second,
		},
		SLA: SLAConfig{
			SweepInterval: time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/convodesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "convodesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
			},
		},
	}
}

// applyDefaults 对缺省字段填入默认值，保证引擎参数永远可用
func applyDefaults(c *Config) {
	def := GetDefaultConfig()
	if c.EventBus.Capacity <= 0 {
		c.EventBus.Capacity = def.EventBus.Capacity
	}
	if c.Automation.CascadeMaxDepth <= 0 {
		c.Automation.CascadeMaxDepth = def.Automation.CascadeMaxDepth
	}
	if c.Automation.ConditionTimeout <= 0 {
		c.Automation.ConditionTimeout = def.Automation.ConditionTimeout
	}
	if c.Automation.ActionTimeout <= 0 {
		c.Automation.ActionTimeout = def.Automation.ActionTimeout
	}
	if c.SLA.SweepInterval <= 0 {
		c.SLA.SweepInterval = def.SLA.SweepInterval
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
}
