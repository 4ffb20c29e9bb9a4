package config

import (
	"time"

	"alphaquant.com/internal/quotes/mdsource"
	"alphaquant.com/internal/quotes/storage/influxsink"
	"alphaquant.com/internal/quotes/stream"
	"alphaquant.com/internal/quotes/ws"
	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/middleware"
	"alphaquant.com/pkg/trace"
	"alphaquant.com/pkg/xredis"
)

// 总配置
type Config struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Env     string `mapstructure:"env" yaml:"env"`
	Version string `mapstructure:"version" yaml:"version"`
	NodeID  string `mapstructure:"node_id" yaml:"node_id"` // 为空时启动时生成

	Log      logger.Config             `mapstructure:"log" yaml:"log"`
	HTTP     HTTPConfig                `mapstructure:"http" yaml:"http"`
	Metrics  MetricsConfig             `mapstructure:"metrics" yaml:"metrics"`
	Redis    RedisConfig               `mapstructure:"redis" yaml:"redis"`
	Hub      HubConfig                 `mapstructure:"hub" yaml:"hub"`
	WS       WSConfig                  `mapstructure:"ws" yaml:"ws"`
	Stream   StreamConfig              `mapstructure:"stream" yaml:"stream"`
	Upstream UpstreamConfig            `mapstructure:"upstream" yaml:"upstream"`
	Cache    CacheConfig               `mapstructure:"cache" yaml:"cache"`
	Limit    RateLimitConfig           `mapstructure:"ratelimit" yaml:"ratelimit"`
	Security middleware.SecurityConfig `mapstructure:"security" yaml:"security"`
	Sentinel middleware.SentinelConfig `mapstructure:"sentinel" yaml:"sentinel"`
	Broker   BrokerConfig              `mapstructure:"broker" yaml:"broker"`
	Influx   influxsink.Config         `mapstructure:"influx" yaml:"influx"`
	Trace    trace.Config              `mapstructure:"trace" yaml:"trace"`
}

// HTTP 配置
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"` // 空或含 * 表示全放行
	Pprof           bool          `mapstructure:"pprof" yaml:"pprof"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type RedisConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Required=false 时连不上只告警，限流退回内存、行情不走缓存
	Required      bool `mapstructure:"required" yaml:"required"`
	xredis.Config `mapstructure:",squash" yaml:",inline"`
}

type HubConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	SendTimeout   time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
}

type WSConfig struct {
	PongWait     time.Duration   `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingPeriod   time.Duration   `mapstructure:"ping_period" yaml:"ping_period"`
	WriteWait    time.Duration   `mapstructure:"write_wait" yaml:"write_wait"`
	ReadLimit    int64           `mapstructure:"read_limit" yaml:"read_limit"`
	CommandQuota ws.CommandQuota `mapstructure:"command_quota" yaml:"command_quota"`
}

type StreamConfig struct {
	stream.Options `mapstructure:",squash" yaml:",inline"`
	StopIdle       bool `mapstructure:"stop_idle" yaml:"stop_idle"`
}

type UpstreamConfig struct {
	Provider string               `mapstructure:"provider" yaml:"provider"` // yahoo | static
	BaseURL  string               `mapstructure:"base_url" yaml:"base_url"`
	Timeout  time.Duration        `mapstructure:"timeout" yaml:"timeout"`
	Guard    mdsource.GuardConfig `mapstructure:"guard" yaml:"guard"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type RateLimitConfig struct {
	Enabled   bool              `mapstructure:"enabled" yaml:"enabled"`
	Backend   string            `mapstructure:"backend" yaml:"backend"` // redis | memory
	FailOpen  bool              `mapstructure:"fail_open" yaml:"fail_open"`
	Rules     []middleware.Rule `mapstructure:"rules" yaml:"rules"`
	Default   middleware.Rule   `mapstructure:"default" yaml:"default"`
	Whitelist []string          `mapstructure:"whitelist" yaml:"whitelist"`
}

type BrokerConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // direct | mem | nats
	URL    string `mapstructure:"url" yaml:"url"`
	Topic  string `mapstructure:"topic" yaml:"topic"`
}

// Default 代码里的默认值；文件覆盖默认值，环境变量覆盖文件
func Default() *Config {
	return &Config{
		Name:    "quotes-gateway",
		Env:     "development",
		Version: "1.0.0",
		Log: logger.Config{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Compress:   true,
			Console:    true,
		},
		HTTP: HTTPConfig{
			Addr:            ":8000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		Redis: RedisConfig{
			Enabled: true,
			Config:  xredis.Config{Addr: "127.0.0.1:6379"},
		},
		Hub: HubConfig{
			FlushInterval: 100 * time.Millisecond,
			SendTimeout:   5 * time.Second,
		},
		WS: WSConfig{
			PongWait:     60 * time.Second,
			PingPeriod:   30 * time.Second,
			WriteWait:    5 * time.Second,
			ReadLimit:    4 << 10,
			CommandQuota: ws.CommandQuota{MaxRequests: 30, Window: 10 * time.Second},
		},
		Stream: StreamConfig{
			Options: stream.Options{
				Interval:         time.Second,
				MinFetchInterval: 5 * time.Second,
				FetchTimeout:     3 * time.Second,
				MaxDrift:         0.005,
				DefaultBasePrice: 100,
			},
			StopIdle: true,
		},
		Upstream: UpstreamConfig{
			Provider: "yahoo",
			Timeout:  5 * time.Second,
			Guard: mdsource.GuardConfig{
				RPS:                     2,
				Burst:                   4,
				TripConsecutiveFailures: 5,
				OpenTimeout:             30 * time.Second,
				HalfOpenRequests:        1,
				Interval:                time.Minute,
			},
		},
		Cache: CacheConfig{Enabled: true, TTL: 5 * time.Second},
		Limit: RateLimitConfig{
			Enabled:  true,
			Backend:  "redis",
			FailOpen: true,
			Rules: []middleware.Rule{
				{Class: "market", Prefix: "/api/v1/market", MaxRequests: 200, Window: time.Minute},
				{Class: "ws", Prefix: "/api/v1/ws", MaxRequests: 50, Window: time.Minute},
				{Class: "auth", Prefix: "/api/v1/auth", MaxRequests: 20, Window: time.Minute},
			},
			Default:   middleware.Rule{Class: "default", MaxRequests: 100, Window: time.Minute},
			Whitelist: []string{"/health", "/metrics", "/docs"},
		},
		Security: middleware.SecurityConfig{
			AuditLog:          true,
			Headers:           true,
			BlockedUserAgents: middleware.DefaultBlockedUserAgents,
		},
		Broker: BrokerConfig{Driver: "direct", URL: "nats://127.0.0.1:4222", Topic: "quotes:publish"},
		Influx: influxsink.Config{
			URL:           "http://127.0.0.1:8086",
			Org:           "alphaquant",
			Bucket:        "quotes",
			BatchSize:     2000,
			FlushInterval: time.Second,
		},
		Trace: trace.Config{Endpoint: "127.0.0.1:4317", Ratio: 1},
	}
}
