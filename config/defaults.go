// =============================================================================
// 📦 handoffd 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/hitl"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Escalation: escalation.DefaultConfig(),
		Handoff:    DefaultHandoffConfig(),
		Stream:     DefaultStreamConfig(),
		Browser:    browser.DefaultConfig(),
		Store:      DefaultStoreConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Auth:       DefaultAuthConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultHandoffConfig urgent 5m / high 15m / normal 30m，每 5 秒扫描一次过期请求
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		TTL:                hitl.DefaultTTLTable(),
		SweepInterval:      5 * time.Second,
		Retention:          10 * time.Minute,
		SessionGracePeriod: 30 * time.Second,
		AwaitSlack:         2 * time.Second,
		MaxAwait:           60 * time.Second,
	}
}

// DefaultStreamConfig 返回默认推流配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		FrameInterval:  33 * time.Millisecond,
		PushDeadline:   100 * time.Millisecond,
		InputRate:      60,
		InputBurst:     30,
		MessageTimeout: 2 * time.Second,
	}
}

// DefaultStoreConfig 默认只在内存中保存请求
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:    StoreMemory,
		KeyPrefix: "handoffd:",
		Retention: 7 * 24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "handoffd",
		Password:        "",
		Name:            "handoffd",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultAuthConfig 默认关闭认证
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:  false,
		Issuer:   "handoffd",
		Audience: "handoffd-operators",
		TokenTTL: 8 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		ServiceName:    "handoffd",
		SampleRate:     0.1,
		Environment:    "development",
		MetricInterval: 30 * time.Second,
	}
}
