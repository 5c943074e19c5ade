package config

import (
	"errors"
	"fmt"
	"strings"
)

// 持久化驱动
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDatabase = "database"
)

// Validate 验证配置，返回所有问题的汇总
func (c *Config) Validate() error {
	var errs []string

	if !validPort(c.Server.HTTPPort) {
		errs = append(errs, "server.http_port must be between 1 and 65535")
	}
	// metrics_port 为 0 表示不启动 metrics 服务
	if c.Server.MetricsPort != 0 {
		if !validPort(c.Server.MetricsPort) {
			errs = append(errs, "server.metrics_port must be between 1 and 65535")
		} else if c.Server.MetricsPort == c.Server.HTTPPort {
			errs = append(errs, "server.metrics_port must differ from server.http_port")
		}
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "server rate limits must not be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	ttl := c.Handoff.TTL
	if ttl.Urgent <= 0 || ttl.High <= 0 || ttl.Normal <= 0 {
		errs = append(errs, "handoff.ttl values must be positive")
	} else if ttl.Urgent > ttl.High || ttl.High > ttl.Normal {
		errs = append(errs, "handoff.ttl must be ordered urgent <= high <= normal")
	}
	if c.Handoff.SweepInterval <= 0 {
		errs = append(errs, "handoff.sweep_interval must be positive")
	}
	if c.Handoff.Retention < 0 || c.Handoff.SessionGracePeriod < 0 {
		errs = append(errs, "handoff retention and session grace period must not be negative")
	}

	if c.Stream.FrameInterval <= 0 {
		errs = append(errs, "stream.frame_interval must be positive")
	}
	if c.Stream.PushDeadline <= 0 {
		errs = append(errs, "stream.push_deadline must be positive")
	}
	if c.Stream.InputRate <= 0 || c.Stream.InputBurst <= 0 {
		errs = append(errs, "stream input rate and burst must be positive")
	}

	if c.Escalation.MaxRetries <= 0 {
		errs = append(errs, "escalation.max_retries must be positive")
	}
	if c.Browser.FrameQuality < 1 || c.Browser.FrameQuality > 100 {
		errs = append(errs, "browser.frame_quality must be between 1 and 100")
	}

	switch c.Store.Driver {
	case StoreMemory, StoreRedis:
	case StoreDatabase:
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database.driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported store.driver %q", c.Store.Driver))
	}
	if c.Store.Retention < 0 {
		errs = append(errs, "store.retention must not be negative")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required when auth is enabled")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unsupported log.format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.MetricInterval <= 0 {
			errs = append(errs, "telemetry.metric_interval must be positive when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation errors: " + strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
