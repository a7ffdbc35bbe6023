package core

import (
	"fmt"
	"strings"
	"time"
)

type ServerConfig struct {
	Address         string `koanf:"address" mapstructure:"address"`
	Mode            string `koanf:"mode" mapstructure:"mode"`
	ReadTimeout     string `koanf:"read_timeout" mapstructure:"read_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64  `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `koanf:"level" mapstructure:"level"`
	Format string `koanf:"format" mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver      string `koanf:"driver" mapstructure:"driver"`
	DSN         string `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool   `koanf:"debug" mapstructure:"debug"`
	PingTimeout string `koanf:"ping_timeout" mapstructure:"ping_timeout"`
	AutoMigrate bool   `koanf:"auto_migrate" mapstructure:"auto_migrate"`
	// HealthInterval and MaxPingFailures drive the runtime storage check. The
	// service stops after MaxPingFailures consecutive failed pings.
	HealthInterval  string `koanf:"health_interval" mapstructure:"health_interval"`
	MaxPingFailures int    `koanf:"max_ping_failures" mapstructure:"max_ping_failures"`
}

type WebhookConfig struct {
	Source          string `koanf:"source" mapstructure:"source"`
	Secret          string `koanf:"secret" mapstructure:"secret"`
	SignatureHeader string `koanf:"signature_header" mapstructure:"signature_header"`
	SignaturePrefix string `koanf:"signature_prefix" mapstructure:"signature_prefix"`
	IdentityHeader  string `koanf:"identity_header" mapstructure:"identity_header"`
	IdentityPrefix  string `koanf:"identity_prefix" mapstructure:"identity_prefix"`
}

type DispatchConfig struct {
	Workers          int    `koanf:"workers" mapstructure:"workers"`
	QueueSize        int    `koanf:"queue_size" mapstructure:"queue_size"`
	MaxAdmitAttempts int    `koanf:"max_admit_attempts" mapstructure:"max_admit_attempts"`
	RequeueInitial   string `koanf:"requeue_initial" mapstructure:"requeue_initial"`
	RequeueMax       string `koanf:"requeue_max" mapstructure:"requeue_max"`
	ScanInterval     string `koanf:"scan_interval" mapstructure:"scan_interval"`
	ScanBatch        int    `koanf:"scan_batch" mapstructure:"scan_batch"`
	TriggerTimeout   string `koanf:"trigger_timeout" mapstructure:"trigger_timeout"`
}

type LeaseConfig struct {
	Backend        string `koanf:"backend" mapstructure:"backend"`
	TTL            string `koanf:"ttl" mapstructure:"ttl"`
	ReapInterval   string `koanf:"reap_interval" mapstructure:"reap_interval"`
	MaxRetries     int    `koanf:"max_retries" mapstructure:"max_retries"`
	InitialBackoff string `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     string `koanf:"max_backoff" mapstructure:"max_backoff"`
	RedisAddr      string `koanf:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword  string `koanf:"redis_password" mapstructure:"redis_password"`
	RedisDB        int    `koanf:"redis_db" mapstructure:"redis_db"`
	RedisPrefix    string `koanf:"redis_prefix" mapstructure:"redis_prefix"`
}

type CompletionConfig struct {
	Token           string `koanf:"token" mapstructure:"token"`
	DedupeCacheSize int    `koanf:"dedupe_cache_size" mapstructure:"dedupe_cache_size"`
	EarlyOutcomeTTL string `koanf:"early_outcome_ttl" mapstructure:"early_outcome_ttl"`
}

type NotifyConfig struct {
	ChatWebhookURL string `koanf:"chat_webhook_url" mapstructure:"chat_webhook_url"`
	ChatTimeout    string `koanf:"chat_timeout" mapstructure:"chat_timeout"`
}

type CacheConfig struct {
	TriggerTTL string `koanf:"trigger_ttl" mapstructure:"trigger_ttl"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Server      ServerConfig     `koanf:"server" mapstructure:"server"`
	Log         LogConfig        `koanf:"log" mapstructure:"log"`
	Database    DatabaseConfig   `koanf:"database" mapstructure:"database"`
	Webhook     WebhookConfig    `koanf:"webhook" mapstructure:"webhook"`
	Dispatch    DispatchConfig   `koanf:"dispatch" mapstructure:"dispatch"`
	Lease       LeaseConfig      `koanf:"lease" mapstructure:"lease"`
	Completion  CompletionConfig `koanf:"completion" mapstructure:"completion"`
	Notify      NotifyConfig     `koanf:"notify" mapstructure:"notify"`
	Cache       CacheConfig      `koanf:"cache" mapstructure:"cache"`
	Rules       []DispatchRule   `koanf:"rules" mapstructure:"rules"`
}

const (
	LeaseBackendMemory = "memory"
	LeaseBackendSQL    = "sql"
	LeaseBackendRedis  = "redis"
)

func DefaultConfig() Config {
	return Config{
		ServiceName: "dispatcher",
		Server: ServerConfig{
			Address:         ":8080",
			Mode:            "release",
			ReadTimeout:     "15s",
			ShutdownTimeout: "10s",
			MaxBodyBytes:    25 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:dispatcher.db?cache=shared&_foreign_keys=on",
			PingTimeout:     "5s",
			AutoMigrate:     true,
			HealthInterval:  "10s",
			MaxPingFailures: 3,
		},
		Webhook: WebhookConfig{
			Source:          "github",
			SignatureHeader: "X-Hub-Signature-256",
			SignaturePrefix: "sha256=",
			IdentityHeader:  "User-Agent",
			IdentityPrefix:  "GitHub-Hookshot/",
		},
		Dispatch: DispatchConfig{
			Workers:          4,
			QueueSize:        256,
			MaxAdmitAttempts: 20,
			RequeueInitial:   "2s",
			RequeueMax:       "1m",
			ScanInterval:     "5s",
			ScanBatch:        100,
			TriggerTimeout:   "10s",
		},
		Lease: LeaseConfig{
			Backend:        LeaseBackendSQL,
			TTL:            "2h",
			ReapInterval:   "1m",
			MaxRetries:     8,
			InitialBackoff: "250ms",
			MaxBackoff:     "10s",
			RedisPrefix:    "dispatch",
		},
		Completion: CompletionConfig{
			DedupeCacheSize: 4096,
			EarlyOutcomeTTL: "5m",
		},
		Notify: NotifyConfig{
			ChatTimeout: "5s",
		},
		Cache: CacheConfig{
			TriggerTTL: "1m",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return ConfigInvalid("service_name is required")
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return ConfigInvalid("webhook.secret is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite3", "sqlite", "postgres", "pgx":
	default:
		return ConfigInvalid(fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return ConfigInvalid("database.dsn is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Lease.Backend)) {
	case LeaseBackendMemory, LeaseBackendSQL:
	case LeaseBackendRedis:
		if strings.TrimSpace(c.Lease.RedisAddr) == "" {
			return ConfigInvalid("lease.redis_addr is required for the redis backend")
		}
	default:
		return ConfigInvalid(fmt.Sprintf("lease.backend %q is not supported", c.Lease.Backend))
	}
	if c.Lease.MaxRetries < 0 {
		return ConfigInvalid("lease.max_retries must not be negative")
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 {
		return ConfigInvalid("dispatch.workers and dispatch.queue_size must not be negative")
	}
	for key, value := range map[string]string{
		"server.read_timeout":          c.Server.ReadTimeout,
		"server.shutdown_timeout":      c.Server.ShutdownTimeout,
		"database.ping_timeout":        c.Database.PingTimeout,
		"dispatch.requeue_initial":     c.Dispatch.RequeueInitial,
		"dispatch.requeue_max":         c.Dispatch.RequeueMax,
		"dispatch.scan_interval":       c.Dispatch.ScanInterval,
		"dispatch.trigger_timeout":     c.Dispatch.TriggerTimeout,
		"lease.ttl":                    c.Lease.TTL,
		"lease.reap_interval":          c.Lease.ReapInterval,
		"lease.initial_backoff":        c.Lease.InitialBackoff,
		"lease.max_backoff":            c.Lease.MaxBackoff,
		"completion.early_outcome_ttl": c.Completion.EarlyOutcomeTTL,
		"notify.chat_timeout":          c.Notify.ChatTimeout,
		"cache.trigger_ttl":            c.Cache.TriggerTTL,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(value)); err != nil {
			return ConfigInvalid(fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(c.Rules) == 0 {
		return ConfigInvalid("at least one dispatch rule is required")
	}
	if _, err := NewRuleTable(c.Rules); err != nil {
		return err
	}
	return nil
}

// ParseDurationOr parses value, returning fallback when value is empty or
// not a positive duration.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
