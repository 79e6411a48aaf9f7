/*
Copyright 2025 MedTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the orchestrator configuration from
// YAML, with environment overrides for secrets.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/medtrack/psymon/pkg/shared/errkind"
)

// Config is the full orchestrator configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Notify     NotifyConfig     `yaml:"notifications"`
	EPR        EPRConfig        `yaml:"epr"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServiceConfig names the service and its operational HTTP listener.
type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	OpsAddr     string `yaml:"ops_addr" validate:"required"`
	RulesetPath string `yaml:"ruleset_path"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the security store backend. With Required unset and
// no address, the in-memory store is used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Required bool   `yaml:"required"`
}

// WebhookConfig tunes the ingestion security gates. AllowIdentifiers
// disables the identifier-like-value rejection; it stays off in
// anonymised deployments.
type WebhookConfig struct {
	Secret              string        `yaml:"secret"`
	AllowIdentifiers    bool          `yaml:"allow_identifiers"`
	TimestampTolerance  time.Duration `yaml:"timestamp_tolerance"`
	ReplayTTL           time.Duration `yaml:"replay_ttl"`
	IdempotencyTTL      time.Duration `yaml:"idempotency_ttl"`
	RateLimitMaxPerHour int64         `yaml:"rate_limit_max_per_hour" validate:"gte=0"`
	RateLimitBurst      int64         `yaml:"rate_limit_burst" validate:"gte=0"`
}

// MonitoringConfig tunes the scheduling and task engines.
type MonitoringConfig struct {
	TaskWindowDays          int `yaml:"task_window_days" validate:"gt=0"`
	EscalationThresholdDays int `yaml:"escalation_threshold_days" validate:"gt=0"`
	SchedulingHorizonYears  int `yaml:"scheduling_horizon_years" validate:"gt=0,lte=20"`
}

// NotifyConfig addresses the team inboxes and optional Slack channel.
// InAppEnabled gates all in-app notification creation.
type NotifyConfig struct {
	InAppEnabled    bool   `yaml:"in_app_notifications_enabled"`
	TeamInboxID     string `yaml:"team_inbox_id" validate:"required"`
	TeamLeadInboxID string `yaml:"team_lead_inbox_id" validate:"required"`
	SlackToken      string `yaml:"slack_token"`
	SlackChannelID  string `yaml:"slack_channel_id"`
}

// EPRConfig holds the upstream record API settings. Mode OFF disables
// on-demand fetches.
type EPRConfig struct {
	Mode    string        `yaml:"mode" validate:"oneof=OFF READ_ONLY"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// SweepConfig tunes the daily sweep runner.
type SweepConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration defaults; Load applies the file on
// top of these.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:    "monitoring-orchestrator",
			OpsAddr: ":9090",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Webhook: WebhookConfig{
			TimestampTolerance:  10 * time.Minute,
			ReplayTTL:           10 * time.Minute,
			IdempotencyTTL:      24 * time.Hour,
			RateLimitMaxPerHour: 100,
			RateLimitBurst:      20,
		},
		Monitoring: MonitoringConfig{
			TaskWindowDays:          14,
			EscalationThresholdDays: 30,
			SchedulingHorizonYears:  5,
		},
		Notify: NotifyConfig{
			InAppEnabled:    true,
			TeamInboxID:     "TEAM_INBOX",
			TeamLeadInboxID: "TEAM_LEAD_INBOX",
		},
		EPR: EPRConfig{
			Mode:    "OFF",
			Timeout: 10 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:     24 * time.Hour,
			MaxRetries:   5,
			RetryBackoff: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment
// overrides for secrets, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errkind.Wrap(errkind.Configuration, err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errkind.Wrap(errkind.Configuration, err, "failed to parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment so they
// can stay out of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("EPR_API_KEY"); v != "" {
		c.EPR.APIKey = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		c.Notify.SlackToken = v
	}
}

// Validate checks structural constraints plus the cross-field rules the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errkind.Wrap(errkind.Configuration, err, "invalid configuration")
	}
	if c.EPR.Mode != "OFF" && c.EPR.BaseURL == "" {
		return errkind.New(errkind.Configuration, "epr.base_url is required when epr.mode is %s", c.EPR.Mode)
	}
	if c.Redis.Required && c.Redis.Addr == "" {
		return errkind.New(errkind.Configuration, "redis.addr is required when redis.required is set")
	}
	return nil
}
