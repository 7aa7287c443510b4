// Package config loads the engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/store"
	"github.com/atmx/yield-engine/internal/unlock"
)

// Config holds all configuration for the ledger engine.
type Config struct {
	Port         string `mapstructure:"PORT"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	// Timezone is the IANA zone every day boundary is computed in.
	Timezone string `mapstructure:"TIMEZONE"`

	AccrualSchedule       string `mapstructure:"ACCRUAL_SCHEDULE"`
	UnlockSchedule        string `mapstructure:"UNLOCK_SCHEDULE"`
	RotationCheckSchedule string `mapstructure:"ROTATION_CHECK_SCHEDULE"`
	SchedulerEnabled      bool   `mapstructure:"SCHEDULER_ENABLED"`

	DirectHoldDays int `mapstructure:"DIRECT_HOLD_DAYS"`
	TeamHoldDays   int `mapstructure:"TEAM_HOLD_DAYS"`

	StaleRunThreshold     time.Duration `mapstructure:"STALE_RUN_THRESHOLD"`
	JobLockTTL            time.Duration `mapstructure:"JOB_LOCK_TTL"`
	RotationSkewThreshold int64         `mapstructure:"ROTATION_SKEW_THRESHOLD"`
	RotationAutoRebalance bool          `mapstructure:"ROTATION_AUTO_REBALANCE"`
	RunCacheTTL           time.Duration `mapstructure:"RUN_CACHE_TTL"`
	AmountScale           int           `mapstructure:"AMOUNT_SCALE"`
	NotifyQueueSize       int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "REDIS_URL", "AMQP_URL", "AMQP_EXCHANGE", "TIMEZONE",
	"ACCRUAL_SCHEDULE", "UNLOCK_SCHEDULE", "ROTATION_CHECK_SCHEDULE", "SCHEDULER_ENABLED",
	"DIRECT_HOLD_DAYS", "TEAM_HOLD_DAYS", "STALE_RUN_THRESHOLD", "JOB_LOCK_TTL",
	"ROTATION_SKEW_THRESHOLD", "ROTATION_AUTO_REBALANCE", "RUN_CACHE_TTL", "AMOUNT_SCALE",
	"NOTIFY_QUEUE_SIZE",
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("AMQP_EXCHANGE", "ledger_events")
	viper.SetDefault("TIMEZONE", "UTC")
	viper.SetDefault("ACCRUAL_SCHEDULE", "5 0 * * *")           // 00:05 daily
	viper.SetDefault("UNLOCK_SCHEDULE", "15 0 * * *")           // 00:15 daily
	viper.SetDefault("ROTATION_CHECK_SCHEDULE", "*/30 * * * *") // every 30 minutes
	viper.SetDefault("SCHEDULER_ENABLED", true)
	viper.SetDefault("DIRECT_HOLD_DAYS", unlock.DefaultHoldPolicy.DirectDays)
	viper.SetDefault("TEAM_HOLD_DAYS", unlock.DefaultHoldPolicy.TeamDays)
	viper.SetDefault("STALE_RUN_THRESHOLD", "2h")
	viper.SetDefault("JOB_LOCK_TTL", "30m")
	viper.SetDefault("ROTATION_SKEW_THRESHOLD", 10)
	viper.SetDefault("ROTATION_AUTO_REBALANCE", false)
	viper.SetDefault("RUN_CACHE_TTL", "10m")
	viper.SetDefault("AMOUNT_SCALE", 8)
	viper.SetDefault("NOTIFY_QUEUE_SIZE", 1024)
	viper.AutomaticEnv()

	// Bind explicitly so unset keys still appear in Unmarshal.
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if _, err := calendar.Load(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if c.DirectHoldDays < 1 {
		return fmt.Errorf("DIRECT_HOLD_DAYS must be positive, got %d", c.DirectHoldDays)
	}
	if c.TeamHoldDays < 1 {
		return fmt.Errorf("TEAM_HOLD_DAYS must be positive, got %d", c.TeamHoldDays)
	}
	if c.TeamHoldDays < c.DirectHoldDays {
		return fmt.Errorf("TEAM_HOLD_DAYS (%d) must not be shorter than DIRECT_HOLD_DAYS (%d)", c.TeamHoldDays, c.DirectHoldDays)
	}
	if c.StaleRunThreshold <= 0 {
		return errors.New("STALE_RUN_THRESHOLD must be positive")
	}
	if c.JobLockTTL <= 0 {
		return errors.New("JOB_LOCK_TTL must be positive")
	}
	// Money columns are numeric(30,8); a finer scale would be rounded away on write.
	if c.AmountScale < 2 || c.AmountScale > store.MoneyScale {
		return fmt.Errorf("AMOUNT_SCALE must be between 2 and %d, got %d", store.MoneyScale, c.AmountScale)
	}
	if c.RotationSkewThreshold < 0 {
		return errors.New("ROTATION_SKEW_THRESHOLD must not be negative")
	}
	return nil
}

// HoldPolicy returns the commission hold policy.
func (c *Config) HoldPolicy() unlock.HoldPolicy {
	return unlock.HoldPolicy{DirectDays: c.DirectHoldDays, TeamDays: c.TeamHoldDays}
}

// Calendar returns the reference-timezone calendar.
func (c *Config) Calendar() calendar.Calendar {
	cal, err := calendar.Load(c.Timezone)
	if err != nil {
		return calendar.New(nil)
	}
	return cal
}
