// Package config loads ambient operational knobs for the control plane:
// burn-rate thresholds, dedup windows, breaker defaults, channel
// timeouts. It never parses the declarative SLO/Rollout documents -
// those remain a format definition only, loaded by their owning
// component from whatever source a caller supplies.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every ambient knob the control plane's subsystems read
// at construction time.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	SLO       SLOConfig       `mapstructure:"slo"`
	CostGuard CostGuardConfig `mapstructure:"cost_guard"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Incident  IncidentConfig  `mapstructure:"incident"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Chaos     ChaosConfig     `mapstructure:"chaos"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
}

// AppConfig carries process-level identity and logging knobs.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// SLOConfig carries default error-budget windows and burn-rate alert
// thresholds applied when an SLO's policy does not override them.
type SLOConfig struct {
	DefaultBudgetWindow  time.Duration   `mapstructure:"default_budget_window"`
	BurnRateWarn         float64         `mapstructure:"burn_rate_warn"`
	BurnRateCritical     float64         `mapstructure:"burn_rate_critical"`
	ComplianceMargin     float64         `mapstructure:"compliance_margin"`
	BurnRateWindows      []time.Duration `mapstructure:"burn_rate_windows"`
}

// CostGuardConfig carries hierarchical budget-enforcement defaults.
type CostGuardConfig struct {
	ThrottleThreshold  float64         `mapstructure:"throttle_threshold"`
	KillSwitchThreshold float64        `mapstructure:"kill_switch_threshold"`
	AlertThresholds    []float64       `mapstructure:"alert_thresholds"`
	AnomalyZScore      float64         `mapstructure:"anomaly_z_score"`
	AnomalyMinSamples  int             `mapstructure:"anomaly_min_samples"`
	AnomalyEWMAK       float64         `mapstructure:"anomaly_ewma_k"`
}

// BreakerConfig carries per-agent circuit breaker defaults.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxTrials int           `mapstructure:"half_open_max_trials"`
	CascadeThreshold  int           `mapstructure:"cascade_threshold"`
}

// IncidentConfig carries signal correlation defaults.
type IncidentConfig struct {
	CorrelationWindow time.Duration `mapstructure:"correlation_window"`
}

// AlertingConfig carries alert fan-out defaults.
type AlertingConfig struct {
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
	ChannelTimeout time.Duration `mapstructure:"channel_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
	RedisAddr      string        `mapstructure:"redis_addr"`
}

// ChaosConfig carries chaos-runner defaults.
type ChaosConfig struct {
	DefaultBlastRadius float64 `mapstructure:"default_blast_radius"`
}

// FleetConfig carries fleet-health thresholds.
type FleetConfig struct {
	HeartbeatStaleAfter time.Duration `mapstructure:"heartbeat_stale_after"`
	DegradedSuccessRate float64       `mapstructure:"degraded_success_rate"`
}

// Load reads ambient configuration from configPath (if non-empty) and
// the environment, applying defaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("controlplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/controlplane")
	}

	v.SetEnvPrefix("CONTROLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "controlplane")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("slo.default_budget_window", "720h") // 30 days
	v.SetDefault("slo.burn_rate_warn", 2.0)
	v.SetDefault("slo.burn_rate_critical", 10.0)
	v.SetDefault("slo.compliance_margin", 0.0)
	v.SetDefault("slo.burn_rate_windows", []string{"1h", "6h", "24h", "72h"})

	v.SetDefault("cost_guard.throttle_threshold", 0.85)
	v.SetDefault("cost_guard.kill_switch_threshold", 0.95)
	v.SetDefault("cost_guard.alert_thresholds", []float64{0.50, 0.75, 0.90, 0.95})
	v.SetDefault("cost_guard.anomaly_z_score", 3.0)
	v.SetDefault("cost_guard.anomaly_min_samples", 30)
	v.SetDefault("cost_guard.anomaly_ewma_k", 3.0)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.half_open_max_trials", 1)
	v.SetDefault("breaker.cascade_threshold", 3)

	v.SetDefault("incident.correlation_window", "300s")

	v.SetDefault("alerting.dedup_window", "300s")
	v.SetDefault("alerting.channel_timeout", "5s")
	v.SetDefault("alerting.rate_per_second", 5.0)
	v.SetDefault("alerting.rate_burst", 10)
	v.SetDefault("alerting.redis_addr", "")

	v.SetDefault("chaos.default_blast_radius", 0.10)

	v.SetDefault("fleet.heartbeat_stale_after", "90s")
	v.SetDefault("fleet.degraded_success_rate", 0.90)
}

// Validate checks invariants that defaults and file/env values must
// jointly satisfy.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.SLO.BurnRateCritical <= c.SLO.BurnRateWarn {
		return fmt.Errorf("slo.burn_rate_critical must exceed slo.burn_rate_warn")
	}
	if c.CostGuard.KillSwitchThreshold <= c.CostGuard.ThrottleThreshold {
		return fmt.Errorf("cost_guard.kill_switch_threshold must exceed cost_guard.throttle_threshold")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.HalfOpenMaxTrials <= 0 {
		return fmt.Errorf("breaker.half_open_max_trials must be positive")
	}
	return nil
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Environment, "production")
}
