package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/adolago/tiara/internal/consensus"
	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/monitor"
	"github.com/adolago/tiara/internal/rollback"
	"github.com/adolago/tiara/internal/scheduler"
	"github.com/adolago/tiara/internal/tools"
)

// EnvPrefix prefixes every environment override, e.g. TIARA_SCHEDULER_MAX_RETRIES
const EnvPrefix = "TIARA"

// Config is the daemon configuration
type Config struct {
	App       AppConfig            `mapstructure:"app"`
	Log       LogConfig            `mapstructure:"log"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Store     StoreConfig          `mapstructure:"store"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Consensus consensus.Config     `mapstructure:"consensus"`
	Rollback  rollback.Config      `mapstructure:"rollback"`
	Health    monitor.HealthConfig `mapstructure:"health"`
	Monitor   MonitorConfig        `mapstructure:"monitor"`
	Tools     ToolsConfig          `mapstructure:"tools"`
	Metrics   MetricsConfig        `mapstructure:"metrics"`
	History   HistoryConfig        `mapstructure:"history"`
}

// AppConfig identifies the daemon
type AppConfig struct {
	Name    string `mapstructure:"name"`
	SwarmID string `mapstructure:"swarm_id"`
}

// LogConfig selects the logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NATSConfig configures the event bus connection
type NATSConfig struct {
	Embedded       bool          `mapstructure:"embedded"`
	Port           int           `mapstructure:"port"`
	StoreDir       string        `mapstructure:"store_dir"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
}

// StoreConfig selects and configures the durable store backend
type StoreConfig struct {
	Backend string      `mapstructure:"backend"`
	SQLite  SQLiteStore `mapstructure:"sqlite"`
	Redis   RedisStore  `mapstructure:"redis"`
	HTTP    HTTPStore   `mapstructure:"http"`
}

// SQLiteStore configures the SQLite backend
type SQLiteStore struct {
	Path string `mapstructure:"path"`
}

// RedisStore configures the Redis backend
type RedisStore struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// HTTPStore configures the remote document service backend
type HTTPStore struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig holds the orchestrator and selector tunables
type SchedulerConfig struct {
	scheduler.Config `mapstructure:",squash"`
	Weights          scheduler.Weights `mapstructure:"weights"`
	MinReliability   float64           `mapstructure:"min_reliability"`
}

// MonitorConfig holds the periodic job schedules and alerting settings
type MonitorConfig struct {
	HealthSchedule   string        `mapstructure:"health_schedule"`
	MetricsSchedule  string        `mapstructure:"metrics_schedule"`
	ExpirySchedule   string        `mapstructure:"expiry_schedule"`
	EscalateSchedule string        `mapstructure:"escalate_schedule"`
	EscalateAfter    time.Duration `mapstructure:"escalate_after"`
	MaxAlerts        int           `mapstructure:"max_alerts"`
	DiskPath         string        `mapstructure:"disk_path"`
	CPUWindow        time.Duration `mapstructure:"cpu_window"`
}

// ToolsConfig configures the tool invocation layer
type ToolsConfig struct {
	tools.HTTPInvokerConfig `mapstructure:",squash"`
	Enabled                 bool `mapstructure:"enabled"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// HistoryConfig configures attempt history retention
type HistoryConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// Default returns the configuration the daemon runs with when no file is present
func Default() Config {
	return Config{
		App: AppConfig{Name: "tiara", SwarmID: "default"},
		Log: LogConfig{Level: "info"},
		NATS: NATSConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "data/jetstream",
			URL:            "nats://127.0.0.1:4222",
			MaxReconnects:  10,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			GatewayTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite:  SQLiteStore{Path: "data/tiara.db"},
			Redis:   RedisStore{Addr: "127.0.0.1:6379", KeyPrefix: "tiara"},
			HTTP:    HTTPStore{Timeout: 10 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Config:         scheduler.DefaultConfig(),
			Weights:        scheduler.DefaultWeights(),
			MinReliability: 0,
		},
		Consensus: consensus.DefaultConfig(),
		Rollback:  rollback.DefaultConfig(),
		Health:    monitor.DefaultHealthConfig(),
		Monitor: MonitorConfig{
			HealthSchedule:   "@every 10s",
			MetricsSchedule:  "@every 15s",
			ExpirySchedule:   "@every 5s",
			EscalateSchedule: "@every 1m",
			EscalateAfter:    15 * time.Minute,
			MaxAlerts:        500,
			DiskPath:         "/",
			CPUWindow:        time.Second,
		},
		Tools: ToolsConfig{
			HTTPInvokerConfig: tools.HTTPInvokerConfig{
				DefaultTimeout: 30 * time.Second,
				RateLimit:      20,
				Burst:          5,
			},
		},
		Metrics: MetricsConfig{Addr: ":9090", Namespace: "tiara"},
		History: HistoryConfig{Retention: 30 * 24 * time.Hour, PruneSchedule: "@daily"},
	}
}

// setDefaults registers every scalar key so environment overrides apply
// without a config file. List-valued settings are filled in after decoding.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.swarm_id", d.App.SwarmID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("nats.embedded", d.NATS.Embedded)
	v.SetDefault("nats.port", d.NATS.Port)
	v.SetDefault("nats.store_dir", d.NATS.StoreDir)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.connect_timeout", d.NATS.ConnectTimeout)
	v.SetDefault("nats.gateway_timeout", d.NATS.GatewayTimeout)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.sqlite.path", d.Store.SQLite.Path)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.key_prefix", d.Store.Redis.KeyPrefix)
	v.SetDefault("store.http.base_url", d.Store.HTTP.BaseURL)
	v.SetDefault("store.http.token", d.Store.HTTP.Token)
	v.SetDefault("store.http.timeout", d.Store.HTTP.Timeout)

	s := d.Scheduler
	v.SetDefault("scheduler.tick_interval", s.TickInterval)
	v.SetDefault("scheduler.inbox_size", s.InboxSize)
	v.SetDefault("scheduler.dispatch_timeout", s.DispatchTimeout)
	v.SetDefault("scheduler.default_timeout", s.DefaultTimeout)
	v.SetDefault("scheduler.max_retries", s.MaxRetries)
	v.SetDefault("scheduler.backoff.initial_delay", s.Backoff.InitialDelay)
	v.SetDefault("scheduler.backoff.max_delay", s.Backoff.MaxDelay)
	v.SetDefault("scheduler.backoff.multiplier", s.Backoff.Multiplier)
	v.SetDefault("scheduler.stats_window", s.StatsWindow)
	v.SetDefault("scheduler.weights.capability", s.Weights.Capability)
	v.SetDefault("scheduler.weights.reliability", s.Weights.Reliability)
	v.SetDefault("scheduler.weights.availability", s.Weights.Availability)
	v.SetDefault("scheduler.weights.quality", s.Weights.Quality)
	v.SetDefault("scheduler.min_reliability", s.MinReliability)

	c := d.Consensus
	v.SetDefault("consensus.default_threshold", c.DefaultThreshold)
	v.SetDefault("consensus.default_ttl", c.DefaultTTL)
	v.SetDefault("consensus.byzantine.window", c.Detector.Window)
	v.SetDefault("consensus.byzantine.contradiction_ratio", c.Detector.ContradictionRatio)
	v.SetDefault("consensus.byzantine.min_messages", c.Detector.MinMessages)
	v.SetDefault("consensus.byzantine.timing_cv", c.Detector.TimingCV)
	v.SetDefault("consensus.byzantine.min_intervals", c.Detector.MinIntervals)
	v.SetDefault("consensus.byzantine.spam_limit", c.Detector.SpamLimit)

	r := d.Rollback
	v.SetDefault("rollback.max_snapshots", r.MaxSnapshots)
	v.SetDefault("rollback.snapshot_schedule", r.SnapshotSchedule)
	v.SetDefault("rollback.data_dir", r.DataDir)
	v.SetDefault("rollback.triggers.grace_period", r.Triggers.GracePeriod)
	v.SetDefault("rollback.triggers.min_violations", r.Triggers.MinViolations)
	v.SetDefault("rollback.triggers.cooldown", r.Triggers.Cooldown)

	h := d.Health
	v.SetDefault("health.heartbeat_timeout", h.HeartbeatTimeout)
	v.SetDefault("health.degraded_threshold", h.DegradedThreshold)
	v.SetDefault("health.trend_window", h.TrendWindow)
	v.SetDefault("health.trend_delta", h.TrendDelta)

	m := d.Monitor
	v.SetDefault("monitor.health_schedule", m.HealthSchedule)
	v.SetDefault("monitor.metrics_schedule", m.MetricsSchedule)
	v.SetDefault("monitor.expiry_schedule", m.ExpirySchedule)
	v.SetDefault("monitor.escalate_schedule", m.EscalateSchedule)
	v.SetDefault("monitor.escalate_after", m.EscalateAfter)
	v.SetDefault("monitor.max_alerts", m.MaxAlerts)
	v.SetDefault("monitor.disk_path", m.DiskPath)
	v.SetDefault("monitor.cpu_window", m.CPUWindow)

	t := d.Tools
	v.SetDefault("tools.enabled", t.Enabled)
	v.SetDefault("tools.base_url", t.BaseURL)
	v.SetDefault("tools.token", t.Token)
	v.SetDefault("tools.default_timeout", t.DefaultTimeout)
	v.SetDefault("tools.rate_limit", t.RateLimit)
	v.SetDefault("tools.burst", t.Burst)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("history.retention", d.History.Retention)
	v.SetDefault("history.prune_schedule", d.History.PruneSchedule)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// decode unmarshals v and fills list-valued settings the sources left empty
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	d := Default()
	if len(cfg.Rollback.Triggers.Thresholds) == 0 {
		cfg.Rollback.Triggers.Thresholds = d.Rollback.Triggers.Thresholds
	}
	if len(cfg.Rollback.Strategies) == 0 {
		cfg.Rollback.Strategies = d.Rollback.Strategies
	}
	if len(cfg.Tools.Catalogue) == 0 {
		cfg.Tools.Catalogue = append([]string(nil), tools.DefaultCatalogue...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Store.Backend {
	case "sqlite", "redis", "http", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	check(c.Store.Backend != "http" || c.Store.HTTP.BaseURL != "", "store.http.base_url is required for the http backend")
	check(!c.Tools.Enabled || c.Tools.BaseURL != "", "tools.base_url is required when tools are enabled")
	check(c.NATS.Embedded || c.NATS.URL != "", "nats.url is required when nats is not embedded")

	b := c.Scheduler.Backoff
	check(b.InitialDelay > 0, "scheduler.backoff.initial_delay must be positive")
	check(b.MaxDelay >= b.InitialDelay, "scheduler.backoff.max_delay must not be below initial_delay")
	check(b.Multiplier > 1, "scheduler.backoff.multiplier must be greater than 1, got %v", b.Multiplier)

	w := c.Scheduler.Weights
	check(w.Capability >= 0 && w.Reliability >= 0 && w.Availability >= 0 && w.Quality >= 0,
		"scheduler.weights must be non-negative")
	check(c.Scheduler.MinReliability >= 0 && c.Scheduler.MinReliability <= 1,
		"scheduler.min_reliability must be in [0,1], got %v", c.Scheduler.MinReliability)

	check(c.Consensus.DefaultThreshold > 0 && c.Consensus.DefaultThreshold <= 1,
		"consensus.default_threshold must be in (0,1], got %v", c.Consensus.DefaultThreshold)
	check(c.Consensus.DefaultTTL > 0, "consensus.default_ttl must be positive")

	check(c.Rollback.MaxSnapshots > 0, "rollback.max_snapshots must be positive")
	check(c.Rollback.Triggers.MinViolations > 0, "rollback.triggers.min_violations must be positive")
	for _, t := range c.Rollback.Triggers.Thresholds {
		_, known := model.MetricSample{}.Value(t.Metric)
		check(known, "rollback.triggers.thresholds: unknown metric %q", t.Metric)
		check(t.Comparison == rollback.Above || t.Comparison == rollback.Below,
			"rollback.triggers.thresholds: %s comparison must be above or below", t.Metric)
	}
	for _, s := range c.Rollback.Strategies {
		check(s.Name != "", "rollback.strategies: strategy name is required")
		for _, step := range s.Steps {
			check(knownStep(step), "rollback.strategies: %s has unknown step %q", s.Name, step)
		}
	}

	check(c.Health.DegradedThreshold >= 0 && c.Health.DegradedThreshold <= 1,
		"health.degraded_threshold must be in [0,1]")

	return errors.Join(errs...)
}

func knownStep(s rollback.Step) bool {
	for _, known := range rollback.StepOrder {
		if s == known {
			return true
		}
	}
	return false
}
