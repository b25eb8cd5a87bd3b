package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full guardian configuration.
type Config struct {
	Thresholds    Thresholds    `yaml:"thresholds"`
	RestartPolicy RestartPolicy `yaml:"restart_policy"`
	Monitoring    Monitoring    `yaml:"monitoring"`
	Process       Process       `yaml:"process"`
	Persistence   Persistence   `yaml:"persistence"`
	API           API           `yaml:"api"`
	Logging       Logging       `yaml:"logging"`
}

// Thresholds defines memory classification boundaries in MB.
// The *Percent fields are percentage-of-system-memory alternates; they are
// applied only when the corresponding fixed MB value is unset (zero).
type Thresholds struct {
	WarningMB   int64 `yaml:"warning"`
	CriticalMB  int64 `yaml:"critical"`
	EmergencyMB int64 `yaml:"emergency"`

	WarningPercent   float64 `yaml:"warning_percent"`
	CriticalPercent  float64 `yaml:"critical_percent"`
	EmergencyPercent float64 `yaml:"emergency_percent"`
}

// Resolve fills unset fixed thresholds from the percentage alternates given
// the total system memory. Fixed values always win over percentages.
func (t *Thresholds) Resolve(totalSystemMB int64) {
	if t.WarningMB == 0 && t.WarningPercent > 0 {
		t.WarningMB = int64(float64(totalSystemMB) * t.WarningPercent / 100.0)
	}
	if t.CriticalMB == 0 && t.CriticalPercent > 0 {
		t.CriticalMB = int64(float64(totalSystemMB) * t.CriticalPercent / 100.0)
	}
	if t.EmergencyMB == 0 && t.EmergencyPercent > 0 {
		t.EmergencyMB = int64(float64(totalSystemMB) * t.EmergencyPercent / 100.0)
	}
}

// Validate ensures warning < critical < emergency and all are positive.
func (t *Thresholds) Validate() error {
	if t.WarningMB <= 0 || t.CriticalMB <= 0 || t.EmergencyMB <= 0 {
		return fmt.Errorf("thresholds must be positive: warning=%d critical=%d emergency=%d",
			t.WarningMB, t.CriticalMB, t.EmergencyMB)
	}
	if t.WarningMB >= t.CriticalMB {
		return fmt.Errorf("warning threshold (%d MB) must be below critical (%d MB)",
			t.WarningMB, t.CriticalMB)
	}
	if t.CriticalMB >= t.EmergencyMB {
		return fmt.Errorf("critical threshold (%d MB) must be below emergency (%d MB)",
			t.CriticalMB, t.EmergencyMB)
	}
	return nil
}

// RestartPolicy bounds how often and how aggressively the guardian restarts
// the supervised process.
type RestartPolicy struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	AttemptWindow      time.Duration `yaml:"attempt_window"`
	InitialCooldown    time.Duration `yaml:"initial_cooldown"`
	MaxCooldown        time.Duration `yaml:"max_cooldown"`
	CooldownMultiplier float64       `yaml:"cooldown_multiplier"`
	GracefulTimeout    time.Duration `yaml:"graceful_timeout"`
	ForceKillTimeout   time.Duration `yaml:"force_kill_timeout"`

	// RestartOn is the classification tier that triggers an automatic
	// restart: "emergency" (default) or "critical".
	RestartOn string `yaml:"restart_on"`
}

// Validate ensures all durations are positive and counts are sane.
func (p *RestartPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0, got %d", p.MaxAttempts)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"attempt_window", p.AttemptWindow},
		{"initial_cooldown", p.InitialCooldown},
		{"max_cooldown", p.MaxCooldown},
		{"graceful_timeout", p.GracefulTimeout},
		{"force_kill_timeout", p.ForceKillTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("restart_policy.%s must be positive, got %v", d.name, d.val)
		}
	}
	if p.CooldownMultiplier < 1.0 {
		return fmt.Errorf("cooldown_multiplier must be >= 1.0, got %.2f", p.CooldownMultiplier)
	}
	switch p.RestartOn {
	case "", "emergency", "critical":
	default:
		return fmt.Errorf("restart_on must be 'emergency' or 'critical', got %q", p.RestartOn)
	}
	return nil
}

// Monitoring configures the sampling cadence per classification tier.
type Monitoring struct {
	NormalInterval   time.Duration `yaml:"normal_interval"`
	WarningInterval  time.Duration `yaml:"warning_interval"`
	CriticalInterval time.Duration `yaml:"critical_interval"`
	LogInterval      time.Duration `yaml:"log_interval"`

	// SnapshotInterval enables periodic snapshots when positive.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// Validate ensures intervals are positive and ordered shortest-at-critical.
func (m *Monitoring) Validate() error {
	if m.NormalInterval <= 0 || m.WarningInterval <= 0 || m.CriticalInterval <= 0 {
		return fmt.Errorf("monitoring intervals must be positive")
	}
	if m.CriticalInterval > m.WarningInterval || m.WarningInterval > m.NormalInterval {
		return fmt.Errorf("monitoring intervals must tighten with severity: critical (%v) <= warning (%v) <= normal (%v)",
			m.CriticalInterval, m.WarningInterval, m.NormalInterval)
	}
	if m.LogInterval <= 0 {
		return fmt.Errorf("monitoring.log_interval must be positive, got %v", m.LogInterval)
	}
	return nil
}

// Process describes how to spawn the supervised process.
type Process struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	Env              []string `yaml:"env"`
	WorkingDirectory string   `yaml:"working_directory"`

	// SessionFile is the supervised application's own session record, read by
	// the context extraction service. Optional.
	SessionFile string `yaml:"session_file"`
}

// Validate ensures a command is configured.
func (p *Process) Validate() error {
	if p.Command == "" {
		return fmt.Errorf("process.command is required")
	}
	return nil
}

// Persistence configures snapshot storage, caching and retention.
type Persistence struct {
	Enabled         bool          `yaml:"persist_state"`
	StateFile       string        `yaml:"state_file"`
	Compress        bool          `yaml:"compress"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	JournalPath     string        `yaml:"journal_path"`
}

// Validate checks the persistence knobs when persistence is on.
func (p *Persistence) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.StateFile == "" {
		return fmt.Errorf("persistence.state_file is required when persist_state is true")
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("persistence.retention_days must be >= 0, got %d", p.RetentionDays)
	}
	if p.CacheSize <= 0 {
		return fmt.Errorf("persistence.cache_size must be positive, got %d", p.CacheSize)
	}
	if p.CacheTTL <= 0 {
		return fmt.Errorf("persistence.cache_ttl must be positive, got %v", p.CacheTTL)
	}
	return nil
}

// API configures the read-only status HTTP server.
type API struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	// AuthToken, when set, requires a matching bearer token on every request.
	AuthToken string `yaml:"auth_token"`
}

// Logging configures the guardian's own log output.
type Logging struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json"`
	File       string `yaml:"file"`
}

// Default returns the configuration defaults used when a value is not set in
// the config file or environment.
func Default() *Config {
	return &Config{
		Thresholds: Thresholds{
			WarningMB:   12288,
			CriticalMB:  15360,
			EmergencyMB: 18432,
		},
		RestartPolicy: RestartPolicy{
			MaxAttempts:        3,
			AttemptWindow:      30 * time.Minute,
			InitialCooldown:    30 * time.Second,
			MaxCooldown:        5 * time.Minute,
			CooldownMultiplier: 2.0,
			GracefulTimeout:    30 * time.Second,
			ForceKillTimeout:   10 * time.Second,
			RestartOn:          "emergency",
		},
		Monitoring: Monitoring{
			NormalInterval:   30 * time.Second,
			WarningInterval:  15 * time.Second,
			CriticalInterval: 5 * time.Second,
			LogInterval:      5 * time.Minute,
		},
		Persistence: Persistence{
			Enabled:         true,
			StateFile:       "memguard-state.json",
			Compress:        true,
			RetentionDays:   7,
			CleanupInterval: 24 * time.Hour,
			CacheSize:       16,
			CacheTTL:        10 * time.Minute,
			JournalPath:     "memguard-journal.db",
		},
		API: API{
			Enabled: true,
			Listen:  "127.0.0.1:9723",
		},
		Logging: Logging{
			Level: "INFO",
		},
	}
}

// Validate runs all section validators. This is the fail-fast gate the
// guardian constructor goes through before touching any process.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	if err := c.RestartPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid restart policy: %w", err)
	}
	if err := c.Monitoring.Validate(); err != nil {
		return fmt.Errorf("invalid monitoring config: %w", err)
	}
	if err := c.Process.Validate(); err != nil {
		return fmt.Errorf("invalid process config: %w", err)
	}
	if err := c.Persistence.Validate(); err != nil {
		return fmt.Errorf("invalid persistence config: %w", err)
	}
	return nil
}

// FromViper reads a Config out of an initialized viper instance, applying
// defaults for anything unset.
func FromViper(v *viper.Viper) *Config {
	cfg := Default()

	if v.IsSet("thresholds.warning_percent") {
		cfg.Thresholds.WarningMB = 0
		cfg.Thresholds.WarningPercent = v.GetFloat64("thresholds.warning_percent")
	}
	if v.IsSet("thresholds.critical_percent") {
		cfg.Thresholds.CriticalMB = 0
		cfg.Thresholds.CriticalPercent = v.GetFloat64("thresholds.critical_percent")
	}
	if v.IsSet("thresholds.emergency_percent") {
		cfg.Thresholds.EmergencyMB = 0
		cfg.Thresholds.EmergencyPercent = v.GetFloat64("thresholds.emergency_percent")
	}
	// Explicit fixed values override the percentage alternates.
	if v.IsSet("thresholds.warning") {
		cfg.Thresholds.WarningMB = v.GetInt64("thresholds.warning")
	}
	if v.IsSet("thresholds.critical") {
		cfg.Thresholds.CriticalMB = v.GetInt64("thresholds.critical")
	}
	if v.IsSet("thresholds.emergency") {
		cfg.Thresholds.EmergencyMB = v.GetInt64("thresholds.emergency")
	}

	if v.IsSet("restart_policy.max_attempts") {
		cfg.RestartPolicy.MaxAttempts = v.GetInt("restart_policy.max_attempts")
	}
	if v.IsSet("restart_policy.attempt_window") {
		cfg.RestartPolicy.AttemptWindow = v.GetDuration("restart_policy.attempt_window")
	}
	if v.IsSet("restart_policy.initial_cooldown") {
		cfg.RestartPolicy.InitialCooldown = v.GetDuration("restart_policy.initial_cooldown")
	}
	if v.IsSet("restart_policy.max_cooldown") {
		cfg.RestartPolicy.MaxCooldown = v.GetDuration("restart_policy.max_cooldown")
	}
	if v.IsSet("restart_policy.cooldown_multiplier") {
		cfg.RestartPolicy.CooldownMultiplier = v.GetFloat64("restart_policy.cooldown_multiplier")
	}
	if v.IsSet("restart_policy.graceful_timeout") {
		cfg.RestartPolicy.GracefulTimeout = v.GetDuration("restart_policy.graceful_timeout")
	}
	if v.IsSet("restart_policy.force_kill_timeout") {
		cfg.RestartPolicy.ForceKillTimeout = v.GetDuration("restart_policy.force_kill_timeout")
	}
	if v.IsSet("restart_policy.restart_on") {
		cfg.RestartPolicy.RestartOn = v.GetString("restart_policy.restart_on")
	}

	if v.IsSet("monitoring.normal_interval") {
		cfg.Monitoring.NormalInterval = v.GetDuration("monitoring.normal_interval")
	}
	if v.IsSet("monitoring.warning_interval") {
		cfg.Monitoring.WarningInterval = v.GetDuration("monitoring.warning_interval")
	}
	if v.IsSet("monitoring.critical_interval") {
		cfg.Monitoring.CriticalInterval = v.GetDuration("monitoring.critical_interval")
	}
	if v.IsSet("monitoring.log_interval") {
		cfg.Monitoring.LogInterval = v.GetDuration("monitoring.log_interval")
	}
	if v.IsSet("monitoring.snapshot_interval") {
		cfg.Monitoring.SnapshotInterval = v.GetDuration("monitoring.snapshot_interval")
	}

	cfg.Process.Command = v.GetString("process.command")
	cfg.Process.Args = v.GetStringSlice("process.args")
	cfg.Process.Env = v.GetStringSlice("process.env")
	cfg.Process.WorkingDirectory = v.GetString("process.working_directory")
	cfg.Process.SessionFile = v.GetString("process.session_file")

	if v.IsSet("persist_state") {
		cfg.Persistence.Enabled = v.GetBool("persist_state")
	}
	if v.IsSet("state_file") {
		cfg.Persistence.StateFile = v.GetString("state_file")
	}
	if v.IsSet("persistence.compress") {
		cfg.Persistence.Compress = v.GetBool("persistence.compress")
	}
	if v.IsSet("persistence.retention_days") {
		cfg.Persistence.RetentionDays = v.GetInt("persistence.retention_days")
	}
	if v.IsSet("persistence.cleanup_interval") {
		cfg.Persistence.CleanupInterval = v.GetDuration("persistence.cleanup_interval")
	}
	if v.IsSet("persistence.cache_size") {
		cfg.Persistence.CacheSize = v.GetInt("persistence.cache_size")
	}
	if v.IsSet("persistence.cache_ttl") {
		cfg.Persistence.CacheTTL = v.GetDuration("persistence.cache_ttl")
	}
	if v.IsSet("persistence.journal_path") {
		cfg.Persistence.JournalPath = v.GetString("persistence.journal_path")
	}

	if v.IsSet("api.enabled") {
		cfg.API.Enabled = v.GetBool("api.enabled")
	}
	if v.IsSet("api.listen") {
		cfg.API.Listen = v.GetString("api.listen")
	}
	if v.IsSet("api.auth_token") {
		cfg.API.AuthToken = v.GetString("api.auth_token")
	}

	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.json") {
		cfg.Logging.JSONFormat = v.GetBool("logging.json")
	}
	if v.IsSet("logging.file") {
		cfg.Logging.File = v.GetString("logging.file")
	}

	return cfg
}
