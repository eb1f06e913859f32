package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	SLO        SLOConfig        `yaml:"slo"`
	Freeze     FreezeConfig     `yaml:"freeze"`
	Governance GovernanceConfig `yaml:"governance"`
	Autoplan   AutoplanConfig   `yaml:"autoplan"`
	Review     ReviewConfig     `yaml:"review"`
	Notify     NotifyConfig     `yaml:"notify"`
	JWT        JWTConfig        `yaml:"jwt"`
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

// SLOConfig points at the external burn-rate metrics source and names the
// observation windows the evaluator pulls.
type SLOConfig struct {
	Name    string              `yaml:"name"` // SLO identifier at the metrics source
	Metrics MetricsSourceConfig `yaml:"metrics"`
	Windows []BurnWindowConfig  `yaml:"windows"`
}

type MetricsSourceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type BurnWindowConfig struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
}

// FreezeConfig is the base launch-freeze configuration; an active override
// replaces any subset of these fields for the duration of the override.
type FreezeConfig struct {
	WarningBurnPct                 float64       `yaml:"warning_burn_pct"`
	CriticalBurnPct                float64       `yaml:"critical_burn_pct"`
	RecoveryHealthyWindowsRequired int           `yaml:"recovery_healthy_windows_required"`
	MinRecoverySpacing             time.Duration `yaml:"min_recovery_spacing"`
	BlockedChannels                []string      `yaml:"blocked_channels"`
	BlockedActions                 []string      `yaml:"blocked_actions"`
	MonitorInterval                time.Duration `yaml:"monitor_interval"`
}

// GovernanceConfig bounds what overrides may do and how long postmortems
// may stay open.
type GovernanceConfig struct {
	MaxOverrideTTL  time.Duration `yaml:"max_override_ttl"`
	RequestTTL      time.Duration `yaml:"request_ttl"`
	PostmortemSLA   time.Duration `yaml:"postmortem_sla"`
	HistoryLimit    int           `yaml:"history_limit"`
	PrivilegedRoles []string      `yaml:"privileged_roles"`
	RequesterRoles  []string      `yaml:"requester_roles"`
}

type AutoplanConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	MaxCreates   int `yaml:"max_creates"`
}

// ReviewConfig controls the pre-publish review gate.
type ReviewConfig struct {
	RequireForLaunch bool `yaml:"require_for_launch"`
	SLAHours         int  `yaml:"sla_hours"`
	EscalationHours  int  `yaml:"escalation_hours"`
}

type NotifyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	RBAC         RBACConfig         `yaml:"rbac"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	WhitelistIPs      []string `yaml:"whitelist_ips"`
}

// RBACConfig maps roles to permission patterns ("resource.read",
// "resource.*", "*").
type RBACConfig struct {
	Enabled bool                `yaml:"enabled"`
	Roles   map[string][]string `yaml:"roles"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}

// GetDefaultConfig returns the built-in defaults used when no config file
// is present.
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
			Name:            "growthgate",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		SLO: SLOConfig{
			Name: "publish-availability",
			Metrics: MetricsSourceConfig{
				BaseURL:    "http://localhost:9400",
				Timeout:    10 * time.Second,
				MaxRetries: 2,
			},
			Windows: []BurnWindowConfig{
				{Name: "5m", Duration: 5 * time.Minute},
				{Name: "1h", Duration: time.Hour},
				{Name: "6h", Duration: 6 * time.Hour},
			},
		},
		Freeze: FreezeConfig{
			WarningBurnPct:                 50,
			CriticalBurnPct:                100,
			RecoveryHealthyWindowsRequired: 3,
			MinRecoverySpacing:             30 * time.Second,
			BlockedChannels:                []string{"pinterest", "youtube_shorts"},
			BlockedActions:                 []string{"scale", "optimize", "recover", "incubate"},
			MonitorInterval:                time.Minute,
		},
		Governance: GovernanceConfig{
			MaxOverrideTTL:  14 * 24 * time.Hour,
			RequestTTL:      48 * time.Hour,
			PostmortemSLA:   72 * time.Hour,
			HistoryLimit:    50,
			PrivilegedRoles: []string{"admin", "sre"},
			RequesterRoles:  []string{"operator"},
		},
		Autoplan: AutoplanConfig{
			DefaultLimit: 10,
			MaxLimit:     50,
			MaxCreates:   10,
		},
		Review: ReviewConfig{
			RequireForLaunch: false,
			SLAHours:         24,
			EscalationHours:  48,
		},
		Notify: NotifyConfig{
			Enabled: false,
			Timeout: 5 * time.Second,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/growthgate.log",
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
				ServiceName: "growthgate",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
			RBAC: RBACConfig{
				Enabled: false,
				Roles:   map[string][]string{},
			},
		},
	}
}
