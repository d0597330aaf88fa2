package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Liveness     LivenessConfig     `yaml:"liveness"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Notification NotificationConfig `yaml:"notification"`
	Push         PushConfig         `yaml:"push"`
	NATS         NATSConfig         `yaml:"nats"`
	Payment      PaymentConfig      `yaml:"payment"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// LivenessConfig controls the heartbeat staleness sweep.
type LivenessConfig struct {
	IntervalSeconds         int           `yaml:"interval_seconds"`
	Interval                time.Duration `yaml:"-"`
	OfflineThresholdSeconds int           `yaml:"offline_threshold_seconds"`
	OfflineThreshold        time.Duration `yaml:"-"`
	// AutoRecover lets a heartbeat bring an offline machine back online.
	// Off by default: recovery waits for the next availability check.
	AutoRecover bool `yaml:"auto_recover"`
}

// SessionsConfig holds session admission limits.
type SessionsConfig struct {
	MinDurationMinutes    int           `yaml:"min_duration_minutes"`
	MaxDurationMinutes    int           `yaml:"max_duration_minutes"`
	PendingTimeoutSeconds int           `yaml:"pending_timeout_seconds"`
	PendingTimeout        time.Duration `yaml:"-"`
	LockTimeoutMillis     int           `yaml:"lock_timeout_ms"`
	LockTimeout           time.Duration `yaml:"-"`
}

// NotificationConfig holds the dispatcher configuration.
type NotificationConfig struct {
	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	MaxPerHour           int           `yaml:"max_per_hour"`
	MaxRetries           int           `yaml:"max_retries"`
	InitialBackoffMillis int           `yaml:"initial_backoff_ms"`
	InitialBackoff       time.Duration `yaml:"-"`
	MaxBackoffSeconds    int           `yaml:"max_backoff_seconds"`
	MaxBackoff           time.Duration `yaml:"-"`
	DeviceCommandRetries int           `yaml:"device_command_retries"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// NATSConfig holds the realtime bus configuration.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// PaymentConfig defines the external payment gateway request.
type PaymentConfig struct {
	GatewayURL     string            `yaml:"gateway_url"`
	Headers        map[string]string `yaml:"headers"`
	HTTPProxy      string            `yaml:"http_proxy"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Timeout        time.Duration     `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values and derives durations.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Liveness.IntervalSeconds <= 0 {
		cfg.Liveness.IntervalSeconds = 30
	}
	cfg.Liveness.Interval = time.Duration(cfg.Liveness.IntervalSeconds) * time.Second
	if cfg.Liveness.OfflineThresholdSeconds <= 0 {
		cfg.Liveness.OfflineThresholdSeconds = 90
	}
	cfg.Liveness.OfflineThreshold = time.Duration(cfg.Liveness.OfflineThresholdSeconds) * time.Second

	if cfg.Sessions.MinDurationMinutes <= 0 {
		cfg.Sessions.MinDurationMinutes = 1
	}
	if cfg.Sessions.MaxDurationMinutes <= 0 {
		cfg.Sessions.MaxDurationMinutes = 30
	}
	if cfg.Sessions.PendingTimeoutSeconds <= 0 {
		cfg.Sessions.PendingTimeoutSeconds = 900
	}
	cfg.Sessions.PendingTimeout = time.Duration(cfg.Sessions.PendingTimeoutSeconds) * time.Second
	if cfg.Sessions.LockTimeoutMillis < 0 {
		cfg.Sessions.LockTimeoutMillis = 0
	}
	cfg.Sessions.LockTimeout = time.Duration(cfg.Sessions.LockTimeoutMillis) * time.Millisecond

	if cfg.Notification.Workers <= 0 {
		cfg.Notification.Workers = 1
	}
	if cfg.Notification.QueueSize <= 0 {
		cfg.Notification.QueueSize = 64
	}
	if cfg.Notification.MaxPerHour <= 0 {
		cfg.Notification.MaxPerHour = 4
	}
	if cfg.Notification.MaxRetries <= 0 {
		cfg.Notification.MaxRetries = 5
	}
	if cfg.Notification.InitialBackoffMillis <= 0 {
		cfg.Notification.InitialBackoffMillis = 500
	}
	cfg.Notification.InitialBackoff = time.Duration(cfg.Notification.InitialBackoffMillis) * time.Millisecond
	if cfg.Notification.MaxBackoffSeconds <= 0 {
		cfg.Notification.MaxBackoffSeconds = 30
	}
	cfg.Notification.MaxBackoff = time.Duration(cfg.Notification.MaxBackoffSeconds) * time.Second
	if cfg.Notification.DeviceCommandRetries <= 0 {
		cfg.Notification.DeviceCommandRetries = 3
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "vacuum"
	}

	if cfg.Payment.TimeoutSeconds <= 0 {
		cfg.Payment.TimeoutSeconds = 30
	}
	cfg.Payment.Timeout = time.Duration(cfg.Payment.TimeoutSeconds) * time.Second
}
