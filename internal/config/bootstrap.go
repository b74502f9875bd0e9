package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the process-level configuration read once at startup from
// config.yaml. It wires external endpoints and tunables the runtime registry
// does not own. Env vars (CAMFLEET_*) override file values.
type Bootstrap struct {
	HTTPAddr  string `yaml:"http_addr"`
	DataRoot  string `yaml:"data_root"`
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	DB struct {
		Driver string `yaml:"driver"` // "sqlite" or "postgres"
		DSN    string `yaml:"dsn"`    // postgres only; sqlite derives from the data root
	} `yaml:"db"`

	NATS struct {
		URL           string `yaml:"url"` // empty disables forwarding
		SubjectPrefix string `yaml:"subject_prefix"`
		MaxRetries    int    `yaml:"max_retries"`
	} `yaml:"nats"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty disables viewer sessions
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Relay struct {
		BaseURL        string        `yaml:"base_url"` // empty disables relay publishing
		JWTSecret      string        `yaml:"jwt_secret"`
		SessionTTL     time.Duration `yaml:"session_ttl"`
		MaxViewers     int           `yaml:"max_viewers_per_camera"`
		FailureTrip    int           `yaml:"failure_trip"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"relay"`

	Analytics struct {
		Endpoint      string        `yaml:"endpoint"` // empty disables the probe
		ProbeInterval time.Duration `yaml:"probe_interval"`
	} `yaml:"analytics"`

	Orchestrator struct {
		MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
		MaxConnectionsPerCamera  int           `yaml:"max_connections_per_camera"`
		ConnectionTimeout        time.Duration `yaml:"connection_timeout"`
		HealthCheckInterval      time.Duration `yaml:"health_check_interval"`
		RetryInterval            time.Duration `yaml:"retry_interval"`
		RetryFailedConnections   bool          `yaml:"retry_failed_connections"`
	} `yaml:"orchestrator"`

	Scan struct {
		MaxConcurrentScans   int           `yaml:"max_concurrent_scans"`
		DefaultTimeout       time.Duration `yaml:"default_timeout"`
		CacheTTL             time.Duration `yaml:"cache_ttl"`
		MaxCacheEntries      int           `yaml:"max_cache_entries"`
		MaxCompletedScans    int           `yaml:"max_completed_scans"`
		HistoryRetentionDays int           `yaml:"history_retention_days"`
		ProbeConcurrency     int           `yaml:"probe_concurrency"`
	} `yaml:"scan"`

	Storage struct {
		CacheTTLHours       int `yaml:"cache_ttl_hours"`
		BackupIntervalHours int `yaml:"backup_interval_hours"`
		AutoCleanupDays     int `yaml:"auto_cleanup_days"`
	} `yaml:"storage"`
}

// DefaultBootstrap returns the tunable baseline the daemon runs with when no
// config file is present.
func DefaultBootstrap() Bootstrap {
	var b Bootstrap
	b.HTTPAddr = ":8090"
	b.LogLevel = "info"
	b.DB.Driver = "sqlite"
	b.NATS.SubjectPrefix = "camfleet.events"
	b.NATS.MaxRetries = 3
	b.Relay.SessionTTL = 10 * time.Minute
	b.Relay.MaxViewers = 16
	b.Relay.FailureTrip = 5
	b.Relay.RequestTimeout = 5 * time.Second
	b.Analytics.ProbeInterval = 30 * time.Second
	b.Orchestrator.MaxConcurrentConnections = 10
	b.Orchestrator.MaxConnectionsPerCamera = 3
	b.Orchestrator.ConnectionTimeout = 10 * time.Second
	b.Orchestrator.HealthCheckInterval = 30 * time.Second
	b.Orchestrator.RetryInterval = 60 * time.Second
	b.Orchestrator.RetryFailedConnections = true
	b.Scan.MaxConcurrentScans = 3
	b.Scan.DefaultTimeout = 2 * time.Second
	b.Scan.CacheTTL = 24 * time.Hour
	b.Scan.MaxCacheEntries = 100
	b.Scan.MaxCompletedScans = 20
	b.Scan.HistoryRetentionDays = 30
	b.Scan.ProbeConcurrency = 64
	b.Storage.CacheTTLHours = 24
	b.Storage.BackupIntervalHours = 24
	b.Storage.AutoCleanupDays = 30
	return b
}

// LoadBootstrap reads path over the defaults. A missing file is fine; env
// overrides apply last.
func LoadBootstrap(path string) (Bootstrap, error) {
	b := DefaultBootstrap()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return b, fmt.Errorf("read bootstrap config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &b); err != nil {
				return b, fmt.Errorf("parse bootstrap config: %w", err)
			}
		}
	}

	applyEnv(&b)
	return b, nil
}

func applyEnv(b *Bootstrap) {
	if v := os.Getenv("CAMFLEET_HTTP_ADDR"); v != "" {
		b.HTTPAddr = v
	}
	if v := os.Getenv("CAMFLEET_DATA_ROOT"); v != "" {
		b.DataRoot = v
	}
	if v := os.Getenv("CAMFLEET_LOG_LEVEL"); v != "" {
		b.LogLevel = v
	}
	if v := os.Getenv("CAMFLEET_DB_DRIVER"); v != "" {
		b.DB.Driver = v
	}
	if v := os.Getenv("CAMFLEET_DB_DSN"); v != "" {
		b.DB.DSN = v
	}
	if v := os.Getenv("CAMFLEET_NATS_URL"); v != "" {
		b.NATS.URL = v
	}
	if v := os.Getenv("CAMFLEET_REDIS_ADDR"); v != "" {
		b.Redis.Addr = v
	}
	if v := os.Getenv("CAMFLEET_REDIS_PASSWORD"); v != "" {
		b.Redis.Password = v
	}
	if v := os.Getenv("CAMFLEET_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			b.Redis.DB = n
		}
	}
	if v := os.Getenv("CAMFLEET_RELAY_URL"); v != "" {
		b.Relay.BaseURL = v
	}
	if v := os.Getenv("CAMFLEET_RELAY_JWT_SECRET"); v != "" {
		b.Relay.JWTSecret = v
	}
	if v := os.Getenv("CAMFLEET_ANALYTICS_ENDPOINT"); v != "" {
		b.Analytics.Endpoint = v
	}
}
