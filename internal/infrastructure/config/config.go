package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic Gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Mosquitto MosquittoConfig `yaml:"mosquitto"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig identifies this gateway within its fleet.
//
// ID, IsMaster and MasterID are seed values only: once the KV store holds
// them, the stored values win.
type GatewayConfig struct {
	ID       string `yaml:"id"`
	Label    string `yaml:"label"`
	IsMaster bool   `yaml:"is_master"`
	MasterID string `yaml:"master_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// BrokerConfig contains message broker connection settings.
type BrokerConfig struct {
	// Transport selects the wire protocol: "mqtt" or "amqp".
	Transport string `yaml:"transport"`

	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      bool             `yaml:"tls"`
	VHost    string           `yaml:"vhost"`
	ClientID string           `yaml:"client_id"`
	Auth     BrokerAuthConfig `yaml:"auth"`
	QoS      int              `yaml:"qos"`
	Prefetch int              `yaml:"prefetch"`

	Backoff BackoffConfig `yaml:"backoff"`

	// OfflineGrace bounds how long Close waits for the final "offline"
	// announcement to be sent.
	OfflineGrace time.Duration `yaml:"offline_grace"`

	// Endpoints are the master's advertised broker endpoints. Slaves probe
	// them in preference order; an empty list means Host/Port is used as-is.
	Endpoints EndpointsConfig `yaml:"endpoints"`
}

// BrokerAuthConfig contains broker credentials.
type BrokerAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BackoffConfig contains reconnection backoff settings.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       float64       `yaml:"jitter"`

	// StartupOffsetMin/Max bound the random delay before the very first
	// connection attempt.
	StartupOffsetMin time.Duration `yaml:"startup_offset_min"`
	StartupOffsetMax time.Duration `yaml:"startup_offset_max"`
}

// EndpointsConfig lists the broker endpoints advertised by the master.
type EndpointsConfig struct {
	LocalHost    string        `yaml:"local_host"`
	LocalPort    int           `yaml:"local_port"`
	LocalTLSPort int           `yaml:"local_tls_port"`
	RemoteHost   string        `yaml:"remote_host"`
	RemoteTLS    int           `yaml:"remote_tls_port"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ClusterConfig contains fleet synchronisation settings.
type ClusterConfig struct {
	PingIntervalMaster time.Duration `yaml:"ping_interval_master"`
	PingIntervalSlave  time.Duration `yaml:"ping_interval_slave"`
	PingStagger        time.Duration `yaml:"ping_stagger"`
	AnnounceDelay      time.Duration `yaml:"announce_delay"`
	ReannounceInterval time.Duration `yaml:"reannounce_interval"`
	ResyncJitterMin    time.Duration `yaml:"resync_jitter_min"`
	ResyncJitterMax    time.Duration `yaml:"resync_jitter_max"`

	CorrelationCapacity  int `yaml:"correlation_capacity"`
	MessageLogSize       int `yaml:"message_log_size"`
	CompressionThreshold int `yaml:"compression_threshold"`

	// EncryptionKey is a hex-encoded 32 byte AES key. Empty disables
	// payload encryption.
	EncryptionKey string `yaml:"encryption_key"`
}

// MosquittoConfig contains settings for supervising a local mosquitto broker
// on the master gateway.
type MosquittoConfig struct {
	Managed    bool   `yaml:"managed"`
	Binary     string `yaml:"binary"`
	ConfigFile string `yaml:"config_file"`

	ListenPort           int    `yaml:"listen_port"`
	ListenPortTLS        int    `yaml:"listen_port_tls"`
	ListenPortWebsockets int    `yaml:"listen_port_websockets"`
	CertFile             string `yaml:"cert_file"`
	KeyFile              string `yaml:"key_file"`
	MaxConnections       int    `yaml:"max_connections"`
	AllowAnonymous       bool   `yaml:"allow_anonymous"`

	RestartOnFailure    bool          `yaml:"restart_on_failure"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig contains the diagnostics listener and Prometheus path.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_BROKER_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Label: "Gray Logic Gateway",
		},
		Database: DatabaseConfig{
			Path:        "./data/gateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Broker: BrokerConfig{
			Transport: "mqtt",
			Host:      "localhost",
			Port:      1883,
			VHost:     "/",
			QoS:       1,
			Prefetch:  10,
			Backoff: BackoffConfig{
				InitialDelay:     time.Second,
				MaxDelay:         60 * time.Second,
				Factor:           1.513,
				Jitter:           0.25,
				StartupOffsetMin: 500 * time.Millisecond,
				StartupOffsetMax: 8 * time.Second,
			},
			OfflineGrace: 2 * time.Second,
			Endpoints: EndpointsConfig{
				ProbeTimeout: 2 * time.Second,
			},
		},
		Cluster: ClusterConfig{
			PingIntervalMaster:   120 * time.Second,
			PingIntervalSlave:    600 * time.Second,
			PingStagger:          200 * time.Millisecond,
			AnnounceDelay:        3 * time.Second,
			ReannounceInterval:   30 * time.Minute,
			ResyncJitterMin:      800 * time.Millisecond,
			ResyncJitterMax:      2 * time.Second,
			CorrelationCapacity:  150,
			MessageLogSize:       150,
			CompressionThreshold: 800,
		},
		Mosquitto: MosquittoConfig{
			Binary:              "/usr/sbin/mosquitto",
			ConfigFile:          "./data/mosquitto/gateway.conf",
			ListenPort:          1883,
			ListenPortTLS:       8883,
			MaxConnections:      512,
			RestartOnFailure:    true,
			RestartDelay:        5 * time.Second,
			MaxRestartAttempts:  10,
			HealthCheckInterval: 30 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("GRAYLOGIC_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_MASTER_ID"); v != "" {
		cfg.Gateway.MasterID = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_IS_MASTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.IsMaster = b
		}
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Broker
	if v := os.Getenv("GRAYLOGIC_BROKER_TRANSPORT"); v != "" {
		cfg.Broker.Transport = v
	}
	if v := os.Getenv("GRAYLOGIC_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_BROKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = p
		}
	}
	if v := os.Getenv("GRAYLOGIC_BROKER_USERNAME"); v != "" {
		cfg.Broker.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Auth.Password = v
	}

	// Cluster
	if v := os.Getenv("GRAYLOGIC_CLUSTER_ENCRYPTION_KEY"); v != "" {
		cfg.Cluster.EncryptionKey = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Broker.Transport {
	case "mqtt", "amqp":
	default:
		errs = append(errs, "broker.transport must be mqtt or amqp")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}
	if c.Broker.Prefetch < 0 {
		errs = append(errs, "broker.prefetch must not be negative")
	}

	b := c.Broker.Backoff
	if b.InitialDelay <= 0 {
		errs = append(errs, "broker.backoff.initial_delay must be positive")
	}
	if b.MaxDelay < b.InitialDelay {
		errs = append(errs, "broker.backoff.max_delay must be >= initial_delay")
	}
	if b.Factor < 1 {
		errs = append(errs, "broker.backoff.factor must be >= 1")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		errs = append(errs, "broker.backoff.jitter must be in [0, 1)")
	}
	if b.StartupOffsetMax < b.StartupOffsetMin {
		errs = append(errs, "broker.backoff.startup_offset_max must be >= startup_offset_min")
	}

	if c.Cluster.CorrelationCapacity < 1 {
		errs = append(errs, "cluster.correlation_capacity must be at least 1")
	}
	if c.Cluster.ResyncJitterMax < c.Cluster.ResyncJitterMin {
		errs = append(errs, "cluster.resync_jitter_max must be >= resync_jitter_min")
	}
	if k := c.Cluster.EncryptionKey; k != "" && len(k) != 64 {
		errs = append(errs, "cluster.encryption_key must be 64 hex characters")
	}

	if c.Gateway.IsMaster && c.Gateway.MasterID != "" && c.Gateway.MasterID != c.Gateway.ID {
		errs = append(errs, "gateway.master_id must equal gateway.id on a master")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PingInterval returns the ping period for this gateway's role.
func (c *Config) PingInterval() time.Duration {
	if c.Gateway.IsMaster {
		return c.Cluster.PingIntervalMaster
	}
	return c.Cluster.PingIntervalSlave
}
