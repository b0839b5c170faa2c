package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Framework selects the HTTP host implementation
type Framework string

const (
	// FrameworkChi serves the API with chi and gorilla/websocket
	FrameworkChi Framework = "chi"

	// FrameworkFiber serves the API with fiber and fasthttp
	FrameworkFiber Framework = "fiber"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"STOREPULSE_SERVER_"`
	Notifier  NotifierConfig  `yaml:"notifier" envPrefix:"STOREPULSE_NOTIFIER_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"STOREPULSE_AUTH_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STOREPULSE_STORAGE_"`
	Cluster   ClusterConfig   `yaml:"cluster" envPrefix:"STOREPULSE_CLUSTER_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"STOREPULSE_LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"STOREPULSE_TELEMETRY_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"STOREPULSE_METRICS_"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	Framework      Framework     `yaml:"framework" env:"FRAMEWORK"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// NotifierConfig contains real-time delivery settings
type NotifierConfig struct {
	MaxIdleTime       time.Duration `yaml:"max_idle_time" env:"MAX_IDLE_TIME"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	SendBufferSize    int           `yaml:"send_buffer_size" env:"SEND_BUFFER_SIZE"`
	MaxConnections    int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MaxPollWait       time.Duration `yaml:"max_poll_wait" env:"MAX_POLL_WAIT"`
	MaxPollBatch      int           `yaml:"max_poll_batch" env:"MAX_POLL_BATCH"`
}

// AuthConfig contains token validation settings
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	CacheSize int           `yaml:"cache_size" env:"CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// StorageConfig contains event journal settings
type StorageConfig struct {
	Type       string        `yaml:"type" env:"TYPE"`
	DataDir    string        `yaml:"data_dir" env:"DATA_DIR"`
	Retention  time.Duration `yaml:"retention" env:"RETENTION"`
	GCInterval time.Duration `yaml:"gc_interval" env:"GC_INTERVAL"`
	SyncWrites bool          `yaml:"sync_writes" env:"SYNC_WRITES"`
}

// ClusterConfig contains the NATS relay settings. An empty URL runs a single node.
type ClusterConfig struct {
	NATSURL       string `yaml:"nats_url" env:"NATS_URL"`
	NodeID        string `yaml:"node_id" env:"NODE_ID"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level" env:"LEVEL"`
	Format        string            `yaml:"format" env:"FORMAT"`
	IncludeCaller bool              `yaml:"include_caller" env:"INCLUDE_CALLER"`
	IncludeTrace  bool              `yaml:"include_trace" env:"INCLUDE_TRACE"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled" env:"ENABLED"`
	ServiceName   string            `yaml:"service_name" env:"SERVICE_NAME"`
	Endpoint      string            `yaml:"endpoint" env:"ENDPOINT"`
	SamplingRatio float64           `yaml:"sampling_ratio" env:"SAMPLING_RATIO"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			Framework:      FrameworkChi,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   35 * time.Second,
			IdleTimeout:    120 * time.Second,
			RequestTimeout: 30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Notifier: NotifierConfig{
			MaxIdleTime:       60 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBufferSize:    64,
			MaxConnections:    10000,
			MaxPollWait:       25 * time.Second,
			MaxPollBatch:      100,
		},
		Auth: AuthConfig{
			JWTSecret: "change-me-in-production",
			Issuer:    "storepulse",
			TokenTTL:  12 * time.Hour,
			CacheSize: 4096,
			CacheTTL:  time.Minute,
		},
		Storage: StorageConfig{
			Type:       "badger",
			DataDir:    "./data",
			Retention:  24 * time.Hour,
			GCInterval: 10 * time.Minute,
		},
		Cluster: ClusterConfig{
			SubjectPrefix: "storepulse.events",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "storepulse",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Validate checks settings that have no usable fallback
func (c *Config) Validate() error {
	switch c.Server.Framework {
	case FrameworkChi, FrameworkFiber:
	default:
		return fmt.Errorf("unknown server framework %q", c.Server.Framework)
	}
	switch c.Storage.Type {
	case "badger", "memory", "none":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be set")
	}
	if c.Server.WriteTimeout <= c.Notifier.MaxPollWait {
		return fmt.Errorf("server.write_timeout (%s) must exceed notifier.max_poll_wait (%s)",
			c.Server.WriteTimeout, c.Notifier.MaxPollWait)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Environment overrides only replace variables that are set
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	// Command line flags have the highest priority
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
