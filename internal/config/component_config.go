package config

import (
	"os"

	"github.com/google/uuid"
	"github.com/nkkko/storepulse/internal/api"
	apichi "github.com/nkkko/storepulse/internal/api/chi"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/cluster"
	"github.com/nkkko/storepulse/internal/logging"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/internal/storage"
	"github.com/nkkko/storepulse/internal/telemetry"
)

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:       c.Notifier.MaxIdleTime,
		HeartbeatInterval: c.Notifier.HeartbeatInterval,
		HandshakeTimeout:  c.Notifier.HandshakeTimeout,
		WriteTimeout:      c.Notifier.WriteTimeout,
		SendBufferSize:    c.Notifier.SendBufferSize,
		MaxConnections:    c.Notifier.MaxConnections,
		MaxPollWait:       c.Notifier.MaxPollWait,
		MaxPollBatch:      c.Notifier.MaxPollBatch,
	}
}

// ToAuthConfig converts to token validator config
func (c *Config) ToAuthConfig() auth.Config {
	return auth.Config{
		Secret:    c.Auth.JWTSecret,
		Issuer:    c.Auth.Issuer,
		TokenTTL:  c.Auth.TokenTTL,
		CacheSize: c.Auth.CacheSize,
		CacheTTL:  c.Auth.CacheTTL,
	}
}

// ToStorageConfig converts to journal config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		Type:       storage.StorageType(c.Storage.Type),
		DataDir:    c.Storage.DataDir,
		Retention:  c.Storage.Retention,
		GCInterval: c.Storage.GCInterval,
		SyncWrites: c.Storage.SyncWrites,
	}
}

// ToClusterConfig converts to NATS bridge config. Nodes without an explicit
// ID get the hostname plus a random suffix so restarts never collide.
func (c *Config) ToClusterConfig() cluster.Config {
	config := cluster.DefaultConfig()
	config.URL = c.Cluster.NATSURL
	config.NodeID = c.Cluster.NodeID
	if c.Cluster.SubjectPrefix != "" {
		config.SubjectPrefix = c.Cluster.SubjectPrefix
	}
	if config.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node"
		}
		config.NodeID = host + "-" + uuid.NewString()[:8]
	}
	return config
}

// ToChiConfig converts to chi host config
func (c *Config) ToChiConfig() apichi.Config {
	return apichi.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		IdleTimeout:    c.Server.IdleTimeout,
		RequestTimeout: c.Server.RequestTimeout,
		AllowedOrigins: c.Server.AllowedOrigins,
		MetricsPath:    c.Metrics.Path,
	}
}

// ToFiberConfig converts to fiber host config
func (c *Config) ToFiberConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		IdleTimeout:    c.Server.IdleTimeout,
		RequestTimeout: c.Server.RequestTimeout,
		AllowedOrigins: c.Server.AllowedOrigins,
		MetricsPath:    c.Metrics.Path,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	config := logging.DefaultConfig()
	config.Level = logging.LogLevel(c.Logging.Level)
	config.Format = logging.LogFormat(c.Logging.Format)
	config.IncludeCaller = c.Logging.IncludeCaller
	config.IncludeTraceContext = c.Logging.IncludeTrace
	if len(c.Logging.GlobalFields) > 0 {
		config.GlobalFields = c.Logging.GlobalFields
	}
	return config
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	config := telemetry.DefaultConfig()
	config.Enabled = c.Telemetry.Enabled
	config.ServiceName = c.Telemetry.ServiceName
	config.Endpoint = c.Telemetry.Endpoint
	config.SamplingRatio = c.Telemetry.SamplingRatio
	if len(c.Telemetry.Attributes) > 0 {
		config.Attributes = c.Telemetry.Attributes
	}
	return config
}
