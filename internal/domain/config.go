package domain

import "time"

// Config holds the complete riskscore service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines the default backends
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"event_bus"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`
	Scoring    ScoringConfig    `json:"scoring" mapstructure:"scoring"`
	RateLimit  RateLimitConfig  `json:"rateLimit" mapstructure:"rate_limit"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// ScoringConfig controls the risk engine.
type ScoringConfig struct {
	// ConfigPath is the JSON or YAML rule table. Empty means the built-in default.
	ConfigPath string `json:"configPath" mapstructure:"config_path"`

	// RestoreSnapshot makes the newest persisted configuration win over ConfigPath on start.
	RestoreSnapshot bool `json:"restoreSnapshot" mapstructure:"restore_snapshot"`
}

// WorkerConfig controls the asynchronous scoring worker.
type WorkerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64       `json:"requestsPerSecond" mapstructure:"requests_per_second"`
	Burst             int           `json:"burst" mapstructure:"burst"`
	ClientTTL         time.Duration `json:"clientTtl" mapstructure:"client_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./riskscore.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			CustomerTTL:  10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
			ClientTTL:         10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "riskscore",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "riskscore",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		CustomerTTL:    10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
