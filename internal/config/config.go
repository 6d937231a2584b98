// Package config loads the service configuration from defaults, an optional
// riskscore.yaml file and RISKSCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/riskscore/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. RISKSCORE_SERVER_PORT.
const EnvPrefix = "RISKSCORE"

// ErrInvalidConfig is returned when a loaded setting has an unsupported value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the configuration. When path is empty, riskscore.yaml is looked
// up in the working directory and /etc/riskscore; a missing file is not an
// error. Defaults follow the tier, so RISKSCORE_TIER=pro switches every
// backend to its Pro default unless overridden.
func Load(path string) (*domain.Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("riskscore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/riskscore")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, domain.DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		setDefaults(v, domain.ProConfig())
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("tier", string(cfg.Tier))

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", cfg.Cache.Type)
	v.SetDefault("cache.local_max_size", cfg.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", cfg.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", cfg.Cache.EnableTwoPhase)
	v.SetDefault("cache.customer_ttl", cfg.Cache.CustomerTTL)

	v.SetDefault("event_bus.type", cfg.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)

	v.SetDefault("scoring.config_path", cfg.Scoring.ConfigPath)
	v.SetDefault("scoring.restore_snapshot", cfg.Scoring.RestoreSnapshot)

	v.SetDefault("rate_limit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_second", cfg.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("rate_limit.client_ttl", cfg.RateLimit.ClientTTL)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// Validate rejects backends and levels the service cannot start with.
func Validate(cfg *domain.Config) error {
	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"tier", string(cfg.Tier), []string{string(domain.TierCommunity), string(domain.TierPro)}},
		{"repository.driver", cfg.Repository.Driver, []string{"sqlite", "postgres"}},
		{"cache.type", cfg.Cache.Type, []string{"memory", "redis"}},
		{"event_bus.type", cfg.EventBus.Type, []string{"channel", "nats"}},
		{"logging.level", strings.ToLower(cfg.Logging.Level), []string{"debug", "info", "warn", "error"}},
		{"logging.format", strings.ToLower(cfg.Logging.Format), []string{"json", "text"}},
	}
	for _, c := range checks {
		if !contains(c.allowed, c.value) {
			return fmt.Errorf("%w: %s must be one of %s, got %q", ErrInvalidConfig, c.key, strings.Join(c.allowed, ", "), c.value)
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, cfg.Server.Port)
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("%w: rate_limit needs positive requests_per_second and burst", ErrInvalidConfig)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// LogLevel maps a configured level name to a slog level, info by default.
func LogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
