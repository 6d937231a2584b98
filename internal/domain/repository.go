// Package domain defines the core interfaces and types for riskscore.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Customer operations
	SaveCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	// Risk score history
	SaveRiskScore(ctx context.Context, score *RiskScore) error
	ListRiskScores(ctx context.Context, customerID string) ([]*RiskScore, error)

	// Custom rule definitions
	SaveRule(ctx context.Context, rule *RuleDefinition) error
	GetRule(ctx context.Context, id string) (*RuleDefinition, error)
	GetRuleByName(ctx context.Context, name string) (*RuleDefinition, error)
	ListRules(ctx context.Context) ([]*RuleDefinition, error)
	DeleteRule(ctx context.Context, id string) error

	// Risk configuration snapshots
	SaveConfigSnapshot(ctx context.Context, snap *ConfigSnapshot) error
	LatestConfigSnapshot(ctx context.Context) (*ConfigSnapshot, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" mapstructure:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" mapstructure:"postgres_port"`
	PostgresUser     string `json:"postgresUser" mapstructure:"postgres_user"`
	PostgresPassword string `json:"-" mapstructure:"postgres_password"`
	PostgresDB       string `json:"postgresDb" mapstructure:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" mapstructure:"conn_max_lifetime"`
}
