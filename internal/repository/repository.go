// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/riskscore/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCustomer inserts a customer.
func (r *SQLRepository) SaveCustomer(ctx context.Context, c *domain.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO customers (id, name, age, income, activity_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.Name, c.Age, c.Income, c.ActivityScore, c.CreatedAt,
	)
	return err
}

// GetCustomer retrieves a customer by ID.
func (r *SQLRepository) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	query := `
		SELECT id, name, age, income, activity_score, created_at
		FROM customers
		WHERE id = ?
	`

	var c domain.Customer
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&c.ID, &c.Name, &c.Age, &c.Income, &c.ActivityScore, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// SaveRiskScore stores a scoring outcome.
func (r *SQLRepository) SaveRiskScore(ctx context.Context, s *domain.RiskScore) error {
	if s == nil || s.CustomerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}

	breakdown, err := json.Marshal(s.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	custom, err := json.Marshal(s.CustomResults)
	if err != nil {
		return fmt.Errorf("failed to encode custom results: %w", err)
	}

	query := `
		INSERT INTO risk_scores (
			id, customer_id, final_score, explanation, breakdown,
			custom_results, config_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		s.ID, s.CustomerID, s.FinalScore, s.Explanation, string(breakdown),
		string(custom), s.ConfigVersion, s.CreatedAt,
	)
	return err
}

// ListRiskScores returns a customer's scores, oldest first.
func (r *SQLRepository) ListRiskScores(ctx context.Context, customerID string) ([]*domain.RiskScore, error) {
	query := `
		SELECT id, customer_id, final_score, explanation, breakdown,
			   custom_results, config_version, created_at
		FROM risk_scores
		WHERE customer_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := []*domain.RiskScore{}
	for rows.Next() {
		var s domain.RiskScore
		var breakdown string
		var custom sql.NullString

		if err := rows.Scan(
			&s.ID, &s.CustomerID, &s.FinalScore, &s.Explanation, &breakdown,
			&custom, &s.ConfigVersion, &s.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(breakdown), &s.Breakdown); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown of %s: %w", s.ID, err)
		}
		if custom.Valid && custom.String != "" {
			if err := json.Unmarshal([]byte(custom.String), &s.CustomResults); err != nil {
				return nil, fmt.Errorf("failed to decode custom results of %s: %w", s.ID, err)
			}
		}

		scores = append(scores, &s)
	}

	return scores, rows.Err()
}

// SaveRule creates or updates a custom rule definition.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RuleDefinition) error {
	if rule == nil || rule.ID == "" || rule.Name == "" {
		return fmt.Errorf("%w: rule id and name are required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO custom_rules (id, name, expression, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Expression, enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule definition by ID.
func (r *SQLRepository) GetRule(ctx context.Context, id string) (*domain.RuleDefinition, error) {
	query := `
		SELECT id, name, expression, enabled, created_at, updated_at
		FROM custom_rules
		WHERE id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// GetRuleByName retrieves a rule definition by its unique name.
func (r *SQLRepository) GetRuleByName(ctx context.Context, name string) (*domain.RuleDefinition, error) {
	query := `
		SELECT id, name, expression, enabled, created_at, updated_at
		FROM custom_rules
		WHERE name = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns all rule definitions ordered by name.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	query := `
		SELECT id, name, expression, enabled, created_at, updated_at
		FROM custom_rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.RuleDefinition{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a rule definition.
func (r *SQLRepository) DeleteRule(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM custom_rules WHERE id = ?`), id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RuleDefinition, error) {
	var rule domain.RuleDefinition
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.Name, &rule.Expression, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// SaveConfigSnapshot stores a risk configuration snapshot.
func (r *SQLRepository) SaveConfigSnapshot(ctx context.Context, snap *domain.ConfigSnapshot) error {
	if snap == nil || snap.ID == "" || len(snap.Config) == 0 {
		return fmt.Errorf("%w: snapshot id and config are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO config_snapshots (id, version, config, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		snap.ID, snap.Version, string(snap.Config), snap.CreatedAt,
	)
	return err
}

// LatestConfigSnapshot returns the most recently stored snapshot.
func (r *SQLRepository) LatestConfigSnapshot(ctx context.Context) (*domain.ConfigSnapshot, error) {
	query := `
		SELECT id, version, config, created_at
		FROM config_snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`

	var snap domain.ConfigSnapshot
	var config string

	err := r.db.QueryRowContext(ctx, query).Scan(&snap.ID, &snap.Version, &config, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.Config = json.RawMessage(config)
	return &snap, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
