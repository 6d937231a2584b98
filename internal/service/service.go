// Package service wires the scoring engine to persistence, caching and the
// event bus. The HTTP API and the async worker both score through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/riskscore/internal/bus"
	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/metrics"
	"github.com/opensource-finance/riskscore/internal/repository"
	"github.com/opensource-finance/riskscore/internal/scoring"
)

var tracer = otel.Tracer("riskscore-service")

var (
	// ErrNotFound is returned when a customer or rule does not exist.
	ErrNotFound = repository.ErrNotFound

	// ErrInvalidRule is returned when a custom rule does not compile.
	ErrInvalidRule = errors.New("invalid custom rule")
)

// ValidationError carries per-field input problems.
type ValidationError struct {
	Fields []domain.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RiskService coordinates scoring with its supporting infrastructure.
// Cache, bus and metrics are optional.
type RiskService struct {
	engine   *scoring.Engine
	compiler *scoring.CELCompiler
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	customerTTL time.Duration
	configPath  string
}

// Option configures a RiskService.
type Option func(*RiskService)

// WithCache enables cache-aside customer lookups.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *RiskService) {
		s.cache = c
		s.customerTTL = ttl
	}
}

// WithEventBus publishes score and configuration events.
func WithEventBus(b domain.EventBus) Option {
	return func(s *RiskService) { s.bus = b }
}

// WithMetrics records scoring metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RiskService) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *RiskService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfigPath sets the risk table file used by ReloadConfig.
func WithConfigPath(path string) Option {
	return func(s *RiskService) { s.configPath = path }
}

// New creates a RiskService around an engine and a repository.
func New(engine *scoring.Engine, repo domain.Repository, opts ...Option) (*RiskService, error) {
	compiler, err := scoring.NewCELCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to create rule compiler: %w", err)
	}

	s := &RiskService{
		engine:      engine,
		compiler:    compiler,
		repo:        repo,
		logger:      slog.New(slog.DiscardHandler),
		customerTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Engine returns the underlying scoring engine.
func (s *RiskService) Engine() *scoring.Engine {
	return s.engine
}

// CreateCustomer validates and stores a new customer.
func (s *RiskService) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	if errs := c.Normalize(); len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}

	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()

	if err := s.repo.SaveCustomer(ctx, c); err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	s.cacheCustomer(ctx, c)

	s.logger.Info("customer created", "customer_id", c.ID)
	return nil
}

// GetCustomer looks a customer up in the cache, then the repository.
func (s *RiskService) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if s.cache != nil {
		c, err := s.cache.GetCustomer(ctx, id)
		if err != nil {
			s.logger.Warn("customer cache read failed", "customer_id", id, "error", err)
		} else if c != nil {
			return c, nil
		}
	}

	c, err := s.repo.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheCustomer(ctx, c)
	return c, nil
}

func (s *RiskService) cacheCustomer(ctx context.Context, c *domain.Customer) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetCustomer(ctx, c, s.customerTTL); err != nil {
		s.logger.Warn("customer cache write failed", "customer_id", c.ID, "error", err)
	}
}

// ScoreCustomer scores the profile in req for an existing customer,
// persists the outcome and announces it on the bus.
func (s *RiskService) ScoreCustomer(ctx context.Context, req domain.ScoreRequest, source string) (*domain.RiskScore, error) {
	ctx, span := tracer.Start(ctx, "ScoreCustomer",
		trace.WithAttributes(
			attribute.String("customer.id", req.CustomerID),
			attribute.String("score.source", source),
		),
	)
	defer span.End()

	var fields []domain.FieldError
	if strings.TrimSpace(req.CustomerID) == "" {
		fields = append(fields, domain.FieldError{Field: "customer_id", Message: "is required"})
	}
	fields = append(fields, domain.ValidateProfile(req.Age, req.Income, req.ActivityScore)...)
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	if _, err := s.GetCustomer(ctx, req.CustomerID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := s.engine.Compute(profileOf(req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to compute score: %w", err)
	}
	s.metrics.ObserveScore(source, res)

	score := NewRiskScore(req.CustomerID, res)
	if err := s.repo.SaveRiskScore(ctx, score); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to save risk score: %w", err)
	}

	if s.bus != nil {
		if err := bus.PublishJSON(ctx, s.bus, domain.TopicScoreComputed, score); err != nil {
			s.logger.Error("failed to publish score",
				"customer_id", score.CustomerID,
				"score_id", score.ID,
				"error", err,
			)
		}
	}

	span.SetAttributes(attribute.Float64("score.final", score.FinalScore))
	s.logger.Info("customer scored",
		"customer_id", score.CustomerID,
		"score_id", score.ID,
		"final_score", score.FinalScore,
		"config_version", score.ConfigVersion,
		"source", source,
	)
	return score, nil
}

// ListScores returns the persisted scores of a customer, oldest first.
func (s *RiskService) ListScores(ctx context.Context, customerID string) ([]*domain.RiskScore, error) {
	return s.repo.ListRiskScores(ctx, customerID)
}

// Explain computes a score without persisting anything.
func (s *RiskService) Explain(src scoring.FeatureSource) (*scoring.Result, error) {
	return s.engine.Compute(src)
}

// ActiveConfig returns a copy of the active risk configuration.
func (s *RiskService) ActiveConfig() *scoring.RiskConfiguration {
	return s.engine.Config().Clone()
}

// ReplaceConfig validates cfg, stores a snapshot, makes it active and
// publishes it to peer instances. The active configuration is unchanged
// when the snapshot cannot be stored.
func (s *RiskService) ReplaceConfig(ctx context.Context, cfg *scoring.RiskConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	snap, err := NewConfigSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := s.repo.SaveConfigSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to save configuration snapshot: %w", err)
	}

	s.ApplyConfig(cfg)

	if s.bus != nil {
		if err := bus.PublishJSON(ctx, s.bus, domain.TopicConfigUpdated, cfg); err != nil {
			s.logger.Error("failed to publish configuration", "version", snap.Version, "error", err)
		}
	}
	return nil
}

// ApplyConfig makes cfg active without persisting or publishing it.
// It reports whether the active configuration changed.
func (s *RiskService) ApplyConfig(cfg *scoring.RiskConfiguration) bool {
	version := cfg.Version()
	if s.engine.Config().Version() == version {
		return false
	}
	s.engine.ReplaceConfig(cfg)
	s.metrics.ConfigReplaced()
	return true
}

// ReloadConfig re-reads the configured risk table file. A missing or
// unreadable file yields the default configuration.
func (s *RiskService) ReloadConfig(ctx context.Context) (*scoring.RiskConfiguration, error) {
	cfg := scoring.LoadConfiguration(s.configPath, s.logger)
	if err := s.ReplaceConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// RestoreConfig activates the latest stored snapshot, if any.
func (s *RiskService) RestoreConfig(ctx context.Context) (bool, error) {
	snap, err := s.repo.LatestConfigSnapshot(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cfg, err := SnapshotConfiguration(snap)
	if err != nil {
		return false, fmt.Errorf("failed to decode snapshot %s: %w", snap.ID, err)
	}
	s.ApplyConfig(cfg)
	return true, nil
}

// ListRules returns the stored custom rules ordered by name.
func (s *RiskService) ListRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	return s.repo.ListRules(ctx)
}

// CreateRule compiles a CEL rule, stores it and registers it when enabled.
func (s *RiskService) CreateRule(ctx context.Context, def *domain.RuleDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return &ValidationError{Fields: []domain.FieldError{{Field: "name", Message: "is required"}}}
	}

	rule, err := s.compiler.Compile(def.Expression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	// Rules are keyed by name: saving an existing name overwrites it.
	var renamed string
	existing, err := s.repo.GetRuleByName(ctx, def.Name)
	switch {
	case err == nil:
		def.ID = existing.ID
		def.CreatedAt = existing.CreatedAt
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("failed to look up rule: %w", err)
	case def.ID == "":
		def.ID = uuid.New().String()
	default:
		prev, err := s.repo.GetRule(ctx, def.ID)
		if err == nil {
			renamed = prev.Name
			def.CreatedAt = prev.CreatedAt
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to look up rule: %w", err)
		}
	}

	if err := s.repo.SaveRule(ctx, def); err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	if renamed != "" {
		s.engine.Registry().Unregister(renamed)
	}
	if def.Enabled {
		s.engine.RegisterRule(def.Name, rule)
	} else {
		s.engine.Registry().Unregister(def.Name)
	}
	s.logger.Info("custom rule saved", "rule", def.Name, "enabled", def.Enabled)
	return nil
}

// DeleteRule removes a stored rule and unregisters it.
func (s *RiskService) DeleteRule(ctx context.Context, id string) error {
	def, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.engine.Registry().Unregister(def.Name)
	s.logger.Info("custom rule deleted", "rule", def.Name)
	return nil
}

// LoadRules compiles every enabled stored rule and swaps them into the
// registry at once. Rules that fail to compile are logged and skipped.
func (s *RiskService) LoadRules(ctx context.Context) (int, error) {
	defs, err := s.repo.ListRules(ctx)
	if err != nil {
		return 0, err
	}

	compiled := make(map[string]scoring.CustomRule, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		rule, err := s.compiler.Compile(def.Expression)
		if err != nil {
			s.logger.Warn("skipping custom rule", "rule", def.Name, "error", err)
			continue
		}
		compiled[def.Name] = rule
	}

	s.engine.Registry().Replace(compiled)
	s.logger.Info("custom rules loaded", "count", len(compiled))
	return len(compiled), nil
}
