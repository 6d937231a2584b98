// Package scoring implements the weighted-bucket risk scoring engine.
//
// Each feature value is matched against an ordered bucket table, the matched
// points are multiplied by the feature weight, and the weighted points are
// summed into an open-ended final score. Custom rules registered on the
// engine are evaluated alongside the core formula and may fail independently.
package scoring

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var discardLogger = slog.New(slog.DiscardHandler)

// Engine scores customer profiles against the active configuration.
// It is safe for concurrent use.
type Engine struct {
	config   atomic.Pointer[RiskConfiguration]
	registry *Registry
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the initial configuration. The default table is used otherwise.
func WithConfig(cfg *RiskConfiguration) Option {
	return func(e *Engine) {
		if cfg != nil {
			e.config.Store(cfg)
		}
	}
}

// WithLogger sets the logger used for bucket traces and rule failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRegistry shares an existing custom rule registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// NewEngine creates a scoring engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: discardLogger}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.Load() == nil {
		e.config.Store(DefaultConfiguration())
	}
	if e.registry == nil {
		e.registry = NewRegistry(e.logger)
	}
	return e
}

// Config returns the active configuration. Callers must not modify it.
func (e *Engine) Config() *RiskConfiguration {
	return e.config.Load()
}

// ReplaceConfig atomically swaps the active configuration. The new table is
// not validated; a malformed one surfaces as an error on the next score.
func (e *Engine) ReplaceConfig(cfg *RiskConfiguration) {
	if cfg == nil {
		return
	}
	e.config.Store(cfg)
	e.logger.Info("risk configuration replaced", "version", cfg.Version())
}

// Registry returns the custom rule registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// RegisterRule adds or replaces a custom rule.
func (e *Engine) RegisterRule(name string, rule CustomRule) {
	e.registry.Register(name, rule)
}

// FeatureContribution is the scoring trace of one feature.
type FeatureContribution struct {
	Feature      string     `json:"feature"`
	Label        RangeLabel `json:"label"`
	Points       int        `json:"points"`
	Weight       float64    `json:"weight"`
	Contribution float64    `json:"contribution"` // rounded to 2 places
}

// ScoreBreakdown explains a score.
type ScoreBreakdown struct {
	Contributions []FeatureContribution `json:"contributions"`
	FinalScore    float64               `json:"final_score"`
	Explanation   string                `json:"explanation"`
	ConfigVersion string                `json:"config_version"`
}

// Contribution returns the trace for a feature.
func (b *ScoreBreakdown) Contribution(feature string) (FeatureContribution, bool) {
	for _, c := range b.Contributions {
		if c.Feature == feature {
			return c, true
		}
	}
	return FeatureContribution{}, false
}

// Result is the outcome of Compute.
type Result struct {
	Breakdown     *ScoreBreakdown    `json:"breakdown"`
	CustomResults map[string]float64 `json:"custom_results"`
	RuleErrors    []RuleError        `json:"-"`
}

// Score returns the weighted final score.
func (e *Engine) Score(age int, income float64, activityScore int) (float64, error) {
	eval, err := e.evaluate(e.config.Load(), float64(age), income, float64(activityScore))
	if err != nil {
		return 0, err
	}
	return eval.final, nil
}

// Explain scores the profile and describes every feature's contribution.
func (e *Engine) Explain(age int, income float64, activityScore int) (*ScoreBreakdown, error) {
	return e.explain(float64(age), income, float64(activityScore))
}

// Compute scores a typed Profile or an untyped FeatureMap and evaluates all
// custom rules. Missing features are returned as *MissingFeatureError; custom
// rule failures are reported in Result.RuleErrors only.
func (e *Engine) Compute(src FeatureSource) (*Result, error) {
	features, err := ResolveFeatures(src)
	if err != nil {
		return nil, err
	}

	breakdown, err := e.explain(features[FeatureAge], features[FeatureIncome], features[FeatureActivityScore])
	if err != nil {
		return nil, err
	}

	custom, failures := e.registry.EvaluateAll(features)
	if len(custom) > 0 {
		e.logger.Debug("custom rules evaluated", "results", custom)
	}

	return &Result{
		Breakdown:     breakdown,
		CustomResults: custom,
		RuleErrors:    failures,
	}, nil
}

type evaluation struct {
	contributions [3]FeatureContribution
	raw           [3]float64
	final         float64
}

func (e *Engine) evaluate(cfg *RiskConfiguration, age, income, activity float64) (*evaluation, error) {
	values := [3]float64{age, income, activity}
	eval := &evaluation{}

	for i, feature := range CoreFeatures {
		points, label, err := Match(values[i], cfg.Buckets(feature), feature, e.logger)
		if err != nil {
			return nil, err
		}
		weight := cfg.Weight(feature)
		raw := float64(points) * weight

		eval.raw[i] = raw
		eval.final += raw
		eval.contributions[i] = FeatureContribution{
			Feature:      feature,
			Label:        label,
			Points:       points,
			Weight:       weight,
			Contribution: round2(raw),
		}
	}

	return eval, nil
}

func (e *Engine) explain(age, income, activity float64) (*ScoreBreakdown, error) {
	cfg := e.config.Load()
	eval, err := e.evaluate(cfg, age, income, activity)
	if err != nil {
		return nil, err
	}

	c := eval.contributions
	explanation := fmt.Sprintf(
		"Age bucket %s contributed %.2f after weighting. "+
			"Income bucket %s contributed %.2f. "+
			"Activity bucket %s contributed %.2f. "+
			"Final score = %.2f.",
		c[0].Label, eval.raw[0],
		c[1].Label, eval.raw[1],
		c[2].Label, eval.raw[2],
		eval.final,
	)

	return &ScoreBreakdown{
		Contributions: c[:],
		FinalScore:    eval.final,
		Explanation:   explanation,
		ConfigVersion: cfg.Version(),
	}, nil
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
