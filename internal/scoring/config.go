package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Feature names used as configuration keys.
const (
	FeatureAge           = "age"
	FeatureIncome        = "income"
	FeatureActivityScore = "activity_score"
)

// CoreFeatures lists the scored features in evaluation order.
var CoreFeatures = []string{FeatureAge, FeatureIncome, FeatureActivityScore}

// RiskConfiguration is the rule table driving the engine.
// A configuration handed to an Engine must not be mutated afterwards.
type RiskConfiguration struct {
	Age           Buckets            `json:"age" yaml:"age"`
	Income        Buckets            `json:"income" yaml:"income"`
	ActivityScore Buckets            `json:"activity_score" yaml:"activity_score"`
	Weights       map[string]float64 `json:"weights" yaml:"weights"`
}

// DefaultConfiguration returns a fresh copy of the built-in rule table.
func DefaultConfiguration() *RiskConfiguration {
	return &RiskConfiguration{
		Age: Buckets{
			{Label: "18-25", Points: 20},
			{Label: "25-40", Points: 10},
			{Label: "40-60", Points: 5},
			{Label: "60-100", Points: 15},
		},
		Income: Buckets{
			{Label: "<20000", Points: 25},
			{Label: "20000-50000", Points: 15},
			{Label: "50000-100000", Points: 5},
			{Label: ">100000", Points: 2},
		},
		ActivityScore: Buckets{
			{Label: "<30", Points: 30},
			{Label: "30-60", Points: 15},
			{Label: "60-80", Points: 5},
			{Label: ">80", Points: 2},
		},
		Weights: map[string]float64{
			FeatureAge:           1.2,
			FeatureIncome:        1.5,
			FeatureActivityScore: 1.0,
		},
	}
}

// Buckets returns the bucket table for a feature.
func (c *RiskConfiguration) Buckets(feature string) Buckets {
	switch feature {
	case FeatureAge:
		return c.Age
	case FeatureIncome:
		return c.Income
	case FeatureActivityScore:
		return c.ActivityScore
	}
	return nil
}

// Weight returns the multiplier for a feature, 1.0 when unconfigured.
func (c *RiskConfiguration) Weight(feature string) float64 {
	if w, ok := c.Weights[feature]; ok {
		return w
	}
	return 1.0
}

// Clone returns a deep copy.
func (c *RiskConfiguration) Clone() *RiskConfiguration {
	out := &RiskConfiguration{
		Age:           append(Buckets(nil), c.Age...),
		Income:        append(Buckets(nil), c.Income...),
		ActivityScore: append(Buckets(nil), c.ActivityScore...),
	}
	if c.Weights != nil {
		out.Weights = make(map[string]float64, len(c.Weights))
		for k, v := range c.Weights {
			out.Weights[k] = v
		}
	}
	return out
}

// Version is a short content hash identifying this rule table.
func (c *RiskConfiguration) Version() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// Validate performs the strict checks the engine itself skips:
// non-empty tables, parseable labels, ordered ranges and finite weights.
func (c *RiskConfiguration) Validate() error {
	for _, feature := range CoreFeatures {
		buckets := c.Buckets(feature)
		if len(buckets) == 0 {
			return fmt.Errorf("%w: %s has no buckets", ErrInvalidConfiguration, feature)
		}
		for _, b := range buckets {
			switch b.Label.Kind() {
			case LabelRange:
				low, high, ok := b.Label.Bounds()
				if !ok {
					return fmt.Errorf("%w: %s bucket %q is not a numeric range", ErrInvalidConfiguration, feature, b.Label)
				}
				if low > high {
					return fmt.Errorf("%w: %s bucket %q has low > high", ErrInvalidConfiguration, feature, b.Label)
				}
			case LabelLess, LabelGreater:
				if _, ok := b.Label.Threshold(); !ok {
					return fmt.Errorf("%w: %s bucket %q has no numeric threshold", ErrInvalidConfiguration, feature, b.Label)
				}
			default:
				return fmt.Errorf("%w: %s bucket %q is not a recognized range label", ErrInvalidConfiguration, feature, b.Label)
			}
		}
	}
	for feature, w := range c.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight for %s is not finite", ErrInvalidConfiguration, feature)
		}
	}
	return nil
}

// Format names a configuration encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the encoding from a file extension, JSON by default.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// ParseConfiguration decodes a rule table. It does not validate label syntax.
func ParseConfiguration(data []byte, format Format) (*RiskConfiguration, error) {
	var cfg RiskConfiguration
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}
	return &cfg, nil
}

// LoadConfiguration reads the rule table at path. Any failure is logged and
// the built-in default is returned instead; it never fails.
func LoadConfiguration(path string, logger *slog.Logger) *RiskConfiguration {
	if logger == nil {
		logger = discardLogger
	}
	if path == "" {
		return DefaultConfiguration()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read risk configuration, using defaults", "path", path, "error", err)
		return DefaultConfiguration()
	}

	cfg, err := ParseConfiguration(data, FormatFromPath(path))
	if err != nil {
		logger.Error("failed to parse risk configuration, using defaults", "path", path, "error", err)
		return DefaultConfiguration()
	}

	logger.Info("risk configuration loaded", "path", path, "version", cfg.Version())
	return cfg
}
