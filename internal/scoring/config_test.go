package scoring

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "age": {"18-30": 8, "30-200": 4},
  "income": {">0": 3, "<0": 9},
  "activity_score": {"0-100": 1},
  "weights": {"age": 2.0, "income": 0.5}
}`

const sampleYAML = `
age:
  18-30: 8
  30-200: 4
income:
  ">0": 3
  "<0": 9
activity_score:
  0-100: 1
weights:
  age: 2.0
  income: 0.5
`

func TestDefaultConfiguration(t *testing.T) {
	a := DefaultConfiguration()
	b := DefaultConfiguration()

	assert.Equal(t, a, b)
	assert.NotSame(t, a, b)
	require.NoError(t, a.Validate())

	a.Weights[FeatureAge] = 99
	a.Age[0].Points = 0
	assert.Equal(t, 1.2, DefaultConfiguration().Weight(FeatureAge))
	assert.Equal(t, 20, DefaultConfiguration().Age[0].Points)
}

func TestConfigurationWeight(t *testing.T) {
	cfg := &RiskConfiguration{Weights: map[string]float64{FeatureAge: 0}}
	assert.Equal(t, 0.0, cfg.Weight(FeatureAge))
	assert.Equal(t, 1.0, cfg.Weight(FeatureIncome))
	assert.Equal(t, 1.0, (&RiskConfiguration{}).Weight(FeatureActivityScore))
}

func TestConfigurationClone(t *testing.T) {
	orig := DefaultConfiguration()
	clone := orig.Clone()
	assert.Equal(t, orig, clone)

	clone.Income[0].Points = 1
	clone.Weights[FeatureIncome] = 3
	assert.Equal(t, 25, orig.Income[0].Points)
	assert.Equal(t, 1.5, orig.Weights[FeatureIncome])
}

func TestConfigurationVersion(t *testing.T) {
	a := DefaultConfiguration()
	assert.Len(t, a.Version(), 12)
	assert.Equal(t, a.Version(), DefaultConfiguration().Version())

	b := a.Clone()
	b.Weights[FeatureAge] = 1.3
	assert.NotEqual(t, a.Version(), b.Version())

	// bucket order is part of the identity
	c := a.Clone()
	c.Age[0], c.Age[1] = c.Age[1], c.Age[0]
	assert.NotEqual(t, a.Version(), c.Version())
}

func TestConfigurationValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RiskConfiguration)
	}{
		{"EmptyTable", func(c *RiskConfiguration) { c.Income = nil }},
		{"UnknownLabel", func(c *RiskConfiguration) { c.Age = Buckets{{Label: "young", Points: 1}} }},
		{"BadRange", func(c *RiskConfiguration) { c.Age = Buckets{{Label: "18-x", Points: 1}} }},
		{"InvertedRange", func(c *RiskConfiguration) { c.Age = Buckets{{Label: "40-18", Points: 1}} }},
		{"BadThreshold", func(c *RiskConfiguration) { c.ActivityScore = Buckets{{Label: ">high", Points: 1}} }},
		{"NaNWeight", func(c *RiskConfiguration) { c.Weights[FeatureAge] = math.NaN() }},
		{"InfWeight", func(c *RiskConfiguration) { c.Weights[FeatureIncome] = math.Inf(1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfiguration()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration))
		})
	}
}

func TestParseConfiguration(t *testing.T) {
	want := &RiskConfiguration{
		Age:           Buckets{{Label: "18-30", Points: 8}, {Label: "30-200", Points: 4}},
		Income:        Buckets{{Label: ">0", Points: 3}, {Label: "<0", Points: 9}},
		ActivityScore: Buckets{{Label: "0-100", Points: 1}},
		Weights:       map[string]float64{FeatureAge: 2.0, FeatureIncome: 0.5},
	}

	t.Run("JSON", func(t *testing.T) {
		cfg, err := ParseConfiguration([]byte(sampleJSON), FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, want, cfg)
	})

	t.Run("YAML", func(t *testing.T) {
		cfg, err := ParseConfiguration([]byte(sampleYAML), FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, want, cfg)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseConfiguration([]byte(`{"age": `), FormatJSON)
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromPath("risk.yaml"))
	assert.Equal(t, FormatYAML, FormatFromPath("/etc/risk.YML"))
	assert.Equal(t, FormatJSON, FormatFromPath("risk_config.json"))
	assert.Equal(t, FormatJSON, FormatFromPath("risk"))
}

func TestLoadConfiguration(t *testing.T) {
	dir := t.TempDir()

	t.Run("MissingFileUsesDefault", func(t *testing.T) {
		cfg := LoadConfiguration(filepath.Join(dir, "does-not-exist.json"), nil)
		assert.Equal(t, DefaultConfiguration(), cfg)
	})

	t.Run("EmptyPathUsesDefault", func(t *testing.T) {
		assert.Equal(t, DefaultConfiguration(), LoadConfiguration("", nil))
	})

	t.Run("MalformedFileUsesDefault", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		assert.Equal(t, DefaultConfiguration(), LoadConfiguration(path, nil))
	})

	t.Run("JSONFile", func(t *testing.T) {
		path := filepath.Join(dir, "risk_config.json")
		require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

		cfg := LoadConfiguration(path, nil)
		assert.Equal(t, 2.0, cfg.Weight(FeatureAge))
		assert.Equal(t, RangeLabel("18-30"), cfg.Age[0].Label)
	})

	t.Run("YAMLFile", func(t *testing.T) {
		path := filepath.Join(dir, "risk_config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

		cfg := LoadConfiguration(path, nil)
		assert.Equal(t, 0.5, cfg.Weight(FeatureIncome))
		assert.Equal(t, 1.0, cfg.Weight(FeatureActivityScore))
	})

	t.Run("LoadedTableDrivesEngine", func(t *testing.T) {
		path := filepath.Join(dir, "engine.json")
		require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

		engine := NewEngine(WithConfig(LoadConfiguration(path, nil)))
		// 8*2.0 + 3*0.5 + 1*1.0
		score, err := engine.Score(20, 10, 50)
		require.NoError(t, err)
		assert.InDelta(t, 18.5, score, 1e-9)
	})
}
