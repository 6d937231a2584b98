package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Features is the resolved feature mapping handed to custom rules.
type Features map[string]float64

// FeatureSource exposes the scoring inputs of a request.
// Feature returns a *MissingFeatureError when name cannot be resolved.
type FeatureSource interface {
	Feature(name string) (float64, error)
}

// Profile is the typed form of a scoring request.
type Profile struct {
	Age           int     `json:"age"`
	Income        float64 `json:"income"`
	ActivityScore int     `json:"activity_score"`
}

// Feature implements FeatureSource.
func (p Profile) Feature(name string) (float64, error) {
	switch name {
	case FeatureAge:
		return float64(p.Age), nil
	case FeatureIncome:
		return p.Income, nil
	case FeatureActivityScore:
		return float64(p.ActivityScore), nil
	}
	return 0, &MissingFeatureError{Feature: name}
}

// FeatureMap is the untyped form of a scoring request, e.g. decoded JSON.
// Absent or null entries are missing; numeric strings are accepted.
type FeatureMap map[string]any

// Feature implements FeatureSource. NaN and infinite values are rejected.
func (m FeatureMap) Feature(name string) (float64, error) {
	v, err := m.number(name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &MissingFeatureError{Feature: name, Reason: "not a number"}
	}
	return v, nil
}

func (m FeatureMap) number(name string) (float64, error) {
	raw, ok := m[name]
	if !ok || raw == nil {
		return 0, &MissingFeatureError{Feature: name}
	}

	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, &MissingFeatureError{Feature: name, Reason: "not a number"}
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &MissingFeatureError{Feature: name, Reason: "not a number"}
		}
		return f, nil
	}
	return 0, &MissingFeatureError{Feature: name, Reason: fmt.Sprintf("unsupported type %T", raw)}
}

// ResolveFeatures reads every core feature from src.
func ResolveFeatures(src FeatureSource) (Features, error) {
	if src == nil {
		return nil, &MissingFeatureError{Feature: FeatureAge, Reason: "no input"}
	}
	out := make(Features, len(CoreFeatures))
	for _, name := range CoreFeatures {
		v, err := src.Feature(name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
