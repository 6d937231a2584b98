package scoring

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingFeature is returned when a required feature is absent from the input.
	ErrMissingFeature = errors.New("missing feature")

	// ErrEmptyBuckets is returned when a feature has no buckets configured.
	ErrEmptyBuckets = errors.New("no buckets configured")

	// ErrInvalidConfiguration is returned by strict parsing and validation.
	ErrInvalidConfiguration = errors.New("invalid risk configuration")
)

// MissingFeatureError names the feature that could not be resolved.
type MissingFeatureError struct {
	Feature string
	Reason  string
}

func (e *MissingFeatureError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrMissingFeature, e.Feature)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrMissingFeature, e.Feature, e.Reason)
}

func (e *MissingFeatureError) Unwrap() error {
	return ErrMissingFeature
}

// RuleError records a custom rule that failed during evaluation.
type RuleError struct {
	Name string
	Err  error
}

func (e RuleError) Error() string {
	return fmt.Sprintf("custom rule %s failed: %v", e.Name, e.Err)
}

func (e RuleError) Unwrap() error {
	return e.Err
}
