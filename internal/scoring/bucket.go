package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RangeLabel is the applicability test of a bucket: "<N", ">N" or "LOW-HIGH".
// Labels are parsed at match time; a label that does not parse never matches.
type RangeLabel string

// LabelKind identifies the textual form of a RangeLabel.
type LabelKind int

const (
	LabelUnknown LabelKind = iota
	LabelRange
	LabelLess
	LabelGreater
)

// Kind reports which of the recognized forms the label uses.
func (l RangeLabel) Kind() LabelKind {
	s := string(l)
	switch {
	case s == "":
		return LabelUnknown
	case strings.Contains(s, "-") && s[0] >= '0' && s[0] <= '9':
		return LabelRange
	case s[0] == '<':
		return LabelLess
	case s[0] == '>':
		return LabelGreater
	}
	return LabelUnknown
}

// Bounds parses a LOW-HIGH label.
func (l RangeLabel) Bounds() (low, high float64, ok bool) {
	if l.Kind() != LabelRange {
		return 0, 0, false
	}
	parts := strings.Split(string(l), "-")
	low, err := parseNumber(parts[0])
	if err != nil {
		return 0, 0, false
	}
	high, err = parseNumber(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return low, high, true
}

// Threshold parses the numeric part of a "<N" or ">N" label.
func (l RangeLabel) Threshold() (float64, bool) {
	switch l.Kind() {
	case LabelLess, LabelGreater:
		t, err := parseNumber(string(l)[1:])
		return t, err == nil
	}
	return 0, false
}

// Contains reports whether value falls inside the label's range.
// Range labels are inclusive on both ends.
func (l RangeLabel) Contains(value float64) bool {
	switch l.Kind() {
	case LabelRange:
		low, high, ok := l.Bounds()
		return ok && low <= value && value <= high
	case LabelLess:
		t, ok := l.Threshold()
		return ok && value < t
	case LabelGreater:
		t, ok := l.Threshold()
		return ok && value > t
	}
	return false
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Bucket maps a range label to a point value.
type Bucket struct {
	Label  RangeLabel `json:"label"`
	Points int        `json:"points"`
}

// Buckets is an ordered bucket table. Order is significant: the first
// matching bucket wins and the last bucket is the fallback.
//
// Buckets encode as a JSON/YAML object keyed by label, preserving order.
type Buckets []Bucket

// Points returns the points for label, if present.
func (b Buckets) Points(label RangeLabel) (int, bool) {
	for _, bucket := range b {
		if bucket.Label == label {
			return bucket.Points, true
		}
	}
	return 0, false
}

// set appends label or, for a repeated label, overwrites its points in place.
func (b Buckets) set(label RangeLabel, points int) Buckets {
	for i := range b {
		if b[i].Label == label {
			b[i].Points = points
			return b
		}
	}
	return append(b, Bucket{Label: label, Points: points})
}

// MarshalJSON writes the table as an object in bucket order.
func (b Buckets) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, bucket := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(string(bucket.Label))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(bucket.Points))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of label -> points keeping key order.
func (b *Buckets) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: bucket table must be an object", ErrInvalidConfiguration)
	}

	out := Buckets{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		label, _ := keyTok.(string)

		var raw json.Number
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: bucket %q: %v", ErrInvalidConfiguration, label, err)
		}
		points, err := toPoints(raw.String())
		if err != nil {
			return fmt.Errorf("%w: bucket %q: %v", ErrInvalidConfiguration, label, err)
		}
		out = out.set(RangeLabel(label), points)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*b = out
	return nil
}

// UnmarshalYAML reads a mapping of label -> points keeping key order.
func (b *Buckets) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: bucket table must be a mapping (line %d)", ErrInvalidConfiguration, node.Line)
	}

	out := Buckets{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		points, err := toPoints(value.Value)
		if err != nil {
			return fmt.Errorf("%w: bucket %q: %v", ErrInvalidConfiguration, key.Value, err)
		}
		out = out.set(RangeLabel(key.Value), points)
	}

	*b = out
	return nil
}

// toPoints accepts integral and fractional numbers; fractions are truncated.
func toPoints(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("points must be numeric, got %q", s)
	}
	return int(f), nil
}

// Match returns the points and label of the first bucket containing value.
// When nothing matches, the last bucket is returned. Only an empty table is an error.
func Match(value float64, buckets Buckets, feature string, logger *slog.Logger) (int, RangeLabel, error) {
	if logger == nil {
		logger = discardLogger
	}
	if len(buckets) == 0 {
		return 0, "", fmt.Errorf("%w: %s", ErrEmptyBuckets, feature)
	}

	for _, bucket := range buckets {
		if bucket.Label.Contains(value) {
			logger.Debug("bucket matched",
				"feature", feature,
				"value", value,
				"label", string(bucket.Label),
				"points", bucket.Points,
			)
			return bucket.Points, bucket.Label, nil
		}
	}

	last := buckets[len(buckets)-1]
	logger.Debug("bucket defaulted",
		"feature", feature,
		"value", value,
		"label", string(last.Label),
		"points", last.Points,
	)
	return last.Points, last.Label, nil
}
