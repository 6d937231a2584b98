package domain

import (
	"encoding/json"
	"time"
)

// RiskScore is a persisted scoring outcome for a customer.
type RiskScore struct {
	ID            string             `json:"id"`
	CustomerID    string             `json:"customer_id"`
	FinalScore    float64            `json:"final_score"`
	Explanation   string             `json:"explanation"`
	Breakdown     []Contribution     `json:"breakdown"`
	CustomResults map[string]float64 `json:"custom_results,omitempty"`
	ConfigVersion string             `json:"config_version"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Contribution is one feature's share of a persisted score.
type Contribution struct {
	Feature      string  `json:"feature"`
	Label        string  `json:"label"`
	Points       int     `json:"points"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// ScoreRequest asks for a customer to be scored, over HTTP or the event bus.
type ScoreRequest struct {
	CustomerID    string  `json:"customer_id"`
	Age           int     `json:"age"`
	Income        float64 `json:"income"`
	ActivityScore int     `json:"activity_score"`
}

// RuleDefinition is a persisted CEL custom rule.
type RuleDefinition struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConfigSnapshot is a persisted risk configuration.
type ConfigSnapshot struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}
