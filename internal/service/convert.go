package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/scoring"
)

func profileOf(req domain.ScoreRequest) scoring.Profile {
	return scoring.Profile{Age: req.Age, Income: req.Income, ActivityScore: req.ActivityScore}
}

// NewRiskScore builds the persisted form of an engine result.
func NewRiskScore(customerID string, res *scoring.Result) *domain.RiskScore {
	breakdown := make([]domain.Contribution, len(res.Breakdown.Contributions))
	for i, c := range res.Breakdown.Contributions {
		breakdown[i] = domain.Contribution{
			Feature:      c.Feature,
			Label:        string(c.Label),
			Points:       c.Points,
			Weight:       c.Weight,
			Contribution: c.Contribution,
		}
	}

	return &domain.RiskScore{
		ID:            uuid.New().String(),
		CustomerID:    customerID,
		FinalScore:    res.Breakdown.FinalScore,
		Explanation:   res.Breakdown.Explanation,
		Breakdown:     breakdown,
		CustomResults: res.CustomResults,
		ConfigVersion: res.Breakdown.ConfigVersion,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewConfigSnapshot encodes cfg for persistence.
func NewConfigSnapshot(cfg *scoring.RiskConfiguration) (*domain.ConfigSnapshot, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return &domain.ConfigSnapshot{
		ID:        uuid.New().String(),
		Version:   cfg.Version(),
		Config:    data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// SnapshotConfiguration decodes a stored snapshot.
func SnapshotConfiguration(snap *domain.ConfigSnapshot) (*scoring.RiskConfiguration, error) {
	return scoring.ParseConfiguration(snap.Config, scoring.FormatJSON)
}
