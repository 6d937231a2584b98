package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/scoring"
)

func riskScoreFor(id, customerID string, res *scoring.Result) *domain.RiskScore {
	s := &domain.RiskScore{
		ID:            id,
		CustomerID:    customerID,
		FinalScore:    res.Breakdown.FinalScore,
		Explanation:   res.Breakdown.Explanation,
		CustomResults: res.CustomResults,
		ConfigVersion: res.Breakdown.ConfigVersion,
		CreatedAt:     time.Now().UTC(),
	}
	for _, c := range res.Breakdown.Contributions {
		s.Breakdown = append(s.Breakdown, domain.Contribution{
			Feature:      c.Feature,
			Label:        string(c.Label),
			Points:       c.Points,
			Weight:       c.Weight,
			Contribution: c.Contribution,
		})
	}
	return s
}

func snapshotOf(t *testing.T, id string, cfg *scoring.RiskConfiguration) *domain.ConfigSnapshot {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to encode configuration: %v", err)
	}
	return &domain.ConfigSnapshot{ID: id, Version: cfg.Version(), Config: data, CreatedAt: time.Now().UTC()}
}

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "riskscore-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	customer := &domain.Customer{
		ID:            "cust-001",
		Name:          "Ada Lovelace",
		Age:           35,
		Income:        45000,
		ActivityScore: 55,
		CreatedAt:     time.Now().UTC(),
	}

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetCustomer", func(t *testing.T) {
		if err := repo.SaveCustomer(ctx, customer); err != nil {
			t.Fatalf("SaveCustomer failed: %v", err)
		}

		retrieved, err := repo.GetCustomer(ctx, customer.ID)
		if err != nil {
			t.Fatalf("GetCustomer failed: %v", err)
		}

		if retrieved.Name != customer.Name {
			t.Errorf("expected Name %s, got %s", customer.Name, retrieved.Name)
		}
		if retrieved.Income != customer.Income {
			t.Errorf("expected Income %.2f, got %.2f", customer.Income, retrieved.Income)
		}
		if retrieved.ActivityScore != customer.ActivityScore {
			t.Errorf("expected ActivityScore %d, got %d", customer.ActivityScore, retrieved.ActivityScore)
		}
	})

	t.Run("DuplicateCustomer", func(t *testing.T) {
		if err := repo.SaveCustomer(ctx, customer); err == nil {
			t.Error("expected error for duplicate customer ID")
		}
	})

	t.Run("RequiresCustomerID", func(t *testing.T) {
		err := repo.SaveCustomer(ctx, &domain.Customer{Name: "No ID"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("SaveAndListRiskScores", func(t *testing.T) {
		engine := scoring.NewEngine()
		engine.RegisterRule("income_k", func(f scoring.Features) (float64, error) {
			return f[scoring.FeatureIncome] / 1000, nil
		})

		for i, p := range []scoring.Profile{
			{Age: 35, Income: 45000, ActivityScore: 55},
			{Age: 22, Income: 100001, ActivityScore: 81},
		} {
			res, err := engine.Compute(p)
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			score := riskScoreFor([]string{"score-a", "score-b"}[i], customer.ID, res)
			score.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
			if err := repo.SaveRiskScore(ctx, score); err != nil {
				t.Fatalf("SaveRiskScore failed: %v", err)
			}
		}

		scores, err := repo.ListRiskScores(ctx, customer.ID)
		if err != nil {
			t.Fatalf("ListRiskScores failed: %v", err)
		}
		if len(scores) != 2 {
			t.Fatalf("expected 2 scores, got %d", len(scores))
		}

		first := scores[0]
		if first.FinalScore != 49.5 {
			t.Errorf("expected first score 49.5, got %v", first.FinalScore)
		}
		if len(first.Breakdown) != 3 || first.Breakdown[0].Label != "25-40" {
			t.Errorf("breakdown not restored: %+v", first.Breakdown)
		}
		if first.CustomResults["income_k"] != 45 {
			t.Errorf("expected custom result 45, got %v", first.CustomResults["income_k"])
		}
		if !strings.HasPrefix(first.Explanation, "Age bucket 25-40") {
			t.Errorf("unexpected explanation: %s", first.Explanation)
		}
		if scores[1].FinalScore != 29.0 {
			t.Errorf("expected second score 29.0, got %v", scores[1].FinalScore)
		}
	})

	t.Run("CorruptCustomResults", func(t *testing.T) {
		other := &domain.Customer{ID: "cust-corrupt", Name: "Corrupt", Age: 40, Income: 1, ActivityScore: 1, CreatedAt: time.Now().UTC()}
		if err := repo.SaveCustomer(ctx, other); err != nil {
			t.Fatalf("SaveCustomer failed: %v", err)
		}
		_, err := repo.db.ExecContext(ctx, `
			INSERT INTO risk_scores (id, customer_id, final_score, explanation, breakdown,
				custom_results, config_version, created_at)
			VALUES ('score-corrupt', 'cust-corrupt', 1, 'x', '[]', '{not json', 'v', ?)`,
			time.Now().UTC(),
		)
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}

		if _, err := repo.ListRiskScores(ctx, "cust-corrupt"); err == nil || !strings.Contains(err.Error(), "custom results") {
			t.Errorf("expected custom results decode error, got: %v", err)
		}
	})

	t.Run("ListRiskScoresEmpty", func(t *testing.T) {
		scores, err := repo.ListRiskScores(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListRiskScores failed: %v", err)
		}
		if scores == nil || len(scores) != 0 {
			t.Errorf("expected empty non-nil list, got %v", scores)
		}
	})

	t.Run("RiskScoreRequiresKnownCustomer", func(t *testing.T) {
		res, _ := scoring.NewEngine().Compute(scoring.Profile{Age: 30, Income: 1, ActivityScore: 1})
		if err := repo.SaveRiskScore(ctx, riskScoreFor("score-ghost", "ghost", res)); err == nil {
			t.Error("expected foreign key error for unknown customer")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetCustomer(ctx, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetRule(ctx, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestRuleDefinitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.RuleDefinition{
		ID:         "rule-001",
		Name:       "young_high_income",
		Expression: "age < 25.0 && income > 100000.0",
		Enabled:    true,
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		retrieved, err := repo.GetRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if retrieved.Expression != rule.Expression {
			t.Errorf("expected expression %q, got %q", rule.Expression, retrieved.Expression)
		}
		if !retrieved.Enabled {
			t.Error("expected rule to be enabled")
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		rule.Enabled = false
		rule.Expression = "age < 30.0"
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		retrieved, _ := repo.GetRule(ctx, rule.ID)
		if retrieved.Enabled {
			t.Error("expected rule to be disabled")
		}
		if retrieved.Expression != "age < 30.0" {
			t.Errorf("expression not updated: %q", retrieved.Expression)
		}
	})

	t.Run("List", func(t *testing.T) {
		other := &domain.RuleDefinition{ID: "rule-002", Name: "active", Expression: "activity_score", Enabled: true}
		if err := repo.SaveRule(ctx, other); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		rules, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(rules) != 2 {
			t.Fatalf("expected 2 rules, got %d", len(rules))
		}
		if rules[0].Name != "active" {
			t.Errorf("expected rules ordered by name, got %s first", rules[0].Name)
		}
	})

	t.Run("GetByName", func(t *testing.T) {
		retrieved, err := repo.GetRuleByName(ctx, "active")
		if err != nil {
			t.Fatalf("GetRuleByName failed: %v", err)
		}
		if retrieved.ID != "rule-002" {
			t.Errorf("expected rule-002, got %s", retrieved.ID)
		}

		if _, err := repo.GetRuleByName(ctx, "missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		dup := &domain.RuleDefinition{ID: "rule-003", Name: "active", Expression: "1.0"}
		if err := repo.SaveRule(ctx, dup); err == nil {
			t.Error("expected unique constraint error for duplicate rule name")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.DeleteRule(ctx, "rule-002"); err != nil {
			t.Fatalf("DeleteRule failed: %v", err)
		}
		if err := repo.DeleteRule(ctx, "rule-002"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound on second delete, got: %v", err)
		}
	})
}

func TestConfigSnapshots(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("EmptyHistory", func(t *testing.T) {
		if _, err := repo.LatestConfigSnapshot(ctx); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("LatestWins", func(t *testing.T) {
		first := snapshotOf(t, "snap-1", scoring.DefaultConfiguration())
		first.CreatedAt = time.Now().UTC().Add(-time.Minute)

		changed := scoring.DefaultConfiguration()
		changed.Weights[scoring.FeatureAge] = 2.0
		second := snapshotOf(t, "snap-2", changed)

		for _, s := range []*domain.ConfigSnapshot{second, first} {
			if err := repo.SaveConfigSnapshot(ctx, s); err != nil {
				t.Fatalf("SaveConfigSnapshot failed: %v", err)
			}
		}

		latest, err := repo.LatestConfigSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestConfigSnapshot failed: %v", err)
		}
		if latest.Version != changed.Version() {
			t.Errorf("expected version %s, got %s", changed.Version(), latest.Version)
		}

		cfg, err := scoring.ParseConfiguration(latest.Config, scoring.FormatJSON)
		if err != nil {
			t.Fatalf("Configuration failed: %v", err)
		}
		if cfg.Weight(scoring.FeatureAge) != 2.0 {
			t.Errorf("expected restored age weight 2.0, got %v", cfg.Weight(scoring.FeatureAge))
		}
		if cfg.Version() != changed.Version() {
			t.Errorf("restored configuration differs: %s != %s", cfg.Version(), changed.Version())
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("id = ?"); got != "id = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.RepositoryConfig
		want string
	}{
		{
			name: "Defaults",
			cfg:  domain.RepositoryConfig{},
			want: "host=localhost port=5432 dbname=riskscore sslmode=disable",
		},
		{
			name: "Credentials",
			cfg: domain.RepositoryConfig{
				PostgresHost:     "db",
				PostgresPort:     6432,
				PostgresDB:       "risk",
				PostgresUser:     "svc",
				PostgresPassword: "it's secret",
				PostgresSSLMode:  "require",
			},
			want: `host=db port=6432 dbname=risk sslmode=require user=svc password='it\'s secret'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postgresDSN(tt.cfg); got != tt.want {
				t.Errorf("postgresDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	if dsn := sqliteDSN(MemoryPath); !strings.Contains(dsn, "memory") {
		t.Errorf("unexpected memory DSN: %s", dsn)
	}
	if dsn := sqliteDSN("/tmp/r.db"); !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Errorf("expected WAL pragma in DSN: %s", dsn)
	}
}
