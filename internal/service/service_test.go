package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/riskscore/internal/bus"
	"github.com/opensource-finance/riskscore/internal/cache"
	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/metrics"
	"github.com/opensource-finance/riskscore/internal/repository"
	"github.com/opensource-finance/riskscore/internal/scoring"
)

const flatConfig = `{
  "age": {"18-200": 1},
  "income": {"0-10000000": 1},
  "activity_score": {"0-100": 1}
}`

type fixture struct {
	svc     *RiskService
	repo    *repository.SQLRepository
	cache   *cache.LRUCache
	bus     *bus.ChannelBus
	metrics *metrics.Metrics
}

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "service-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newFixture(t *testing.T, repo *repository.SQLRepository, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		repo:    repo,
		cache:   cache.NewLRUCache(100),
		bus:     bus.NewChannelBus(100, nil),
		metrics: metrics.New(),
	}
	t.Cleanup(func() { f.bus.Close() })

	opts = append([]Option{
		WithCache(f.cache, time.Minute),
		WithEventBus(f.bus),
		WithMetrics(f.metrics),
	}, opts...)

	svc, err := New(scoring.NewEngine(), repo, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) createCustomer(t *testing.T) *domain.Customer {
	t.Helper()

	c := &domain.Customer{Name: "  Ada Lovelace ", Age: 35, Income: 45000, ActivityScore: 55}
	require.NoError(t, f.svc.CreateCustomer(context.Background(), c))
	return c
}

func subscribe(t *testing.T, b domain.EventBus, topic string) <-chan *domain.Message {
	t.Helper()

	ch := make(chan *domain.Message, 10)
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestCreateCustomer(t *testing.T) {
	f := newFixture(t, newRepo(t))
	ctx := context.Background()

	t.Run("Valid", func(t *testing.T) {
		c := f.createCustomer(t)

		assert.NotEmpty(t, c.ID)
		assert.Equal(t, "Ada Lovelace", c.Name)
		assert.False(t, c.CreatedAt.IsZero())

		cached, err := f.cache.GetCustomer(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, c.Name, cached.Name)
	})

	t.Run("Invalid", func(t *testing.T) {
		c := &domain.Customer{Name: " a ", Age: 17, Income: -1, ActivityScore: 101}
		err := f.svc.CreateCustomer(ctx, c)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Fields, 4)
		assert.Equal(t, "name", verr.Fields[0].Field)
		assert.Empty(t, c.ID)
	})
}

func TestGetCustomer(t *testing.T) {
	f := newFixture(t, newRepo(t))
	ctx := context.Background()

	t.Run("CacheMissFillsCache", func(t *testing.T) {
		c := f.createCustomer(t)
		require.NoError(t, f.cache.Delete(ctx, cache.CustomerKey(c.ID)))

		got, err := f.svc.GetCustomer(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)

		cached, err := f.cache.GetCustomer(ctx, c.ID)
		require.NoError(t, err)
		assert.NotNil(t, cached)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := f.svc.GetCustomer(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestScoreCustomer(t *testing.T) {
	f := newFixture(t, newRepo(t))
	ctx := context.Background()
	c := f.createCustomer(t)
	events := subscribe(t, f.bus, domain.TopicScoreComputed)

	req := domain.ScoreRequest{CustomerID: c.ID, Age: 35, Income: 45000, ActivityScore: 55}
	score, err := f.svc.ScoreCustomer(ctx, req, "api")
	require.NoError(t, err)

	assert.Equal(t, 49.5, score.FinalScore)
	assert.Equal(t, c.ID, score.CustomerID)
	assert.Len(t, score.Breakdown, 3)
	assert.Equal(t, scoring.DefaultConfiguration().Version(), score.ConfigVersion)

	msg := receive(t, events)
	var published domain.RiskScore
	require.NoError(t, json.Unmarshal(msg.Payload, &published))
	assert.Equal(t, score.ID, published.ID)

	stored, err := f.svc.ListScores(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, score.ID, stored[0].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ScoresTotal.WithLabelValues("api")))
}

func TestScoreCustomerErrors(t *testing.T) {
	f := newFixture(t, newRepo(t))
	ctx := context.Background()

	t.Run("UnknownCustomer", func(t *testing.T) {
		req := domain.ScoreRequest{CustomerID: "nobody", Age: 30, Income: 1000, ActivityScore: 10}
		_, err := f.svc.ScoreCustomer(ctx, req, "api")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Validation", func(t *testing.T) {
		_, err := f.svc.ScoreCustomer(ctx, domain.ScoreRequest{Age: 90}, "api")

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "customer_id", verr.Fields[0].Field)
		assert.Equal(t, "age", verr.Fields[1].Field)
	})

	t.Run("MalformedActiveConfig", func(t *testing.T) {
		c := f.createCustomer(t)
		f.svc.Engine().ReplaceConfig(&scoring.RiskConfiguration{})

		req := domain.ScoreRequest{CustomerID: c.ID, Age: 30, Income: 1000, ActivityScore: 10}
		_, err := f.svc.ScoreCustomer(ctx, req, "api")
		assert.ErrorIs(t, err, scoring.ErrEmptyBuckets)
	})
}

func TestReplaceConfig(t *testing.T) {
	repo := newRepo(t)
	f := newFixture(t, repo)
	ctx := context.Background()
	events := subscribe(t, f.bus, domain.TopicConfigUpdated)

	cfg, err := scoring.ParseConfiguration([]byte(flatConfig), scoring.FormatJSON)
	require.NoError(t, err)

	t.Run("Invalid", func(t *testing.T) {
		err := f.svc.ReplaceConfig(ctx, &scoring.RiskConfiguration{})
		assert.ErrorIs(t, err, scoring.ErrInvalidConfiguration)
		assert.Equal(t, scoring.DefaultConfiguration().Version(), f.svc.ActiveConfig().Version())
	})

	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, f.svc.ReplaceConfig(ctx, cfg))

		assert.Equal(t, cfg.Version(), f.svc.ActiveConfig().Version())
		score, err := f.svc.Engine().Score(30, 1000, 10)
		require.NoError(t, err)
		assert.Equal(t, 3.0, score)

		snap, err := repo.LatestConfigSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, cfg.Version(), snap.Version)

		msg := receive(t, events)
		published, err := scoring.ParseConfiguration(msg.Payload, scoring.FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, cfg.Version(), published.Version())

		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConfigReplacements))
	})

	t.Run("ApplySameVersionIsNoop", func(t *testing.T) {
		assert.False(t, f.svc.ApplyConfig(cfg.Clone()))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConfigReplacements))
	})

	t.Run("RestoreOnFreshInstance", func(t *testing.T) {
		other := newFixture(t, repo)

		restored, err := other.svc.RestoreConfig(ctx)
		require.NoError(t, err)
		assert.True(t, restored)
		assert.Equal(t, cfg.Version(), other.svc.ActiveConfig().Version())
	})
}

func TestReplaceConfigSnapshotFailure(t *testing.T) {
	repo := newRepo(t)
	f := newFixture(t, repo)
	events := subscribe(t, f.bus, domain.TopicConfigUpdated)

	cfg, err := scoring.ParseConfiguration([]byte(flatConfig), scoring.FormatJSON)
	require.NoError(t, err)

	require.NoError(t, repo.Close())

	err = f.svc.ReplaceConfig(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot")

	assert.Equal(t, scoring.DefaultConfiguration().Version(), f.svc.ActiveConfig().Version())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ConfigReplacements))

	select {
	case msg := <-events:
		t.Fatalf("unexpected config event: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRestoreConfigWithoutSnapshot(t *testing.T) {
	f := newFixture(t, newRepo(t))

	restored, err := f.svc.RestoreConfig(context.Background())
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, scoring.DefaultConfiguration().Version(), f.svc.ActiveConfig().Version())
}

func TestReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.json")
	require.NoError(t, os.WriteFile(path, []byte(flatConfig), 0o644))

	f := newFixture(t, newRepo(t), WithConfigPath(path))
	ctx := context.Background()

	cfg, err := f.svc.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Version(), f.svc.ActiveConfig().Version())

	require.NoError(t, os.Remove(path))

	cfg, err = f.svc.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, scoring.DefaultConfiguration().Version(), cfg.Version())
}

func TestCustomRules(t *testing.T) {
	repo := newRepo(t)
	f := newFixture(t, repo)
	ctx := context.Background()
	c := f.createCustomer(t)

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		err := f.svc.CreateRule(ctx, &domain.RuleDefinition{Name: "broken", Expression: "age >", Enabled: true})
		assert.ErrorIs(t, err, ErrInvalidRule)

		rules, err := f.svc.ListRules(ctx)
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("RejectsEmptyName", func(t *testing.T) {
		err := f.svc.CreateRule(ctx, &domain.RuleDefinition{Name: " ", Expression: "true"})

		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	})

	senior := &domain.RuleDefinition{Name: "senior", Expression: "age > 30", Enabled: true}
	dormant := &domain.RuleDefinition{Name: "dormant", Expression: "activity_score < 10", Enabled: false}

	t.Run("CreateRegistersEnabled", func(t *testing.T) {
		require.NoError(t, f.svc.CreateRule(ctx, senior))
		require.NoError(t, f.svc.CreateRule(ctx, dormant))
		assert.NotEmpty(t, senior.ID)

		assert.Equal(t, []string{"senior"}, f.svc.Engine().Registry().Names())

		req := domain.ScoreRequest{CustomerID: c.ID, Age: 35, Income: 45000, ActivityScore: 55}
		score, err := f.svc.ScoreCustomer(ctx, req, "api")
		require.NoError(t, err)
		assert.Equal(t, 1.0, score.CustomResults["senior"])
		assert.Equal(t, 49.5, score.FinalScore)
	})

	t.Run("ListOrderedByName", func(t *testing.T) {
		rules, err := f.svc.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "dormant", rules[0].Name)
		assert.Equal(t, "senior", rules[1].Name)
	})

	t.Run("LoadOnFreshInstance", func(t *testing.T) {
		other := newFixture(t, repo)

		n, err := other.svc.LoadRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"senior"}, other.svc.Engine().Registry().Names())
	})

	t.Run("SameNameOverwrites", func(t *testing.T) {
		replacement := &domain.RuleDefinition{Name: " senior ", Expression: "age > 60", Enabled: true}
		require.NoError(t, f.svc.CreateRule(ctx, replacement))
		assert.Equal(t, senior.ID, replacement.ID)

		rules, err := f.svc.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "age > 60", rules[1].Expression)

		assert.Equal(t, []string{"senior"}, f.svc.Engine().Registry().Names())
		req := domain.ScoreRequest{CustomerID: c.ID, Age: 35, Income: 45000, ActivityScore: 55}
		score, err := f.svc.ScoreCustomer(ctx, req, "api")
		require.NoError(t, err)
		assert.Equal(t, 0.0, score.CustomResults["senior"])
	})

	t.Run("RenameByID", func(t *testing.T) {
		renamed := &domain.RuleDefinition{ID: senior.ID, Name: "elder", Expression: "age > 60", Enabled: true}
		require.NoError(t, f.svc.CreateRule(ctx, renamed))
		assert.Equal(t, []string{"elder"}, f.svc.Engine().Registry().Names())

		renamed.Name = "senior"
		require.NoError(t, f.svc.CreateRule(ctx, renamed))
		assert.Equal(t, []string{"senior"}, f.svc.Engine().Registry().Names())
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, f.svc.DeleteRule(ctx, senior.ID))
		assert.Equal(t, 0, f.svc.Engine().Registry().Len())

		err := f.svc.DeleteRule(ctx, senior.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
