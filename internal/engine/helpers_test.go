package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/subsidy/internal/cache"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/repository"
)

// monday is 2024-01-01 12:00 UTC.
var monday = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() domain.EngineConfig {
	return domain.EngineConfig{
		RefreshInterval:   time.Hour,
		RefreshTimeout:    5 * time.Second,
		ParallelThreshold: 64,
		MaxWorkers:        4,
		TimeZone:          "UTC",
		ExecutionTTL:      time.Hour,
	}
}

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type fixture struct {
	engine *Engine
	repo   *repository.SQLRepository
	sink   *memSink
	cache  *cache.LRUCache
}

func newFixture(t *testing.T, rules ...*domain.Rule) *fixture {
	t.Helper()
	repo := newRepo(t)
	for _, r := range rules {
		require.NoError(t, repo.SaveRule(context.Background(), r))
	}

	f := &fixture{repo: repo, sink: &memSink{}, cache: cache.NewLRUCache(100)}
	e, err := New(testConfig(), Deps{
		Rules:  repo,
		Sink:   f.sink,
		Cache:  f.cache,
		NodeID: "node-test",
	}, discardLogger())
	require.NoError(t, err)
	e.now = func() time.Time { return monday }
	require.NoError(t, e.Refresh(context.Background()))

	f.engine = e
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

// rateRule is the worked example rule: MEAL, RATE 0.5 capped at 10.00.
func rateRule(id int64, priority int) *domain.Rule {
	return &domain.Rule{
		ID:               id,
		Code:             fmt.Sprintf("R%d", id),
		Name:             "Meal rate",
		SubsidyType:      "MEAL",
		Priority:         priority,
		Status:           domain.StatusEnabled,
		EffectiveFrom:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		ApplyTimeType:    domain.ApplyAll,
		RuleType:         domain.RuleTypeRate,
		Rate:             nullDec("0.5"),
		MaxSubsidyAmount: nullDec("10.00"),
	}
}

func fixedRule(id int64, priority int, amount string) *domain.Rule {
	r := rateRule(id, priority)
	r.RuleType = domain.RuleTypeFixed
	r.Rate = decimal.NullDecimal{}
	r.MaxSubsidyAmount = decimal.NullDecimal{}
	r.FixedAmount = nullDec(amount)
	return r
}

func tierRule(id int64) *domain.Rule {
	r := rateRule(id, 1)
	r.SubsidyType = "SHOP"
	r.RuleType = domain.RuleTypeTier
	r.Rate = decimal.NullDecimal{}
	r.MaxSubsidyAmount = decimal.NullDecimal{}
	r.TierConfig = `[{"minAmount":"0","rate":"0.05"},{"minAmount":"100","rate":"0.2"},{"minAmount":"50","rate":"0.1"}]`
	return r
}

func request(subsidyType, amount, tx string) *domain.CalculationRequest {
	return &domain.CalculationRequest{
		UserID:        "u-1",
		SubsidyType:   subsidyType,
		ConsumeAmount: dec(amount),
		ConsumeTime:   monday,
		MealType:      domain.MealLunch,
		DeviceID:      "pos-1",
		TransactionID: tx,
	}
}

type memSink struct {
	mu         sync.Mutex
	executions []*domain.CalculationResult
	grants     []*domain.CalculationResult
	err        error
}

func (s *memSink) RecordExecution(_ context.Context, _ *domain.CalculationRequest, res *domain.CalculationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.executions = append(s.executions, res)
	return nil
}

func (s *memSink) RecordGrant(_ context.Context, _ *domain.CalculationRequest, res *domain.CalculationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.grants = append(s.grants, res)
	return nil
}

func (s *memSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions), len(s.grants)
}

var errSinkDown = errors.New("sink down")
