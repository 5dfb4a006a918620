//go:build integration
// +build integration

// Package integration provides end-to-end tests for the subsidy engine.
//
// These tests wire the COMPLETE community stack in-process:
//
//	SQLite → rule snapshot → engine → audit recorder → channel bus → worker
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
//  1. CONSUMPTION: a user spends an amount of a subsidy type (MEAL, SHOP, ...)
//     at some time, optionally for a meal and on a device.
//
//  2. RULE: decides whether a consumption is subsidised and by how much.
//     Rules are grouped per subsidy type and tried by priority, highest first.
//     The first eligible rule wins.
//
//  3. EXECUTION: evaluating a consumption with side effects. Every execution
//     is logged; a matched execution also produces a grant and a grant event.
//
// SEEDED RULES:
//
// | Code       | Type  | Eligible              | Pays                   |
// |------------|-------|-----------------------|------------------------|
// | LUNCH-RATE | MEAL  | LUNCH, any day        | 50% capped at 10.00    |
// | MEAL-FLAT  | MEAL  | any meal, any day     | 2.00 (lower priority)  |
// | SHOP-TIER  | SHOP  | always                | 5% / 10% from 100.00   |
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/subsidy/internal/api"
	"github.com/opensource-finance/subsidy/internal/audit"
	"github.com/opensource-finance/subsidy/internal/bus"
	"github.com/opensource-finance/subsidy/internal/cache"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/engine"
	"github.com/opensource-finance/subsidy/internal/repository"
	"github.com/opensource-finance/subsidy/internal/worker"
)

// tuesdayNoon is 2024-01-02 12:00 UTC.
var tuesdayNoon = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

// stack is one node of the engine plus the shared infrastructure.
type stack struct {
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
	engine *engine.Engine
	worker *worker.Worker
	ops    *httptest.Server

	lunchID int64
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func engineConfig() domain.EngineConfig {
	return domain.EngineConfig{
		RefreshInterval:   time.Hour,
		RefreshTimeout:    5 * time.Second,
		ParallelThreshold: 64,
		MaxWorkers:        2,
		TimeZone:          "UTC",
		ExecutionTTL:      time.Hour,
	}
}

func seedRules(t *testing.T, repo *repository.SQLRepository) int64 {
	t.Helper()
	ctx := context.Background()
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	lunch := &domain.Rule{
		Code: "LUNCH-RATE", Name: "Lunch rate", SubsidyType: "MEAL", Priority: 10,
		Status: domain.StatusEnabled, EffectiveFrom: from, ApplyTimeType: domain.ApplyAll,
		MealTypes: "LUNCH", RuleType: domain.RuleTypeRate,
		Rate:             decimal.NewNullDecimal(decimal.RequireFromString("0.5")),
		MaxSubsidyAmount: decimal.NewNullDecimal(decimal.NewFromInt(10)),
	}
	flat := &domain.Rule{
		Code: "MEAL-FLAT", Name: "Any meal", SubsidyType: "MEAL", Priority: 1,
		Status: domain.StatusEnabled, EffectiveFrom: from, ApplyTimeType: domain.ApplyAll,
		RuleType:    domain.RuleTypeFixed,
		FixedAmount: decimal.NewNullDecimal(decimal.NewFromInt(2)),
	}
	shop := &domain.Rule{
		Code: "SHOP-TIER", Name: "Shop tiers", SubsidyType: "SHOP", Priority: 1,
		Status: domain.StatusEnabled, EffectiveFrom: from, ApplyTimeType: domain.ApplyAll,
		RuleType:   domain.RuleTypeTier,
		TierConfig: `[{"minAmount":"0","rate":"0.05"},{"minAmount":"100","rate":"0.1"}]`,
	}
	for _, r := range []*domain.Rule{lunch, flat, shop} {
		require.NoError(t, repo.SaveRule(ctx, r))
	}
	return lunch.ID
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := quietLogger()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "subsidy.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	s := &stack{repo: repo, lunchID: seedRules(t, repo)}

	s.bus = bus.NewChannelBus(256, log)
	t.Cleanup(func() { s.bus.Close() })

	s.engine = s.node(t, "node-a")

	s.worker = worker.NewWorker(s.bus, s.engine, log)
	require.NoError(t, s.worker.Start())
	t.Cleanup(func() { s.worker.Stop() })

	handler := api.NewHandler(s.engine, repo, map[string]api.Pinger{"bus": s.bus}, "test")
	s.ops = httptest.NewServer(api.NewServer(domain.ServerConfig{}, handler, log).Router())
	t.Cleanup(s.ops.Close)

	return s
}

// node starts another engine on the shared repository and bus.
func (s *stack) node(t *testing.T, id string) *engine.Engine {
	t.Helper()
	log := quietLogger()

	c, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 1000})
	require.NoError(t, err)

	eng, err := engine.New(engineConfig(), engine.Deps{
		Rules:  s.repo,
		Sink:   audit.NewRecorder(s.repo, s.bus, log),
		Cache:  c,
		Bus:    s.bus,
		NodeID: id,
	}, log)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

// submit sends a consumption through the bus and waits for the worker's reply.
func (s *stack) submit(t *testing.T, msg worker.ConsumptionMessage) *worker.ResultMessage {
	t.Helper()

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := s.bus.Request(ctx, domain.TopicConsumptionSubmitted, payload)
	require.NoError(t, err)

	var out worker.ResultMessage
	require.NoError(t, json.Unmarshal(reply, &out))
	require.NotNil(t, out.Result)
	return &out
}

func (s *stack) getJSON(t *testing.T, path string, dest any) int {
	t.Helper()
	resp, err := http.Get(s.ops.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	return resp.StatusCode
}

// ============================================================================
// SCENARIO 1: Lunch consumption is granted end to end
// ============================================================================

func TestLunchConsumption_Granted(t *testing.T) {
	/*
	   SCENARIO: a user pays 30.00 for lunch on a Tuesday.

	   EXPECTED BEHAVIOR:
	   - LUNCH-RATE (priority 10) wins over MEAL-FLAT (priority 1)
	   - 50% of 30.00 is 15.00, capped at 10.00
	   - one execution log, one grant, one grant event
	*/
	s := newStack(t)

	var (
		mu     sync.Mutex
		grants []domain.GrantRecord
	)
	sub, err := s.bus.Subscribe(context.Background(), domain.TopicGrant, func(ctx context.Context, msg *domain.Message) error {
		var g domain.GrantRecord
		if err := json.Unmarshal(msg.Payload, &g); err != nil {
			return err
		}
		mu.Lock()
		grants = append(grants, g)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	out := s.submit(t, worker.ConsumptionMessage{
		TransactionID: "tx-lunch-1",
		UserID:        "u-1",
		SubsidyType:   "MEAL",
		ConsumeAmount: decimal.RequireFromString("30.00"),
		ConsumeTime:   tuesdayNoon,
		MealType:      domain.MealLunch,
	})

	res := out.Result
	assert.True(t, res.Success)
	assert.True(t, res.Matched)
	assert.Equal(t, "LUNCH-RATE", res.RuleCode)
	assert.True(t, res.SubsidyAmount.Equal(decimal.NewFromInt(10)), res.SubsidyAmount.String())

	grant, err := s.repo.GetGrantByTransaction(context.Background(), "tx-lunch-1")
	require.NoError(t, err)
	assert.Equal(t, s.lunchID, grant.RuleID)
	assert.True(t, grant.SubsidyAmount.Equal(decimal.NewFromInt(10)))

	logs, err := s.repo.ListExecutionLogs(context.Background(), "tx-lunch-1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(grants) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "tx-lunch-1", grants[0].TransactionID)
	mu.Unlock()
}

// ============================================================================
// SCENARIO 2: Redelivered consumption is not granted twice
// ============================================================================

func TestRedelivery_Idempotent(t *testing.T) {
	/*
	   SCENARIO: the same transaction is submitted twice (at-least-once bus).

	   EXPECTED BEHAVIOR:
	   - both replies carry the same result
	   - only one execution log and one grant exist
	*/
	s := newStack(t)
	msg := worker.ConsumptionMessage{
		TransactionID: "tx-dup-1",
		UserID:        "u-2",
		SubsidyType:   "SHOP",
		ConsumeAmount: decimal.RequireFromString("200.00"),
		ConsumeTime:   tuesdayNoon,
	}

	first := s.submit(t, msg)
	second := s.submit(t, msg)

	assert.True(t, first.Result.SubsidyAmount.Equal(decimal.NewFromInt(20)), first.Result.SubsidyAmount.String())
	assert.True(t, first.Result.SubsidyAmount.Equal(second.Result.SubsidyAmount))
	assert.Equal(t, first.Result.RuleID, second.Result.RuleID)

	logs, err := s.repo.ListExecutionLogs(context.Background(), "tx-dup-1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	grants, err := s.repo.ListGrantsByUser(context.Background(), "u-2", 10)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

// ============================================================================
// SCENARIO 3: No applicable rule
// ============================================================================

func TestUnknownSubsidyType_NoMatch(t *testing.T) {
	/*
	   SCENARIO: a consumption of a subsidy type no rule covers.

	   EXPECTED BEHAVIOR:
	   - success, not matched, zero subsidy
	   - logged, but no grant
	*/
	s := newStack(t)

	out := s.submit(t, worker.ConsumptionMessage{
		TransactionID: "tx-none-1",
		UserID:        "u-3",
		SubsidyType:   "TRAVEL",
		ConsumeAmount: decimal.RequireFromString("12.00"),
		ConsumeTime:   tuesdayNoon,
	})

	assert.True(t, out.Result.Success)
	assert.False(t, out.Result.Matched)
	assert.True(t, out.Result.SubsidyAmount.IsZero())

	_, err := s.repo.GetGrantByTransaction(context.Background(), "tx-none-1")
	assert.True(t, errors.Is(err, repository.ErrNotFound), "got %v", err)

	logs, err := s.repo.ListExecutionLogs(context.Background(), "tx-none-1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

// ============================================================================
// SCENARIO 4: Disabling a rule on one node reaches the others
// ============================================================================

func TestDisableRule_PropagatesAcrossNodes(t *testing.T) {
	/*
	   SCENARIO: an operator disables LUNCH-RATE through node B while node A
	   serves traffic from the same repository and bus.

	   EXPECTED BEHAVIOR:
	   - node B sees the change immediately (read-your-writes)
	   - node A rebuilds after the rule-changed event
	   - lunch now falls through to MEAL-FLAT (2.00)
	*/
	s := newStack(t)
	nodeB := s.node(t, "node-b")

	require.NoError(t, nodeB.DisableRule(context.Background(), s.lunchID))
	_, ok := nodeB.Snapshot().Rule(s.lunchID)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, ok := s.engine.Snapshot().Rule(s.lunchID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	out := s.submit(t, worker.ConsumptionMessage{
		TransactionID: "tx-after-disable",
		UserID:        "u-4",
		SubsidyType:   "MEAL",
		ConsumeAmount: decimal.RequireFromString("30.00"),
		ConsumeTime:   tuesdayNoon,
		MealType:      domain.MealLunch,
	})
	assert.Equal(t, "MEAL-FLAT", out.Result.RuleCode)
	assert.True(t, out.Result.SubsidyAmount.Equal(decimal.NewFromInt(2)))
}

// ============================================================================
// SCENARIO 5: Ops endpoints describe the running node
// ============================================================================

func TestOpsEndpoints(t *testing.T) {
	s := newStack(t)

	var ready map[string]any
	assert.Equal(t, http.StatusOK, s.getJSON(t, "/ready", &ready))

	var snap api.SnapshotResponse
	require.Equal(t, http.StatusOK, s.getJSON(t, "/snapshot", &snap))
	assert.Equal(t, 3, snap.RuleCount)
	require.Len(t, snap.Buckets["MEAL"], 2)
	assert.Equal(t, "LUNCH-RATE", snap.Buckets["MEAL"][0].Code)
	assert.Equal(t, "MEAL-FLAT", snap.Buckets["MEAL"][1].Code)

	resp, err := http.Post(s.ops.URL+"/snapshot/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var refreshed api.SnapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))
	assert.Greater(t, refreshed.Version, snap.Version)
}
