package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// monday is 2024-01-01 12:00 UTC, a Monday.
var monday = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler(time.UTC, discardLogger())
	require.NoError(t, err)
	return c
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func rateRule(id int64, priority int) *domain.Rule {
	return &domain.Rule{
		ID:               id,
		Code:             fmt.Sprintf("R%d", id),
		Name:             "rate rule",
		SubsidyType:      "MEAL",
		Priority:         priority,
		Status:           domain.StatusEnabled,
		EffectiveFrom:    monday.AddDate(-1, 0, 0),
		ApplyTimeType:    domain.ApplyAll,
		RuleType:         domain.RuleTypeRate,
		Rate:             nullDec("0.5"),
		MaxSubsidyAmount: nullDec("10.00"),
	}
}

func request(amount string, at time.Time) *domain.CalculationRequest {
	return &domain.CalculationRequest{
		UserID:        "u-1",
		SubsidyType:   "MEAL",
		ConsumeAmount: dec(amount),
		ConsumeTime:   at,
		MealType:      domain.MealLunch,
		DeviceID:      "pos-1",
		TransactionID: "tx-1",
	}
}

func facts(req *domain.CalculationRequest) *Facts {
	return NewFacts(req, time.UTC)
}

// memRepo is an in-memory domain.RuleRepository.
type memRepo struct {
	mu         sync.Mutex
	rules      map[int64]*domain.Rule
	conditions []*domain.Condition
	err        error
	block      chan struct{}
	listCalls  int
	condCalls  int
}

func newMemRepo(rules ...*domain.Rule) *memRepo {
	r := &memRepo{rules: map[int64]*domain.Rule{}}
	for _, rule := range rules {
		r.rules[rule.ID] = rule
	}
	return r
}

func (r *memRepo) ListEffectiveRules(ctx context.Context, now time.Time) ([]*domain.Rule, error) {
	r.mu.Lock()
	r.listCalls++
	block, err := r.block, r.err
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Rule
	for _, rule := range r.rules {
		if rule.EffectiveAt(now) {
			cp := *rule
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListConditions(_ context.Context, ids []int64) ([]*domain.Condition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.condCalls++

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*domain.Condition
	for _, c := range r.conditions {
		if want[c.RuleID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) GetRule(_ context.Context, id int64) (*domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, errors.New("rule not found")
	}
	cp := *rule
	return &cp, nil
}

func (r *memRepo) UpdateRule(_ context.Context, rule *domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

func (r *memRepo) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *memRepo) put(rule *domain.Rule) {
	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()
}
