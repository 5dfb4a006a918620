package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/subsidy/internal/domain"
)

func tierRule(cap string) *domain.Rule {
	r := rateRule(2, 5)
	r.RuleType = domain.RuleTypeTier
	r.Rate.Valid = false
	r.MaxSubsidyAmount.Valid = false
	if cap != "" {
		r.MaxSubsidyAmount = nullDec(cap)
	}
	r.TierConfig = `[{"minAmount":"100","rate":"0.2"},{"minAmount":"50","rate":"0.1"},{"minAmount":"0","rate":"0.05"}]`
	return r
}

func calc(t *testing.T, r *domain.Rule, req *domain.CalculationRequest) *domain.CalculationResult {
	t.Helper()
	cr := newTestCompiler(t).Compile(r, nil)
	return Calculate(cr, facts(req))
}

func assertAmount(t *testing.T, want string, res *domain.CalculationResult) {
	t.Helper()
	require.True(t, res.Success, "unexpected failure: %s", res.ErrorMessage)
	assert.True(t, res.SubsidyAmount.Equal(dec(want)), "want %s, got %s", want, res.SubsidyAmount)
}

func TestCalculate_RateCapped(t *testing.T) {
	res := calc(t, rateRule(1, 5), request("30.00", monday))

	assertAmount(t, "10.00", res)
	assert.True(t, res.Matched)
	assert.Equal(t, int64(1), res.RuleID)
	assert.Contains(t, res.Detail, "capped")
}

func TestCalculate_RateUnderCap(t *testing.T) {
	res := calc(t, rateRule(1, 5), request("5.00", monday))
	assertAmount(t, "2.50", res)
}

func TestCalculate_RateRoundsHalfUp(t *testing.T) {
	r := rateRule(1, 5)
	r.MaxSubsidyAmount.Valid = false
	r.Rate = nullDec("0.125")

	// 0.125 x 10.10 = 1.2625 -> 1.26; 0.125 x 10.20 = 1.275 -> 1.28
	assertAmount(t, "1.26", calc(t, r, request("10.10", monday)))
	assertAmount(t, "1.28", calc(t, r, request("10.20", monday)))
}

func TestCalculate_Tier(t *testing.T) {
	tests := []struct {
		consume string
		want    string
	}{
		{"75", "7.50"},
		{"100", "20.00"},
		{"150", "30.00"},
		{"50", "5.00"},
		{"49.99", "2.50"},
		{"10", "0.50"},
	}

	for _, tt := range tests {
		t.Run(tt.consume, func(t *testing.T) {
			assertAmount(t, tt.want, calc(t, tierRule(""), request(tt.consume, monday)))
		})
	}
}

func TestCalculate_TierNoneReached(t *testing.T) {
	r := tierRule("")
	r.TierConfig = `[{"minAmount":"50","rate":"0.1"},{"minAmount":"100","rate":"0.2"}]`

	res := calc(t, r, request("20", monday))
	assertAmount(t, "0", res)
	assert.True(t, res.Matched)
	assert.Equal(t, "no tier reached", res.Detail)
}

func TestCalculate_TierCapped(t *testing.T) {
	assertAmount(t, "15.00", calc(t, tierRule("15.00"), request("150", monday)))
}

func TestCalculate_NeverExceedsConsumeOrCap(t *testing.T) {
	amounts := []string{"0.01", "0.99", "5", "19.99", "20", "49.5", "75", "99.99", "100", "1000"}
	rules := map[string]*domain.Rule{
		"rate": rateRule(1, 5),
		"tier": tierRule("12.00"),
	}

	for name, r := range rules {
		for _, a := range amounts {
			res := calc(t, r, request(a, monday))
			require.True(t, res.Success, "%s %s", name, a)
			limit := dec(a)
			if r.MaxSubsidyAmount.Valid && r.MaxSubsidyAmount.Decimal.LessThan(limit) {
				limit = r.MaxSubsidyAmount.Decimal
			}
			assert.True(t, res.SubsidyAmount.LessThanOrEqual(limit), "%s %s: %s > %s", name, a, res.SubsidyAmount, limit)
			assert.False(t, res.SubsidyAmount.IsNegative())
		}
	}
}

func TestCalculate_FixedClampedToConsume(t *testing.T) {
	r := rateRule(1, 5)
	r.RuleType = domain.RuleTypeFixed
	r.FixedAmount = nullDec("8.00")

	assertAmount(t, "8.00", calc(t, r, request("20.00", monday)))
	assertAmount(t, "3.00", calc(t, r, request("3.00", monday)))
}

func TestCalculate_NegativeClampsToZero(t *testing.T) {
	r := rateRule(1, 5)
	r.RuleType = domain.RuleTypeFixed
	r.FixedAmount = nullDec("-1.00")

	assertAmount(t, "0", calc(t, r, request("20.00", monday)))
}

func TestCalculate_TimeLimited(t *testing.T) {
	base := func() *domain.Rule {
		r := rateRule(1, 5)
		r.RuleType = domain.RuleTypeTimeLimited
		r.FixedAmount = nullDec("4.00")
		return r
	}
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

	t.Run("no window always pays", func(t *testing.T) {
		assertAmount(t, "4.00", calc(t, base(), request("20.00", at(20, 0))))
	})

	t.Run("payout window pays inside", func(t *testing.T) {
		r := base()
		r.PayoutStartTime, r.PayoutEndTime = "11:30", "12:30"
		assertAmount(t, "4.00", calc(t, r, request("20.00", at(12, 0))))
	})

	t.Run("payout window zero outside", func(t *testing.T) {
		r := base()
		r.PayoutStartTime, r.PayoutEndTime = "11:30", "12:30"
		res := calc(t, r, request("20.00", at(13, 0)))
		assertAmount(t, "0", res)
		assert.True(t, res.Matched)
		assert.Contains(t, res.Detail, "outside payout window")
	})

	t.Run("eligible all day but pays only in apply window", func(t *testing.T) {
		r := base()
		r.ApplyTimeType = domain.ApplyAll
		r.ApplyStartTime, r.ApplyEndTime = "11:00", "13:00"
		cr := newTestCompiler(t).Compile(r, nil)

		evening := facts(request("20.00", at(19, 0)))
		require.True(t, cr.Matches(evening))
		assertAmount(t, "0", Calculate(cr, evening))
	})
}

func TestCalculate_InvalidAndUnknown(t *testing.T) {
	t.Run("bad tier config", func(t *testing.T) {
		r := tierRule("")
		r.TierConfig = "not json"
		res := calc(t, r, request("75", monday))

		assert.False(t, res.Success)
		assert.True(t, res.Matched)
		assert.False(t, res.Granted())
		assert.Contains(t, res.ErrorMessage, "invalid TIER configuration")
		assert.True(t, res.SubsidyAmount.IsZero())
	})

	t.Run("unknown rule type", func(t *testing.T) {
		r := rateRule(1, 5)
		r.RuleType = "CASHBACK"
		res := calc(t, r, request("75", monday))

		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, `unsupported rule type "CASHBACK"`)
	})
}
