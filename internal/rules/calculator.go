package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// moneyPlaces is the scale of every computed amount.
const moneyPlaces = 2

// Calculate prices a matched rule for the request in f. The amount never
// exceeds the consume amount and is never negative.
func Calculate(rule *CompiledRule, f *Facts) *domain.CalculationResult {
	consume := f.Request.ConsumeAmount

	var (
		amount decimal.Decimal
		detail string
	)

	switch s := rule.Strategy.(type) {
	case Fixed:
		amount = s.Amount
		detail = fmt.Sprintf("fixed subsidy %s", s.Amount.StringFixed(moneyPlaces))

	case Rate:
		amount = roundMoney(consume.Mul(s.Rate))
		detail = fmt.Sprintf("%s x %s = %s", consume.StringFixed(moneyPlaces), s.Rate.String(), amount.StringFixed(moneyPlaces))
		amount, detail = applyCap(amount, s.Cap, detail)

	case Tiered:
		tier, ok := selectTier(s.Tiers, consume)
		if !ok {
			amount = decimal.Zero
			detail = "no tier reached"
			break
		}
		amount = roundMoney(consume.Mul(tier.Rate))
		detail = fmt.Sprintf("tier >= %s: %s x %s = %s",
			tier.MinAmount.StringFixed(moneyPlaces), consume.StringFixed(moneyPlaces), tier.Rate.String(), amount.StringFixed(moneyPlaces))
		amount, detail = applyCap(amount, s.Cap, detail)

	case TimeLimited:
		if s.Payout != nil && !s.Payout.Contains(f.Clock) {
			amount = decimal.Zero
			detail = fmt.Sprintf("outside payout window %s", s.Payout)
			break
		}
		amount = s.Amount
		detail = fmt.Sprintf("time limited subsidy %s", s.Amount.StringFixed(moneyPlaces))

	case Invalid:
		return ruleFailure(rule, fmt.Sprintf("invalid %s configuration: %s", s.Type, s.Reason))

	case Unknown:
		return ruleFailure(rule, fmt.Sprintf("unsupported rule type %q", s.Tag))

	default:
		return ruleFailure(rule, fmt.Sprintf("unsupported strategy %T", rule.Strategy))
	}

	amount = clamp(roundMoney(amount), consume)

	return &domain.CalculationResult{
		Matched:       true,
		Success:       true,
		RuleID:        rule.Rule.ID,
		RuleCode:      rule.Rule.Code,
		RuleName:      rule.Rule.Name,
		SubsidyAmount: amount,
		Detail:        detail,
	}
}

// selectTier returns the first tier, in MinAmount descending order, whose
// minimum the consume amount reaches.
func selectTier(tiers []domain.Tier, consume decimal.Decimal) (domain.Tier, bool) {
	for _, t := range tiers {
		if t.MinAmount.LessThanOrEqual(consume) {
			return t, true
		}
	}
	return domain.Tier{}, false
}

func applyCap(amount decimal.Decimal, limit decimal.NullDecimal, detail string) (decimal.Decimal, string) {
	if limit.Valid && amount.GreaterThan(limit.Decimal) {
		return limit.Decimal, fmt.Sprintf("%s, capped at %s", detail, limit.Decimal.StringFixed(moneyPlaces))
	}
	return amount, detail
}

// clamp bounds amount to [0, consume].
func clamp(amount, consume decimal.Decimal) decimal.Decimal {
	if amount.GreaterThan(consume) {
		amount = consume
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// roundMoney rounds half away from zero, which is half-up for the
// non-negative amounts the engine pays.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

func ruleFailure(rule *CompiledRule, msg string) *domain.CalculationResult {
	res := domain.Failure(msg)
	res.Matched = true
	res.RuleID = rule.Rule.ID
	res.RuleCode = rule.Rule.Code
	res.RuleName = rule.Rule.Name
	return res
}
