package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// Strategy is the decoded calculation parameters of a rule. The concrete
// types are Fixed, Rate, Tiered, TimeLimited, Invalid and Unknown.
type Strategy interface {
	Kind() domain.RuleType
}

// Fixed pays a configured amount.
type Fixed struct {
	Amount decimal.Decimal
}

// Rate pays a share of the consume amount, optionally capped.
type Rate struct {
	Rate decimal.Decimal
	Cap  decimal.NullDecimal
}

// Tiered pays the rate of the highest tier reached. Tiers are sorted by
// MinAmount descending.
type Tiered struct {
	Tiers []domain.Tier
	Cap   decimal.NullDecimal
}

// TimeLimited pays a fixed amount inside the payout window. A nil window
// always pays.
type TimeLimited struct {
	Amount decimal.Decimal
	Payout *Window
}

// Invalid is a known strategy whose parameters could not be decoded.
type Invalid struct {
	Type   domain.RuleType
	Reason string
}

// Unknown is a strategy tag the engine does not implement.
type Unknown struct {
	Tag domain.RuleType
}

func (Fixed) Kind() domain.RuleType       { return domain.RuleTypeFixed }
func (Rate) Kind() domain.RuleType        { return domain.RuleTypeRate }
func (Tiered) Kind() domain.RuleType      { return domain.RuleTypeTier }
func (TimeLimited) Kind() domain.RuleType { return domain.RuleTypeTimeLimited }
func (s Invalid) Kind() domain.RuleType   { return s.Type }
func (s Unknown) Kind() domain.RuleType   { return s.Tag }

func (c *Compiler) decodeStrategy(cr *CompiledRule) Strategy {
	s := decodeStrategy(cr.Rule)
	if inv, ok := s.(Invalid); ok {
		c.degrade(cr, "strategy", fmt.Errorf("%s", inv.Reason))
	}
	return s
}

func decodeStrategy(rule *domain.Rule) Strategy {
	tag := domain.RuleType(strings.ToUpper(string(rule.RuleType)))

	switch tag {
	case domain.RuleTypeFixed:
		if !rule.FixedAmount.Valid {
			return Invalid{Type: tag, Reason: "fixed amount is not configured"}
		}
		return Fixed{Amount: rule.FixedAmount.Decimal}

	case domain.RuleTypeRate:
		if !rule.Rate.Valid {
			return Invalid{Type: tag, Reason: "rate is not configured"}
		}
		return Rate{Rate: rule.Rate.Decimal, Cap: rule.MaxSubsidyAmount}

	case domain.RuleTypeTier:
		tiers, err := decodeTiers(rule.TierConfig)
		if err != nil {
			return Invalid{Type: tag, Reason: err.Error()}
		}
		return Tiered{Tiers: tiers, Cap: rule.MaxSubsidyAmount}

	case domain.RuleTypeTimeLimited:
		if !rule.FixedAmount.Valid {
			return Invalid{Type: tag, Reason: "fixed amount is not configured"}
		}
		payout, err := payoutWindow(rule)
		if err != nil {
			return Invalid{Type: tag, Reason: err.Error()}
		}
		return TimeLimited{Amount: rule.FixedAmount.Decimal, Payout: payout}

	default:
		return Unknown{Tag: rule.RuleType}
	}
}

// decodeTiers parses the tier table and sorts it by MinAmount descending.
func decodeTiers(raw string) ([]domain.Tier, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("tier config is empty")
	}

	var tiers []domain.Tier
	if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
		return nil, fmt.Errorf("invalid tier config: %w", err)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier config has no tiers")
	}

	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinAmount.GreaterThan(tiers[j].MinAmount)
	})
	return tiers, nil
}

// payoutWindow is the explicit payout window, else the eligibility window.
func payoutWindow(rule *domain.Rule) (*Window, error) {
	if rule.PayoutStartTime != "" || rule.PayoutEndTime != "" {
		w, err := parseWindow(rule.PayoutStartTime, rule.PayoutEndTime)
		if err != nil {
			return nil, fmt.Errorf("payout window: %w", err)
		}
		return w, nil
	}

	w, err := parseWindow(rule.ApplyStartTime, rule.ApplyEndTime)
	if err != nil {
		return nil, fmt.Errorf("apply window: %w", err)
	}
	return w, nil
}
