package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleStatus is the persisted enable flag of a subsidy rule.
type RuleStatus int

const (
	StatusDisabled RuleStatus = 0
	StatusEnabled  RuleStatus = 1
)

// RuleType selects the calculation strategy of a rule.
type RuleType string

const (
	RuleTypeFixed       RuleType = "FIXED"
	RuleTypeRate        RuleType = "RATE"
	RuleTypeTier        RuleType = "TIER"
	RuleTypeTimeLimited RuleType = "TIME_LIMITED"
)

// ApplyTimeType controls on which days (and hours) a rule is eligible.
type ApplyTimeType string

const (
	ApplyAll     ApplyTimeType = "ALL"
	ApplyWeekday ApplyTimeType = "WEEKDAY"
	ApplyWeekend ApplyTimeType = "WEEKEND"
	ApplyCustom  ApplyTimeType = "CUSTOM"
)

// MealType identifies the meal a consumption belongs to.
type MealType string

const (
	MealBreakfast MealType = "BREAKFAST"
	MealLunch     MealType = "LUNCH"
	MealDinner    MealType = "DINNER"
	MealSupper    MealType = "SUPPER"
)

// Rule is a subsidy rule as stored by the rule repository.
// List-valued fields keep their storage encoding (comma lists, JSON) and are
// decoded once by the rule compiler.
type Rule struct {
	ID          int64      `json:"id" yaml:"id"`
	Code        string     `json:"code" yaml:"code"`
	Name        string     `json:"name" yaml:"name"`
	SubsidyType string     `json:"subsidyType" yaml:"subsidyType"`
	Priority    int        `json:"priority" yaml:"priority"`
	Status      RuleStatus `json:"status" yaml:"status"`

	EffectiveFrom time.Time  `json:"effectiveFrom" yaml:"effectiveFrom"`
	ExpireAt      *time.Time `json:"expireAt,omitempty" yaml:"expireAt,omitempty"`

	// Eligibility window.
	ApplyTimeType  ApplyTimeType `json:"applyTimeType" yaml:"applyTimeType"`
	ApplyDays      string        `json:"applyDays,omitempty" yaml:"applyDays,omitempty"` // ISO weekdays, e.g. "1,2,3"
	ApplyStartTime string        `json:"applyStartTime,omitempty" yaml:"applyStartTime,omitempty"`
	ApplyEndTime   string        `json:"applyEndTime,omitempty" yaml:"applyEndTime,omitempty"`

	MealTypes string `json:"mealTypes,omitempty" yaml:"mealTypes,omitempty"` // e.g. "LUNCH,DINNER"

	RuleType         RuleType            `json:"ruleType" yaml:"ruleType"`
	FixedAmount      decimal.NullDecimal `json:"fixedAmount" yaml:"-"`
	Rate             decimal.NullDecimal `json:"rate" yaml:"-"`
	MaxSubsidyAmount decimal.NullDecimal `json:"maxSubsidyAmount" yaml:"-"`
	TierConfig       string              `json:"tierConfig,omitempty" yaml:"-"` // JSON list of Tier

	// Payout window for TIME_LIMITED rules. Falls back to the eligibility
	// window when empty.
	PayoutStartTime string `json:"payoutStartTime,omitempty" yaml:"payoutStartTime,omitempty"`
	PayoutEndTime   string `json:"payoutEndTime,omitempty" yaml:"payoutEndTime,omitempty"`

	Version   int64     `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Enabled reports whether the rule status flag is set.
func (r *Rule) Enabled() bool {
	return r.Status == StatusEnabled
}

// EffectiveAt reports whether the rule is enabled and inside its validity
// period at the given instant.
func (r *Rule) EffectiveAt(now time.Time) bool {
	if !r.Enabled() {
		return false
	}
	if now.Before(r.EffectiveFrom) {
		return false
	}
	if r.ExpireAt != nil && now.After(*r.ExpireAt) {
		return false
	}
	return true
}

// Tier is one row of a TIER rule's table.
type Tier struct {
	MinAmount decimal.Decimal `json:"minAmount" yaml:"minAmount"`
	Rate      decimal.Decimal `json:"rate" yaml:"rate"`
}

// ConditionType names the kind of an extra rule condition.
type ConditionType string

const (
	ConditionExpression  ConditionType = "EXPRESSION"
	ConditionAmountRange ConditionType = "AMOUNT_RANGE"
	ConditionUserList    ConditionType = "USER_LIST"
	ConditionDeviceList  ConditionType = "DEVICE_LIST"
	ConditionRollout     ConditionType = "ROLLOUT"
)

// Condition is an extra, rule-specific predicate stored apart from the rule.
type Condition struct {
	ID     int64         `json:"id" yaml:"id"`
	RuleID int64         `json:"ruleId" yaml:"ruleId"`
	Type   ConditionType `json:"type" yaml:"type"`
	Value  string        `json:"value" yaml:"value"`
}
