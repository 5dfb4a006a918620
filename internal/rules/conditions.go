package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"
	"github.com/spaolacci/murmur3"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// conditionPredicate compiles one extra condition. Unknown types pass,
// malformed payloads of known types fail closed.
func (c *Compiler) conditionPredicate(cr *CompiledRule, cond *domain.Condition) Predicate {
	var (
		pred Predicate
		err  error
	)

	switch domain.ConditionType(strings.ToUpper(string(cond.Type))) {
	case domain.ConditionExpression:
		pred, err = c.compileExpression(cond.Value)
	case domain.ConditionAmountRange:
		pred, err = compileAmountRange(cond.Value)
	case domain.ConditionUserList:
		pred, err = compileMembership(cond.Value, func(f *Facts) string { return f.Request.UserID })
	case domain.ConditionDeviceList:
		pred, err = compileMembership(cond.Value, func(f *Facts) string { return f.Request.DeviceID })
	case domain.ConditionRollout:
		pred, err = compileRollout(cond.Value, cr.Rule.Code)
	default:
		c.log.Warn("unknown condition type ignored",
			slog.Int64("rule_id", cr.Rule.ID),
			slog.Int64("condition_id", cond.ID),
			slog.String("condition_type", string(cond.Type)),
		)
		return always
	}

	if err != nil {
		c.degrade(cr, "condition_"+strings.ToLower(string(cond.Type)), err)
		return never
	}
	return pred
}

func (c *Compiler) compileExpression(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty expression")
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return func(f *Facts) bool {
		out, _, err := program.Eval(f.activation())
		if err != nil {
			return false
		}
		b, ok := out.(types.Bool)
		return ok && bool(b)
	}, nil
}

type amountRange struct {
	Min decimal.NullDecimal `json:"min"`
	Max decimal.NullDecimal `json:"max"`
}

func compileAmountRange(value string) (Predicate, error) {
	var r amountRange
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return nil, fmt.Errorf("invalid AMOUNT_RANGE payload: %w", err)
	}
	if !r.Min.Valid && !r.Max.Valid {
		return nil, fmt.Errorf("AMOUNT_RANGE needs min or max")
	}
	if r.Min.Valid && r.Max.Valid && r.Min.Decimal.GreaterThan(r.Max.Decimal) {
		return nil, fmt.Errorf("AMOUNT_RANGE min %s exceeds max %s", r.Min.Decimal, r.Max.Decimal)
	}

	return func(f *Facts) bool {
		amt := f.Request.ConsumeAmount
		if r.Min.Valid && amt.LessThan(r.Min.Decimal) {
			return false
		}
		if r.Max.Valid && amt.GreaterThan(r.Max.Decimal) {
			return false
		}
		return true
	}, nil
}

func compileMembership(value string, field func(*Facts) string) (Predicate, error) {
	items := splitList(value)
	if len(items) == 0 {
		return nil, fmt.Errorf("empty list")
	}

	set := make(map[string]struct{}, len(items))
	for _, id := range items {
		set[id] = struct{}{}
	}

	return func(f *Facts) bool {
		_, ok := set[field(f)]
		return ok
	}, nil
}

type rollout struct {
	Percentage *int `json:"percentage"`
}

// compileRollout admits a stable share of users per rule: the user id is
// hashed together with the rule code into one of 100 buckets.
func compileRollout(value, ruleCode string) (Predicate, error) {
	var r rollout
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return nil, fmt.Errorf("invalid ROLLOUT payload: %w", err)
	}
	if r.Percentage == nil {
		return nil, fmt.Errorf("ROLLOUT needs percentage")
	}
	pct := *r.Percentage
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("percentage must be between 0 and 100, got %d", pct)
	}

	return func(f *Facts) bool {
		if f.Request.UserID == "" {
			return false
		}
		return rolloutBucket(f.Request.UserID, ruleCode) < pct
	}, nil
}

func rolloutBucket(userID, ruleCode string) int {
	// The streaming digest avoids Sum32's unsafe tail read, which checkptr
	// rejects under the race detector.
	h := murmur3.New32()
	_, _ = h.Write([]byte(userID + ":" + ruleCode))
	return int(h.Sum32() % 100)
}
