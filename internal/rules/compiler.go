// Package rules compiles subsidy rules into predicates and strategies, holds
// them in an atomically refreshed snapshot, and matches and prices requests
// against it.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/logger"
	"github.com/opensource-finance/subsidy/internal/metrics"
)

// Predicate decides whether a rule applies to prepared request facts.
type Predicate func(f *Facts) bool

func always(*Facts) bool { return true }
func never(*Facts) bool  { return false }

// allOf ANDs predicates left to right with short-circuit.
func allOf(preds ...Predicate) Predicate {
	return func(f *Facts) bool {
		for _, p := range preds {
			if !p(f) {
				return false
			}
		}
		return true
	}
}

// CompiledRule is a rule decoded once for evaluation. It is immutable and
// owned by the snapshot that built it.
type CompiledRule struct {
	Rule       *domain.Rule
	Conditions []*domain.Condition

	Days     weekdaySet
	Window   *Window
	Meals    map[domain.MealType]struct{}
	Strategy Strategy

	// Degraded lists the reasons a part of the rule compiled fail-closed.
	Degraded []string

	predicate Predicate
}

// ID returns the rule id.
func (r *CompiledRule) ID() int64 { return r.Rule.ID }

// Matches evaluates the composed predicate. A panicking condition counts as
// a mismatch.
func (r *CompiledRule) Matches(f *Facts) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	return r.predicate(f)
}

// Compiler turns stored rules into CompiledRules. It holds the CEL
// environment shared by all EXPRESSION conditions.
type Compiler struct {
	env *cel.Env
	loc *time.Location
	log *slog.Logger
}

// NewCompiler creates a compiler evaluating day and time-of-day windows in loc.
func NewCompiler(loc *time.Location, log *slog.Logger) (*Compiler, error) {
	if loc == nil {
		loc = time.Local
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("meal_type", cel.StringType),
		cel.Variable("subsidy_type", cel.StringType),
		cel.Variable("transaction_id", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("minute", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Compiler{
		env: env,
		loc: loc,
		log: logger.OrDefault(log),
	}, nil
}

// Location is the zone used for weekdays and windows.
func (c *Compiler) Location() *time.Location {
	return c.loc
}

// Compile builds the predicate and strategy of a rule. It never fails:
// malformed configuration degrades to a fail-closed predicate or an
// Invalid strategy, and unknown condition types are ignored.
func (c *Compiler) Compile(rule *domain.Rule, conds []*domain.Condition) *CompiledRule {
	cr := &CompiledRule{
		Rule:       rule,
		Conditions: conds,
	}

	preds := []Predicate{
		statusPredicate(rule),
		validityPredicate(rule),
		c.applyTimePredicate(cr),
		c.mealPredicate(cr),
	}
	for _, cond := range conds {
		preds = append(preds, c.conditionPredicate(cr, cond))
	}

	cr.predicate = allOf(preds...)
	cr.Strategy = c.decodeStrategy(cr)
	return cr
}

// degrade records a fail-closed part of a rule.
func (c *Compiler) degrade(cr *CompiledRule, reason string, err error) {
	cr.Degraded = append(cr.Degraded, reason)
	metrics.CompileDegraded.WithLabelValues(reason).Inc()
	c.log.Warn("rule compiled degraded",
		slog.Int64("rule_id", cr.Rule.ID),
		slog.String("rule_code", cr.Rule.Code),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

func statusPredicate(rule *domain.Rule) Predicate {
	if !rule.Enabled() {
		return never
	}
	return always
}

func validityPredicate(rule *domain.Rule) Predicate {
	from, until := rule.EffectiveFrom, rule.ExpireAt
	return func(f *Facts) bool {
		at := f.Request.ConsumeTime
		if at.Before(from) {
			return false
		}
		return until == nil || !at.After(*until)
	}
}

func (c *Compiler) applyTimePredicate(cr *CompiledRule) Predicate {
	rule := cr.Rule

	window, werr := parseWindow(rule.ApplyStartTime, rule.ApplyEndTime)
	if werr == nil {
		cr.Window = window
	}

	switch domain.ApplyTimeType(strings.ToUpper(string(rule.ApplyTimeType))) {
	case domain.ApplyAll, "":
		return always
	case domain.ApplyWeekday:
		cr.Days = workdays
		return func(f *Facts) bool { return workdays.Has(f.Weekday) }
	case domain.ApplyWeekend:
		cr.Days = weekend
		return func(f *Facts) bool { return weekend.Has(f.Weekday) }
	case domain.ApplyCustom:
		days, err := parseWeekdays(rule.ApplyDays)
		if err != nil {
			c.degrade(cr, "apply_days", err)
			return never
		}
		if werr != nil {
			c.degrade(cr, "apply_window", werr)
			return never
		}
		cr.Days = days
		if window == nil {
			return func(f *Facts) bool { return days.Has(f.Weekday) }
		}
		w := *window
		return func(f *Facts) bool { return days.Has(f.Weekday) && w.Contains(f.Clock) }
	default:
		c.degrade(cr, "apply_time_type", fmt.Errorf("unknown apply time type %q", rule.ApplyTimeType))
		return never
	}
}

func (c *Compiler) mealPredicate(cr *CompiledRule) Predicate {
	meals := splitList(cr.Rule.MealTypes)
	if len(meals) == 0 {
		return always
	}

	set := make(map[domain.MealType]struct{}, len(meals))
	for _, m := range meals {
		set[domain.MealType(strings.ToUpper(m))] = struct{}{}
	}
	cr.Meals = set

	return func(f *Facts) bool {
		_, ok := set[f.MealType]
		return ok
	}
}
