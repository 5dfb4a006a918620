package rules

import (
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// Facts is a request prepared for predicate evaluation: the consume time is
// resolved once in the engine's time zone and shared by every rule of a
// bucket. Facts are read-only after construction and safe to share across
// goroutines.
type Facts struct {
	Request  *domain.CalculationRequest
	Local    time.Time
	Clock    clock
	Weekday  int // ISO, 1 = Monday
	MealType domain.MealType

	once sync.Once
	vars map[string]any
}

// NewFacts prepares req for evaluation in loc.
func NewFacts(req *domain.CalculationRequest, loc *time.Location) *Facts {
	if loc == nil {
		loc = time.Local
	}
	local := req.ConsumeTime.In(loc)
	return &Facts{
		Request:  req,
		Local:    local,
		Clock:    clockOf(local),
		Weekday:  isoWeekday(local),
		MealType: domain.MealType(strings.ToUpper(strings.TrimSpace(string(req.MealType)))),
	}
}

// activation returns the CEL variables for EXPRESSION conditions, built on
// first use.
func (f *Facts) activation() map[string]any {
	f.once.Do(func() {
		f.vars = map[string]any{
			"amount":         f.Request.ConsumeAmount.InexactFloat64(),
			"user_id":        f.Request.UserID,
			"device_id":      f.Request.DeviceID,
			"meal_type":      string(f.MealType),
			"subsidy_type":   f.Request.SubsidyType,
			"transaction_id": f.Request.TransactionID,
			"hour":           int64(f.Local.Hour()),
			"minute":         int64(f.Local.Minute()),
			"weekday":        int64(f.Weekday),
		}
	})
	return f.vars
}
