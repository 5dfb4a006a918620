package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalculationRequest is one consumption event submitted for subsidy evaluation.
type CalculationRequest struct {
	UserID        string          `json:"userId"`
	SubsidyType   string          `json:"subsidyType"`
	ConsumeAmount decimal.Decimal `json:"consumeAmount"`
	ConsumeTime   time.Time       `json:"consumeTime"`
	MealType      MealType        `json:"mealType,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
	TransactionID string          `json:"transactionId"`
}

// CalculationResult is the outcome of evaluating a CalculationRequest.
type CalculationResult struct {
	Matched       bool            `json:"matched"`
	Success       bool            `json:"success"`
	RuleID        int64           `json:"ruleId,omitempty"`
	RuleCode      string          `json:"ruleCode,omitempty"`
	RuleName      string          `json:"ruleName,omitempty"`
	SubsidyAmount decimal.Decimal `json:"subsidyAmount"`
	Detail        string          `json:"detail,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`

	SnapshotVersion uint64 `json:"snapshotVersion,omitempty"`
}

// Granted reports whether the result should produce a grant record.
func (r *CalculationResult) Granted() bool {
	return r.Success && r.Matched
}

// NoMatch builds the successful, unmatched result.
func NoMatch(detail string) *CalculationResult {
	return &CalculationResult{
		Success:       true,
		SubsidyAmount: decimal.Zero,
		Detail:        detail,
	}
}

// Failure builds an error result. No subsidy is granted.
func Failure(msg string) *CalculationResult {
	return &CalculationResult{
		SubsidyAmount: decimal.Zero,
		ErrorMessage:  msg,
	}
}
