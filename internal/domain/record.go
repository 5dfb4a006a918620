package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionLog is the audit trail of one ExecuteRule call.
type ExecutionLog struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	UserID          string          `json:"userId"`
	SubsidyType     string          `json:"subsidyType"`
	ConsumeAmount   decimal.Decimal `json:"consumeAmount"`
	ConsumeTime     time.Time       `json:"consumeTime"`
	MealType        MealType        `json:"mealType,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
	Matched         bool            `json:"matched"`
	Success         bool            `json:"success"`
	RuleID          int64           `json:"ruleId,omitempty"`
	RuleCode        string          `json:"ruleCode,omitempty"`
	SubsidyAmount   decimal.Decimal `json:"subsidyAmount"`
	Detail          string          `json:"detail,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	SnapshotVersion uint64          `json:"snapshotVersion"`
	ExecutedAt      time.Time       `json:"executedAt"`
}

// GrantRecord is a subsidy actually granted to a user.
type GrantRecord struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	RuleID        int64           `json:"ruleId"`
	RuleCode      string          `json:"ruleCode"`
	SubsidyType   string          `json:"subsidyType"`
	ConsumeAmount decimal.Decimal `json:"consumeAmount"`
	SubsidyAmount decimal.Decimal `json:"subsidyAmount"`
	GrantedAt     time.Time       `json:"grantedAt"`
}
