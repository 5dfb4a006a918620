// Package audit persists the side effects of rule execution: one execution
// log per call and one grant record per granted subsidy.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/subsidy/internal/domain"
)

// Recorder implements domain.RecordSink over a RecordRepository. Grants are
// also announced on the event bus when one is configured.
type Recorder struct {
	repo domain.RecordRepository
	bus  domain.EventBus
	log  *slog.Logger
	now  func() time.Time
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(repo domain.RecordRepository, bus domain.EventBus, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		repo: repo,
		bus:  bus,
		log:  log,
		now:  time.Now,
	}
}

// RecordExecution writes the execution log of one request.
func (r *Recorder) RecordExecution(ctx context.Context, req *domain.CalculationRequest, res *domain.CalculationResult) error {
	entry := &domain.ExecutionLog{
		ID:              uuid.New().String(),
		TransactionID:   req.TransactionID,
		UserID:          req.UserID,
		SubsidyType:     req.SubsidyType,
		ConsumeAmount:   req.ConsumeAmount,
		ConsumeTime:     req.ConsumeTime,
		MealType:        req.MealType,
		DeviceID:        req.DeviceID,
		Matched:         res.Matched,
		Success:         res.Success,
		RuleID:          res.RuleID,
		RuleCode:        res.RuleCode,
		SubsidyAmount:   res.SubsidyAmount,
		Detail:          res.Detail,
		ErrorMessage:    res.ErrorMessage,
		SnapshotVersion: res.SnapshotVersion,
		ExecutedAt:      r.now(),
	}

	if err := r.repo.SaveExecutionLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to save execution log: %w", err)
	}
	return nil
}

// RecordGrant writes the grant record and publishes it to domain.TopicGrant.
func (r *Recorder) RecordGrant(ctx context.Context, req *domain.CalculationRequest, res *domain.CalculationResult) error {
	if !res.Granted() {
		return nil
	}

	grant := &domain.GrantRecord{
		ID:            uuid.New().String(),
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		RuleID:        res.RuleID,
		RuleCode:      res.RuleCode,
		SubsidyType:   req.SubsidyType,
		ConsumeAmount: req.ConsumeAmount,
		SubsidyAmount: res.SubsidyAmount,
		GrantedAt:     r.now(),
	}

	if err := r.repo.SaveGrantRecord(ctx, grant); err != nil {
		return fmt.Errorf("failed to save grant record: %w", err)
	}

	if r.bus == nil {
		return nil
	}

	payload, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.TopicGrant, payload); err != nil {
		return fmt.Errorf("failed to publish grant: %w", err)
	}

	r.log.Debug("grant published",
		"transaction_id", grant.TransactionID,
		"rule_id", grant.RuleID,
		"amount", grant.SubsidyAmount.StringFixed(2),
	)
	return nil
}
