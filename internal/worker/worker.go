// Package worker executes consumption events received from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/subsidy/internal/bus"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/logger"
	"github.com/opensource-finance/subsidy/internal/metrics"
)

// Executor runs a subsidy execution. Implemented by *engine.Engine.
type Executor interface {
	ExecuteRule(ctx context.Context, req *domain.CalculationRequest) *domain.CalculationResult
}

// Worker consumes domain.TopicConsumptionSubmitted and publishes every
// result to domain.TopicResult.
type Worker struct {
	bus      domain.EventBus
	executor Executor
	log      *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, executor Executor, log *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		executor: executor,
		log:      logger.OrDefault(log),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ConsumptionMessage is the payload of a submitted consumption event.
type ConsumptionMessage struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	SubsidyType   string          `json:"subsidyType"`
	ConsumeAmount decimal.Decimal `json:"consumeAmount"`
	ConsumeTime   time.Time       `json:"consumeTime"`
	MealType      domain.MealType `json:"mealType,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
	TraceID       string          `json:"traceId,omitempty"`
}

// Request converts the message to a calculation request.
func (m *ConsumptionMessage) Request() *domain.CalculationRequest {
	return &domain.CalculationRequest{
		UserID:        m.UserID,
		SubsidyType:   m.SubsidyType,
		ConsumeAmount: m.ConsumeAmount,
		ConsumeTime:   m.ConsumeTime,
		MealType:      m.MealType,
		DeviceID:      m.DeviceID,
		TransactionID: m.TransactionID,
	}
}

// ResultMessage is published to domain.TopicResult.
type ResultMessage struct {
	TransactionID string                    `json:"transactionId"`
	UserID        string                    `json:"userId"`
	TraceID       string                    `json:"traceId,omitempty"`
	Result        *domain.CalculationResult `json:"result"`
	ProcessedAt   time.Time                 `json:"processedAt"`
}

// Start subscribes to consumption events.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) > 0 {
		return fmt.Errorf("worker already started")
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicConsumptionSubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicConsumptionSubmitted, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.log.Info("worker started", "topic", domain.TopicConsumptionSubmitted)
	return nil
}

// handleMessage executes one consumption event.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var cm ConsumptionMessage
	if err := json.Unmarshal(msg.Payload, &cm); err != nil {
		metrics.WorkerMessages.WithLabelValues(metrics.OutcomeError).Inc()
		w.log.Error("failed to parse consumption message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	traceID := cm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}
	log := w.log.With("transaction_id", cm.TransactionID, "trace_id", traceID)
	ctx = logger.WithContext(ctx, log)

	res := w.executor.ExecuteRule(ctx, cm.Request())

	payload, err := json.Marshal(ResultMessage{
		TransactionID: cm.TransactionID,
		UserID:        cm.UserID,
		TraceID:       traceID,
		Result:        res,
		ProcessedAt:   time.Now().UTC(),
	})
	if err != nil {
		metrics.WorkerMessages.WithLabelValues(metrics.OutcomeError).Inc()
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if err := w.bus.Publish(ctx, domain.TopicResult, payload); err != nil {
		log.Error("failed to publish result", "error", err)
	}
	if replyTo, ok := bus.ReplyTo(msg); ok {
		if err := w.bus.Publish(ctx, replyTo, payload); err != nil {
			log.Error("failed to reply", "reply_to", replyTo, "error", err)
		}
	}

	outcome := metrics.OutcomeSuccess
	if !res.Success {
		outcome = metrics.OutcomeFailure
	}
	metrics.WorkerMessages.WithLabelValues(outcome).Inc()

	log.Info("consumption processed",
		"matched", res.Matched,
		"success", res.Success,
		"rule_id", res.RuleID,
		"subsidy_amount", res.SubsidyAmount.StringFixed(2),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.log.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.log.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
