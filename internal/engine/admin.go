package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/repository"
)

// Rule change actions carried by domain.RuleChangedEvent.
const (
	ActionEnable   = "enable"
	ActionDisable  = "disable"
	ActionPriority = "priority"
)

// EnableRule sets a rule's status to enabled. The change is visible to the
// caller's next evaluation.
func (e *Engine) EnableRule(ctx context.Context, id int64) error {
	return e.mutate(ctx, id, ActionEnable, func(r *domain.Rule) bool {
		if r.Status == domain.StatusEnabled {
			return false
		}
		r.Status = domain.StatusEnabled
		return true
	})
}

// DisableRule sets a rule's status to disabled. After it returns the rule
// is never matched by this engine.
func (e *Engine) DisableRule(ctx context.Context, id int64) error {
	return e.mutate(ctx, id, ActionDisable, func(r *domain.Rule) bool {
		if r.Status == domain.StatusDisabled {
			return false
		}
		r.Status = domain.StatusDisabled
		return true
	})
}

// AdjustPriority changes a rule's priority.
func (e *Engine) AdjustPriority(ctx context.Context, id int64, priority int) error {
	return e.mutate(ctx, id, ActionPriority, func(r *domain.Rule) bool {
		if r.Priority == priority {
			return false
		}
		r.Priority = priority
		return true
	})
}

// mutate loads a rule, applies change, writes it through and refreshes the
// snapshot before returning. A no-op change still refreshes.
func (e *Engine) mutate(ctx context.Context, id int64, action string, change func(*domain.Rule) bool) error {
	rule, err := e.repo.GetRule(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load rule %d: %w", id, err)
	}

	if change(rule) {
		if err := e.repo.UpdateRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to %s rule %d: %w", action, id, err)
		}
	}

	if err := e.rules.Invalidate(ctx); err != nil {
		return fmt.Errorf("rule %d updated but snapshot refresh failed: %w", id, err)
	}

	e.logger(ctx).Info("rule changed",
		"rule_id", id,
		"action", action,
		"status", rule.Status,
		"priority", rule.Priority,
		"snapshot_version", e.rules.Snapshot().Version,
	)

	e.announce(ctx, id, action)
	return nil
}

// announce tells the other nodes to refresh. Failures are logged only;
// other nodes still converge on their next scheduled refresh.
func (e *Engine) announce(ctx context.Context, id int64, action string) {
	if e.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.RuleChangedEvent{
		NodeID: e.nodeID,
		RuleID: id,
		Action: action,
		At:     e.now().UnixMilli(),
	})
	if err != nil {
		e.logger(ctx).Error("failed to encode rule change", "rule_id", id, "error", err)
		return
	}

	if err := e.bus.Publish(ctx, domain.TopicRuleChanged, payload); err != nil {
		e.logger(ctx).Warn("failed to publish rule change", "rule_id", id, "error", err)
	}
}

func (e *Engine) onRuleChanged(ctx context.Context, msg *domain.Message) error {
	var evt domain.RuleChangedEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("failed to decode rule change: %w", err)
	}
	if evt.NodeID != "" && evt.NodeID == e.nodeID {
		return nil
	}

	e.logger(ctx).Info("remote rule change received",
		"origin_node", evt.NodeID,
		"rule_id", evt.RuleID,
		"action", evt.Action,
	)
	return e.rules.Invalidate(ctx)
}
