// Package engine is the public face of the subsidy rule engine: it evaluates
// consumption requests against the current rule snapshot, records executions
// and applies rule administration with read-your-writes semantics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/subsidy/internal/cache"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/logger"
	"github.com/opensource-finance/subsidy/internal/metrics"
	"github.com/opensource-finance/subsidy/internal/rules"
	"github.com/opensource-finance/subsidy/internal/tracing"
)

var (
	// ErrRuleNotFound is returned by admin operations for an unknown rule id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRequest marks calculation requests rejected before matching.
	ErrInvalidRequest = errors.New("invalid calculation request")
)

const execKeyPrefix = "exec:"

// Deps are the collaborators of an Engine. Sink, Cache and Bus are optional.
type Deps struct {
	Rules domain.RuleRepository
	Sink  domain.RecordSink
	Cache domain.Cache
	Bus   domain.EventBus

	// NodeID tags rule-changed events so a node ignores its own.
	NodeID string
}

// Engine evaluates subsidies. All evaluation methods are safe for
// concurrent use and never return a nil result.
type Engine struct {
	repo    domain.RuleRepository
	sink    domain.RecordSink
	cache   domain.Cache
	bus     domain.EventBus
	nodeID  string
	execTTL time.Duration

	rules   *rules.RuleCache
	matcher *rules.Matcher
	loc     *time.Location
	log     *slog.Logger
	now     func() time.Time

	sub domain.Subscription
}

// New wires an engine. The rule snapshot stays empty until Start or Refresh.
func New(cfg domain.EngineConfig, deps Deps, log *slog.Logger) (*Engine, error) {
	if deps.Rules == nil {
		return nil, fmt.Errorf("rule repository is required")
	}
	log = logger.OrDefault(log)
	loc := cfg.Location()

	compiler, err := rules.NewCompiler(loc, log)
	if err != nil {
		return nil, err
	}

	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	e := &Engine{
		repo:    deps.Rules,
		sink:    deps.Sink,
		cache:   deps.Cache,
		bus:     deps.Bus,
		nodeID:  deps.NodeID,
		execTTL: cfg.ExecutionTTL,
		matcher: rules.NewMatcher(cfg.ParallelThreshold, workers),
		loc:     loc,
		log:     log,
		now:     time.Now,
	}
	e.rules = rules.NewRuleCache(deps.Rules, compiler, rules.CacheOptions{
		RefreshInterval: cfg.RefreshInterval,
		RefreshTimeout:  cfg.RefreshTimeout,
		Now:             func() time.Time { return e.now() },
	}, log)

	return e, nil
}

// Start loads the first snapshot, starts the scheduled refresh and, when a
// bus is configured, listens for rule changes made on other nodes.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.rules.Start(ctx); err != nil {
		return err
	}

	if e.bus != nil {
		sub, err := e.bus.Subscribe(ctx, domain.TopicRuleChanged, e.onRuleChanged)
		if err != nil {
			e.rules.Stop()
			return fmt.Errorf("failed to subscribe to rule changes: %w", err)
		}
		e.sub = sub
	}

	snap := e.rules.Snapshot()
	e.log.Info("subsidy engine started",
		"node_id", e.nodeID,
		"snapshot_version", snap.Version,
		"rule_count", snap.Len(),
	)
	return nil
}

// Stop ends the scheduled refresh and the rule-change subscription.
func (e *Engine) Stop() {
	if e.sub != nil {
		if err := e.sub.Unsubscribe(); err != nil {
			e.log.Warn("failed to unsubscribe", "topic", e.sub.Topic(), "error", err)
		}
		e.sub = nil
	}
	e.rules.Stop()
}

// Refresh rebuilds the rule snapshot synchronously.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.rules.Refresh(ctx)
}

// Snapshot returns the snapshot currently served.
func (e *Engine) Snapshot() *rules.Snapshot {
	return e.rules.Snapshot()
}

// NodeID returns the id used in rule-changed events.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// Match returns every rule of the request's bucket whose predicate holds,
// highest priority first.
func (e *Engine) Match(ctx context.Context, req *domain.CalculationRequest) ([]*rules.CompiledRule, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	return e.matcher.Match(ctx, e.rules.Snapshot(), rules.NewFacts(req, e.loc))
}

// CalculateSubsidy prices req against the current snapshot without side
// effects. Identical requests give identical results until the next refresh.
// A request without a consume time is priced at the engine clock, so only
// requests carrying ConsumeTime are reproducible across calls.
func (e *Engine) CalculateSubsidy(ctx context.Context, req *domain.CalculationRequest) *domain.CalculationResult {
	ctx, span := tracing.Tracer().Start(ctx, "engine.CalculateSubsidy")
	defer span.End()

	res, _ := e.evaluate(ctx, req)
	annotate(span, res)
	return res
}

// ExecuteRule prices req and records the execution and, when granted, the
// grant. A transaction already executed within the execution TTL returns
// its stored result without recording again. Only final results are
// stored: a cancelled match or a recovered panic is recorded but a retry
// evaluates again. Recording failures are logged and never change the result.
func (e *Engine) ExecuteRule(ctx context.Context, req *domain.CalculationRequest) *domain.CalculationResult {
	ctx, span := tracing.Tracer().Start(ctx, "engine.ExecuteRule")
	defer span.End()

	req, err := e.normalize(req)
	if err == nil && req.TransactionID == "" {
		err = fmt.Errorf("%w: transaction id is required", ErrInvalidRequest)
	}
	if err != nil {
		res := e.reject(err)
		annotate(span, res)
		return res
	}

	if res, ok := e.cachedExecution(ctx, req); ok {
		metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeCached).Inc()
		span.SetAttributes(attribute.Bool("subsidy.cached", true))
		annotate(span, res)
		return res
	}

	res, final := e.evaluate(ctx, req)
	annotate(span, res)

	e.record(ctx, req, res)
	if final {
		e.rememberExecution(ctx, req, res)
	}
	return res
}

// evaluate is match + calculate. It never panics and never returns nil.
// final is false when the result reflects an aborted evaluation rather than
// the rules, so it must not be replayed for the same transaction.
func (e *Engine) evaluate(ctx context.Context, req *domain.CalculationRequest) (res *domain.CalculationResult, final bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger(ctx).Error("panic during subsidy evaluation", "panic", r)
			metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeError).Inc()
			res = domain.Failure(fmt.Sprintf("internal error: %v", r))
			final = false
		}
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := e.normalize(req)
	if err != nil {
		return e.reject(err), true
	}

	snap := e.rules.Snapshot()
	f := rules.NewFacts(req, e.loc)

	matched, err := e.matcher.Match(ctx, snap, f)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		res = domain.Failure(fmt.Sprintf("matching aborted: %v", err))
		res.SnapshotVersion = snap.Version
		return res, false
	}

	if len(matched) == 0 {
		metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeNoMatch).Inc()
		res = domain.NoMatch(fmt.Sprintf("no rule matched for subsidy type %s", req.SubsidyType))
		res.SnapshotVersion = snap.Version
		return res, true
	}

	res = rules.Calculate(matched[0], f)
	res.SnapshotVersion = snap.Version

	if res.Success {
		metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeMatched).Inc()
	} else {
		metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		e.logger(ctx).Warn("matched rule failed to calculate",
			"rule_id", res.RuleID,
			"rule_code", res.RuleCode,
			"error", res.ErrorMessage,
		)
	}
	return res, true
}

// validate checks the request fields the engine depends on.
func (e *Engine) validate(req *domain.CalculationRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: request is required", ErrInvalidRequest)
	case req.SubsidyType == "":
		return fmt.Errorf("%w: subsidy type is required", ErrInvalidRequest)
	case req.ConsumeAmount.IsNegative():
		return fmt.Errorf("%w: consume amount %s is negative", ErrInvalidRequest, req.ConsumeAmount)
	case req.ConsumeAmount.IsZero():
		return fmt.Errorf("%w: consume amount is required", ErrInvalidRequest)
	}
	return nil
}

// normalize validates req and returns a copy with the consume time filled in.
func (e *Engine) normalize(req *domain.CalculationRequest) (*domain.CalculationRequest, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	if !req.ConsumeTime.IsZero() {
		return req, nil
	}
	cp := *req
	cp.ConsumeTime = e.now()
	return &cp, nil
}

func (e *Engine) reject(err error) *domain.CalculationResult {
	metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeError).Inc()
	return domain.Failure(err.Error())
}

func (e *Engine) record(ctx context.Context, req *domain.CalculationRequest, res *domain.CalculationResult) {
	if e.sink == nil {
		return
	}

	if err := e.sink.RecordExecution(ctx, req, res); err != nil {
		metrics.SinkFailures.WithLabelValues("execution").Inc()
		e.logger(ctx).Error("failed to record execution",
			"transaction_id", req.TransactionID,
			"error", err,
		)
	}

	if !res.Granted() {
		return
	}
	if err := e.sink.RecordGrant(ctx, req, res); err != nil {
		metrics.SinkFailures.WithLabelValues("grant").Inc()
		e.logger(ctx).Error("failed to record grant",
			"transaction_id", req.TransactionID,
			"rule_id", res.RuleID,
			"error", err,
		)
	}
}

func (e *Engine) cachedExecution(ctx context.Context, req *domain.CalculationRequest) (*domain.CalculationResult, bool) {
	if e.cache == nil || e.execTTL <= 0 {
		return nil, false
	}

	var res domain.CalculationResult
	ok, err := cache.GetJSON(ctx, e.cache, execKeyPrefix+req.TransactionID, &res)
	if err != nil {
		e.logger(ctx).Warn("execution cache read failed",
			"transaction_id", req.TransactionID,
			"error", err,
		)
		return nil, false
	}
	return &res, ok
}

func (e *Engine) rememberExecution(ctx context.Context, req *domain.CalculationRequest, res *domain.CalculationResult) {
	if e.cache == nil || e.execTTL <= 0 {
		return
	}
	if err := cache.SetJSON(ctx, e.cache, execKeyPrefix+req.TransactionID, res, e.execTTL); err != nil {
		e.logger(ctx).Warn("execution cache write failed",
			"transaction_id", req.TransactionID,
			"error", err,
		)
	}
}

// logger prefers the request-scoped logger carried by ctx.
func (e *Engine) logger(ctx context.Context) *slog.Logger {
	return logger.FromContextOr(ctx, e.log)
}

func annotate(span trace.Span, res *domain.CalculationResult) {
	span.SetAttributes(
		attribute.Bool("subsidy.matched", res.Matched),
		attribute.Bool("subsidy.success", res.Success),
		attribute.Int64("subsidy.rule_id", res.RuleID),
		attribute.String("subsidy.amount", res.SubsidyAmount.StringFixed(2)),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
}
