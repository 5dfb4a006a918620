package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/logger"
	"github.com/opensource-finance/subsidy/internal/metrics"
	"github.com/opensource-finance/subsidy/internal/tracing"
)

// CacheOptions configures a RuleCache.
type CacheOptions struct {
	// RefreshInterval is the period of the background refresh.
	RefreshInterval time.Duration

	// RefreshTimeout bounds the repository calls of one refresh.
	RefreshTimeout time.Duration

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// RuleCache serves the current rule snapshot and rebuilds it from the
// repository. Readers only load an atomic pointer; refreshes are serialized
// among themselves and never block readers.
type RuleCache struct {
	repo     domain.RuleRepository
	compiler *Compiler
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	current atomic.Pointer[Snapshot]

	refreshMu sync.Mutex
	version   uint64 // guarded by refreshMu

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuleCache creates a cache serving an empty snapshot until the first refresh.
func NewRuleCache(repo domain.RuleRepository, compiler *Compiler, opts CacheOptions, log *slog.Logger) *RuleCache {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &RuleCache{
		repo:     repo,
		compiler: compiler,
		log:      logger.OrDefault(log),
		interval: opts.RefreshInterval,
		timeout:  opts.RefreshTimeout,
		now:      opts.Now,
	}
	c.current.Store(emptySnapshot)
	return c
}

// Snapshot returns the current snapshot. Never nil.
func (c *RuleCache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Bucket returns the current priority-ordered rules of a subsidy type.
func (c *RuleCache) Bucket(subsidyType string) []*CompiledRule {
	return c.Snapshot().Bucket(subsidyType)
}

// Rule looks a rule up in the current snapshot.
func (c *RuleCache) Rule(id int64) (*CompiledRule, bool) {
	return c.Snapshot().Rule(id)
}

// Refresh loads effective rules and their conditions, compiles them and
// publishes a new snapshot. On failure the previous snapshot keeps serving.
func (c *RuleCache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, span := tracing.Tracer().Start(ctx, "rules.Refresh")
	defer span.End()

	start := time.Now()
	snap, err := c.build(ctx)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("rule snapshot refresh failed",
			slog.Uint64("snapshot_version", c.Snapshot().Version),
			slog.String("error", err.Error()),
		)
		return err
	}

	c.current.Store(snap)
	metrics.RefreshTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.SnapshotRules.Set(float64(snap.Len()))
	metrics.SnapshotVersion.Set(float64(snap.Version))
	span.SetAttributes(
		attribute.Int64("snapshot.version", int64(snap.Version)),
		attribute.Int("snapshot.rules", snap.Len()),
	)

	c.log.Info("rule snapshot refreshed",
		slog.Uint64("snapshot_version", snap.Version),
		slog.Int("rule_count", snap.Len()),
		slog.Int("bucket_count", len(snap.buckets)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// Invalidate discards the current snapshot in favour of a fresh one.
func (c *RuleCache) Invalidate(ctx context.Context) error {
	return c.Refresh(ctx)
}

// build runs steps 1-4 of a refresh. Caller holds refreshMu.
func (c *RuleCache) build(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	now := c.now()

	rules, err := c.repo.ListEffectiveRules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list effective rules: %w", err)
	}

	ids := make([]int64, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}

	byRule := make(map[int64][]*domain.Condition, len(rules))
	if len(ids) > 0 {
		conds, err := c.repo.ListConditions(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to list conditions: %w", err)
		}
		for _, cond := range conds {
			byRule[cond.RuleID] = append(byRule[cond.RuleID], cond)
		}
	}

	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		// The repository filters already; a rule that slipped through must
		// still never be served.
		if !r.EffectiveAt(now) {
			continue
		}
		if cr := c.compileSafe(r, byRule[r.ID]); cr != nil {
			compiled = append(compiled, cr)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh aborted: %w", err)
	}

	c.version++
	return newSnapshot(c.version, now, compiled), nil
}

// compileSafe compiles one rule, excluding it if compilation panics.
func (c *RuleCache) compileSafe(r *domain.Rule, conds []*domain.Condition) (cr *CompiledRule) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CompileDegraded.WithLabelValues("panic").Inc()
			c.log.Error("rule compilation panicked, rule excluded",
				slog.Int64("rule_id", r.ID),
				slog.String("rule_code", r.Code),
				slog.Any("panic", rec),
			)
			cr = nil
		}
	}()
	return c.compiler.Compile(r, conds)
}

// Start performs one synchronous refresh and then refreshes on every tick
// until Stop is called or ctx is cancelled. A failed initial refresh is
// returned and no background refresh is started.
func (c *RuleCache) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("rule cache already started")
	}

	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial rule refresh failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx)
	return nil
}

func (c *RuleCache) run(ctx context.Context) {
	defer close(c.done)

	c.log.Info("starting rule refresher", slog.String("interval", c.interval.String()))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("rule refresher stopping")
			return
		case <-ticker.C:
			// Failures are logged by Refresh; retry on the next tick.
			_ = c.Refresh(ctx)
		}
	}
}

// Stop cancels the background refresh and waits for it to exit.
func (c *RuleCache) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}
