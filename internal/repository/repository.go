// Package repository provides the SQL reference implementation of the rule
// and record repositories.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/subsidy/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("concurrent modification")
)

// SQLRepository implements domain.RuleRepository and domain.RecordRepository
// using database/sql. Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var (
	_ domain.RuleRepository   = (*SQLRepository)(nil)
	_ domain.RecordRepository = (*SQLRepository)(nil)
)

// New opens the configured database and runs migrations.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const ruleColumns = `
	id, code, name, subsidy_type, priority, status,
	effective_from, expire_at,
	apply_time_type, apply_days, apply_start_time, apply_end_time,
	meal_types, rule_type, fixed_amount, rate, max_subsidy_amount, tier_config,
	payout_start_time, payout_end_time, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(s rowScanner) (*domain.Rule, error) {
	var (
		rule     domain.Rule
		expireAt sql.NullTime
	)
	err := s.Scan(
		&rule.ID, &rule.Code, &rule.Name, &rule.SubsidyType, &rule.Priority, &rule.Status,
		&rule.EffectiveFrom, &expireAt,
		&rule.ApplyTimeType, &rule.ApplyDays, &rule.ApplyStartTime, &rule.ApplyEndTime,
		&rule.MealTypes, &rule.RuleType, &rule.FixedAmount, &rule.Rate, &rule.MaxSubsidyAmount, &rule.TierConfig,
		&rule.PayoutStartTime, &rule.PayoutEndTime, &rule.Version, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expireAt.Valid {
		t := expireAt.Time
		rule.ExpireAt = &t
	}
	return &rule, nil
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ListEffectiveRules returns enabled rules whose validity period contains now.
// Status is filtered in SQL, the validity period in Go, so the comparison
// does not depend on how each driver encodes timestamps.
func (r *SQLRepository) ListEffectiveRules(ctx context.Context, now time.Time) ([]*domain.Rule, error) {
	query := `SELECT` + ruleColumns + `
		FROM subsidy_rules
		WHERE status = ?
		ORDER BY subsidy_type, priority DESC, id
	`

	rules, err := r.queryRules(ctx, query, int(domain.StatusEnabled))
	if err != nil {
		return nil, fmt.Errorf("failed to query effective rules: %w", err)
	}

	effective := rules[:0]
	for _, rule := range rules {
		if rule.EffectiveAt(now) {
			effective = append(effective, rule)
		}
	}
	return effective, nil
}

// ListRules returns every stored rule regardless of status.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `SELECT` + ruleColumns + `
		FROM subsidy_rules
		ORDER BY subsidy_type, priority DESC, id
	`
	rules, err := r.queryRules(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	return rules, nil
}

// GetRule retrieves a rule by id.
func (r *SQLRepository) GetRule(ctx context.Context, id int64) (*domain.Rule, error) {
	query := `SELECT` + ruleColumns + `
		FROM subsidy_rules
		WHERE id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// SaveRule inserts or replaces a rule. A zero ID is assigned the next free id.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.Code == "" || rule.SubsidyType == "" || rule.RuleType == "" {
		return fmt.Errorf("%w: code, subsidy type and rule type are required", ErrInvalidInput)
	}

	if rule.ID == 0 {
		id, err := r.nextID(ctx, "subsidy_rules")
		if err != nil {
			return err
		}
		rule.ID = id
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.ApplyTimeType == "" {
		rule.ApplyTimeType = domain.ApplyAll
	}

	query := `
		INSERT INTO subsidy_rules (` + ruleColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			subsidy_type = excluded.subsidy_type,
			priority = excluded.priority,
			status = excluded.status,
			effective_from = excluded.effective_from,
			expire_at = excluded.expire_at,
			apply_time_type = excluded.apply_time_type,
			apply_days = excluded.apply_days,
			apply_start_time = excluded.apply_start_time,
			apply_end_time = excluded.apply_end_time,
			meal_types = excluded.meal_types,
			rule_type = excluded.rule_type,
			fixed_amount = excluded.fixed_amount,
			rate = excluded.rate,
			max_subsidy_amount = excluded.max_subsidy_amount,
			tier_config = excluded.tier_config,
			payout_start_time = excluded.payout_start_time,
			payout_end_time = excluded.payout_end_time,
			version = subsidy_rules.version + 1,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Code, rule.Name, rule.SubsidyType, rule.Priority, int(rule.Status),
		rule.EffectiveFrom.UTC(), nullTime(rule.ExpireAt),
		string(rule.ApplyTimeType), rule.ApplyDays, rule.ApplyStartTime, rule.ApplyEndTime,
		rule.MealTypes, string(rule.RuleType), rule.FixedAmount, rule.Rate, rule.MaxSubsidyAmount, rule.TierConfig,
		rule.PayoutStartTime, rule.PayoutEndTime,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.Code, err)
	}
	return nil
}

// UpdateRule writes the administrable fields of a rule (status, priority)
// guarded by its version. A stale version yields ErrConflict.
func (r *SQLRepository) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	now := time.Now().UTC()

	query := `
		UPDATE subsidy_rules
		SET status = ?, priority = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		int(rule.Status), rule.Priority, now, rule.ID, rule.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetRule(ctx, rule.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: rule %d version %d", ErrConflict, rule.ID, rule.Version)
	}

	rule.Version++
	rule.UpdatedAt = now
	return nil
}

// ListConditions returns the conditions of the given rules in a single query.
func (r *SQLRepository) ListConditions(ctx context.Context, ruleIDs []int64) ([]*domain.Condition, error) {
	if len(ruleIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ruleIDs)), ", ")
	args := make([]any, len(ruleIDs))
	for i, id := range ruleIDs {
		args[i] = id
	}

	query := `
		SELECT id, rule_id, condition_type, condition_value
		FROM subsidy_rule_conditions
		WHERE rule_id IN (` + placeholders + `)
		ORDER BY rule_id, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conditions: %w", err)
	}
	defer rows.Close()

	var conds []*domain.Condition
	for rows.Next() {
		var c domain.Condition
		if err := rows.Scan(&c.ID, &c.RuleID, &c.Type, &c.Value); err != nil {
			return nil, err
		}
		conds = append(conds, &c)
	}
	return conds, rows.Err()
}

// SaveCondition inserts or replaces a condition. A zero ID is assigned the
// next free id.
func (r *SQLRepository) SaveCondition(ctx context.Context, cond *domain.Condition) error {
	if cond.RuleID == 0 || cond.Type == "" {
		return fmt.Errorf("%w: rule id and condition type are required", ErrInvalidInput)
	}

	if cond.ID == 0 {
		id, err := r.nextID(ctx, "subsidy_rule_conditions")
		if err != nil {
			return err
		}
		cond.ID = id
	}

	query := `
		INSERT INTO subsidy_rule_conditions (id, rule_id, condition_type, condition_value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rule_id = excluded.rule_id,
			condition_type = excluded.condition_type,
			condition_value = excluded.condition_value
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), cond.ID, cond.RuleID, string(cond.Type), cond.Value)
	if err != nil {
		return fmt.Errorf("failed to save condition: %w", err)
	}
	return nil
}

// DeleteConditions removes every condition of a rule.
func (r *SQLRepository) DeleteConditions(ctx context.Context, ruleID int64) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM subsidy_rule_conditions WHERE rule_id = ?`), ruleID)
	return err
}

// SaveExecutionLog appends an execution log.
func (r *SQLRepository) SaveExecutionLog(ctx context.Context, log *domain.ExecutionLog) error {
	if log.ID == "" || log.TransactionID == "" {
		return fmt.Errorf("%w: id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO subsidy_execution_logs (
			id, transaction_id, user_id, subsidy_type, consume_amount, consume_time,
			meal_type, device_id, matched, success, rule_id, rule_code,
			subsidy_amount, detail, error_message, snapshot_version, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var ruleID sql.NullInt64
	if log.RuleID != 0 {
		ruleID = sql.NullInt64{Int64: log.RuleID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.TransactionID, log.UserID, log.SubsidyType, log.ConsumeAmount, log.ConsumeTime.UTC(),
		string(log.MealType), log.DeviceID, boolToInt(log.Matched), boolToInt(log.Success), ruleID, log.RuleCode,
		log.SubsidyAmount, log.Detail, log.ErrorMessage, int64(log.SnapshotVersion), log.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the logs of a transaction, oldest first.
func (r *SQLRepository) ListExecutionLogs(ctx context.Context, transactionID string) ([]*domain.ExecutionLog, error) {
	query := `
		SELECT id, transaction_id, user_id, subsidy_type, consume_amount, consume_time,
			   meal_type, device_id, matched, success, rule_id, rule_code,
			   subsidy_amount, detail, error_message, snapshot_version, executed_at
		FROM subsidy_execution_logs
		WHERE transaction_id = ?
		ORDER BY executed_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.ExecutionLog
	for rows.Next() {
		var (
			l                domain.ExecutionLog
			meal             string
			matched, success int
			ruleID           sql.NullInt64
			version          int64
		)
		if err := rows.Scan(
			&l.ID, &l.TransactionID, &l.UserID, &l.SubsidyType, &l.ConsumeAmount, &l.ConsumeTime,
			&meal, &l.DeviceID, &matched, &success, &ruleID, &l.RuleCode,
			&l.SubsidyAmount, &l.Detail, &l.ErrorMessage, &version, &l.ExecutedAt,
		); err != nil {
			return nil, err
		}
		l.MealType = domain.MealType(meal)
		l.Matched = matched != 0
		l.Success = success != 0
		l.RuleID = ruleID.Int64
		l.SnapshotVersion = uint64(version)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// SaveGrantRecord stores a grant. A second grant for the same transaction
// is ignored.
func (r *SQLRepository) SaveGrantRecord(ctx context.Context, grant *domain.GrantRecord) error {
	if grant.ID == "" || grant.TransactionID == "" {
		return fmt.Errorf("%w: id and transaction id are required", ErrInvalidInput)
	}

	query := `
		INSERT INTO subsidy_grant_records (
			id, transaction_id, user_id, rule_id, rule_code, subsidy_type,
			consume_amount, subsidy_amount, granted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		grant.ID, grant.TransactionID, grant.UserID, grant.RuleID, grant.RuleCode, grant.SubsidyType,
		grant.ConsumeAmount, grant.SubsidyAmount, grant.GrantedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save grant record: %w", err)
	}
	return nil
}

const grantColumns = `id, transaction_id, user_id, rule_id, rule_code, subsidy_type,
			   consume_amount, subsidy_amount, granted_at`

func scanGrant(s rowScanner) (*domain.GrantRecord, error) {
	var g domain.GrantRecord
	err := s.Scan(
		&g.ID, &g.TransactionID, &g.UserID, &g.RuleID, &g.RuleCode, &g.SubsidyType,
		&g.ConsumeAmount, &g.SubsidyAmount, &g.GrantedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGrantByTransaction retrieves the grant of a transaction.
func (r *SQLRepository) GetGrantByTransaction(ctx context.Context, transactionID string) (*domain.GrantRecord, error) {
	query := `SELECT ` + grantColumns + `
		FROM subsidy_grant_records
		WHERE transaction_id = ?
	`

	g, err := scanGrant(r.db.QueryRowContext(ctx, r.rebind(query), transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListGrantsByUser returns a user's grants, newest first.
func (r *SQLRepository) ListGrantsByUser(ctx context.Context, userID string, limit int) ([]*domain.GrantRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + grantColumns + `
		FROM subsidy_grant_records
		WHERE user_id = ?
		ORDER BY granted_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*domain.GrantRecord
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// nextID returns max(id)+1 of a table. Intended for seeding and admin
// tooling, not for concurrent writers.
func (r *SQLRepository) nextID(ctx context.Context, table string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM `+table).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return id, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
