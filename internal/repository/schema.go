package repository

// Schema definitions for the subsidy engine database.
// Compatible with both SQLite and PostgreSQL. Money is stored as TEXT so
// decimal values round-trip exactly on both drivers.

const schemaRules = `
CREATE TABLE IF NOT EXISTS subsidy_rules (
    id BIGINT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    subsidy_type TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    status INTEGER NOT NULL DEFAULT 1,
    effective_from TIMESTAMP NOT NULL,
    expire_at TIMESTAMP,
    apply_time_type TEXT NOT NULL DEFAULT 'ALL',
    apply_days TEXT NOT NULL DEFAULT '',
    apply_start_time TEXT NOT NULL DEFAULT '',
    apply_end_time TEXT NOT NULL DEFAULT '',
    meal_types TEXT NOT NULL DEFAULT '',
    rule_type TEXT NOT NULL,
    fixed_amount TEXT,
    rate TEXT,
    max_subsidy_amount TEXT,
    tier_config TEXT NOT NULL DEFAULT '',
    payout_start_time TEXT NOT NULL DEFAULT '',
    payout_end_time TEXT NOT NULL DEFAULT '',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subsidy_rules_status ON subsidy_rules(status);
CREATE INDEX IF NOT EXISTS idx_subsidy_rules_type ON subsidy_rules(subsidy_type, priority);
`

const schemaConditions = `
CREATE TABLE IF NOT EXISTS subsidy_rule_conditions (
    id BIGINT PRIMARY KEY,
    rule_id BIGINT NOT NULL,
    condition_type TEXT NOT NULL,
    condition_value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subsidy_rule_conditions_rule ON subsidy_rule_conditions(rule_id);
`

const schemaExecutionLogs = `
CREATE TABLE IF NOT EXISTS subsidy_execution_logs (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    subsidy_type TEXT NOT NULL,
    consume_amount TEXT NOT NULL,
    consume_time TIMESTAMP NOT NULL,
    meal_type TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    matched INTEGER NOT NULL,
    success INTEGER NOT NULL,
    rule_id BIGINT,
    rule_code TEXT NOT NULL DEFAULT '',
    subsidy_amount TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    snapshot_version BIGINT NOT NULL,
    executed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subsidy_execution_logs_tx ON subsidy_execution_logs(transaction_id);
CREATE INDEX IF NOT EXISTS idx_subsidy_execution_logs_user ON subsidy_execution_logs(user_id, executed_at);
`

// schemaGrantRecords keeps at most one grant per transaction.
const schemaGrantRecords = `
CREATE TABLE IF NOT EXISTS subsidy_grant_records (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    rule_id BIGINT NOT NULL,
    rule_code TEXT NOT NULL,
    subsidy_type TEXT NOT NULL,
    consume_amount TEXT NOT NULL,
    subsidy_amount TEXT NOT NULL,
    granted_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subsidy_grant_records_user ON subsidy_grant_records(user_id, granted_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaConditions,
		schemaExecutionLogs,
		schemaGrantRecords,
	}
}
