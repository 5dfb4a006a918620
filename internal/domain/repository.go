// Package domain defines the core interfaces and types of the subsidy engine.
package domain

import (
	"context"
	"time"
)

// RuleRepository is the engine's read view of the rule table plus the two
// writes needed by rule administration.
type RuleRepository interface {
	// ListEffectiveRules returns enabled rules whose validity period contains now.
	ListEffectiveRules(ctx context.Context, now time.Time) ([]*Rule, error)

	// ListConditions returns the extra conditions of all given rules in one call.
	ListConditions(ctx context.Context, ruleIDs []int64) ([]*Condition, error)

	GetRule(ctx context.Context, id int64) (*Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
}

// RecordRepository persists execution logs and grant records.
type RecordRepository interface {
	SaveExecutionLog(ctx context.Context, log *ExecutionLog) error
	SaveGrantRecord(ctx context.Context, grant *GrantRecord) error
}

// RecordSink receives the side effects of ExecuteRule. Implementations must
// not assume their errors change the calculation result.
type RecordSink interface {
	RecordExecution(ctx context.Context, req *CalculationRequest, res *CalculationResult) error

	// RecordGrant is only called when res.Granted() is true.
	RecordGrant(ctx context.Context, req *CalculationRequest, res *CalculationResult) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `envconfig:"DRIVER" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `envconfig:"SQLITE_PATH"`

	// PostgreSQL specific
	PostgresHost     string `envconfig:"POSTGRES_HOST"`
	PostgresPort     int    `envconfig:"POSTGRES_PORT"`
	PostgresUser     string `envconfig:"POSTGRES_USER"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD"`
	PostgresDB       string `envconfig:"POSTGRES_DB"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME"`
}
