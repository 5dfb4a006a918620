package domain

import "time"

// Config holds the complete subsidy engine configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" envconfig:"SERVER"`

	// Tier determines which backing services are used
	Tier DeploymentTier `json:"tier" envconfig:"TIER" validate:"oneof=community pro"`

	// NodeID identifies this process in rule-changed events. Generated when empty.
	NodeID string `json:"nodeId" envconfig:"NODE_ID"`

	Engine EngineConfig `json:"engine" envconfig:"ENGINE"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" envconfig:"DB"`
	Cache      CacheConfig      `json:"cache" envconfig:"CACHE"`
	EventBus   EventBusConfig   `json:"eventBus" envconfig:"BUS"`

	// Observability
	Logging LoggingConfig `json:"logging" envconfig:"LOG"`
	Tracing TracingConfig `json:"tracing" envconfig:"TRACING"`
}

// EngineConfig tunes the rule cache, matcher and executor.
type EngineConfig struct {
	// RefreshInterval is the period of the scheduled snapshot refresh.
	RefreshInterval time.Duration `json:"refreshInterval" envconfig:"REFRESH_INTERVAL" validate:"gt=0"`

	// RefreshTimeout bounds every repository call made during a refresh.
	RefreshTimeout time.Duration `json:"refreshTimeout" envconfig:"REFRESH_TIMEOUT" validate:"gt=0"`

	// ParallelThreshold is the bucket size at which matching fans out.
	// Zero disables parallel matching.
	ParallelThreshold int `json:"parallelThreshold" envconfig:"PARALLEL_THRESHOLD" validate:"gte=0"`

	MaxWorkers int `json:"maxWorkers" envconfig:"MAX_WORKERS" validate:"gte=1"`

	// TimeZone is the IANA zone used for apply windows and weekdays.
	TimeZone string `json:"timeZone" envconfig:"TIME_ZONE"`

	// ExecutionTTL is how long ExecuteRule results are remembered per transaction.
	ExecutionTTL time.Duration `json:"executionTtl" envconfig:"EXECUTION_TTL" validate:"gte=0"`
}

// Location resolves TimeZone, falling back to the process local zone.
func (c EngineConfig) Location() *time.Location {
	if c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" envconfig:"HOST"`
	Port         int    `json:"port" envconfig:"PORT" validate:"gte=0,lte=65535"`
	ReadTimeout  int    `json:"readTimeout" envconfig:"READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" envconfig:"WRITE_TIMEOUT"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `json:"format" envconfig:"FORMAT" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" envconfig:"ENABLED"`
	ServiceName string  `json:"serviceName" envconfig:"SERVICE_NAME"`
	Endpoint    string  `json:"endpoint" envconfig:"ENDPOINT"` // jaeger collector URL
	SampleRatio float64 `json:"sampleRatio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// DeploymentTier represents the deployment tier.
type DeploymentTier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and Go channels
	TierCommunity DeploymentTier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro DeploymentTier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			RefreshInterval:   5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			ParallelThreshold: 64,
			MaxWorkers:        8,
			ExecutionTTL:      24 * time.Hour,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./subsidy.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     24 * time.Hour,
			KeyPrefix:    "subsidy",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "subsidy-engine",
			SampleRatio: 1,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "subsidy",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		KeyPrefix:      "subsidy",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "http://localhost:14268/api/traces"
	return cfg
}
