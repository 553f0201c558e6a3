package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines feature availability
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Violation engine defaults
	Violations ViolationsConfig `mapstructure:"violations" json:"violations"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`
	Worker     WorkerConfig     `mapstructure:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"readtimeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"writetimeout" json:"writeTimeout"` // seconds
}

// ViolationsConfig holds defaults for violation computation.
type ViolationsConfig struct {
	// EnforceMissingTagDetail reports one missingTag per missing level of a
	// multi-level tag list instead of a single someTagLevelsRequired.
	EnforceMissingTagDetail bool `mapstructure:"enforcemissingtagdetail" json:"enforceMissingTagDetail"`

	// RuleWorkers bounds parallel policy rule evaluation.
	RuleWorkers int `mapstructure:"ruleworkers" json:"ruleWorkers"`
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled   bool     `mapstructure:"enabled" json:"enabled"`
	TenantIDs []string `mapstructure:"tenantids" json:"tenantIds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"servicename" json:"serviceName"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
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
		Violations: ViolationsConfig{
			EnforceMissingTagDetail: false,
			RuleWorkers:             10,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalTTL:      5 * time.Minute,
			SnapshotTTL:   10 * time.Minute,
			ViolationsTTL: time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		SnapshotTTL:    10 * time.Minute,
		ViolationsTTL:  time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
