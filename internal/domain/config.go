package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Deployment selects the default backing services
	Deployment Deployment `json:"deployment"`

	// Policy thresholds used by the rule set
	Policy PolicyConfig `json:"policy"`

	// Component configurations
	Repository   RepositoryConfig   `json:"repository"`
	Cache        CacheConfig        `json:"cache"`
	EventBus     EventBusConfig     `json:"eventBus"`
	Gate         GateConfig         `json:"gate"`
	Notification NotificationConfig `json:"notification"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Deployment determines which backing services are used by default.
type Deployment string

const (
	// DeploymentStandalone runs on a single node: SQLite, in-memory cache,
	// channel bus and an in-process sender gate.
	DeploymentStandalone Deployment = "standalone"

	// DeploymentDistributed runs several API nodes against shared
	// PostgreSQL, Redis and NATS. The sender gate moves to Redis so that
	// transfers from one sender serialize across nodes.
	DeploymentDistributed Deployment = "distributed"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// PolicyConfig holds every threshold the rule set reads.
type PolicyConfig struct {
	// NewAccountWindow: receivers younger than this are new.
	NewAccountWindow time.Duration `json:"newAccountWindow"`

	// MinTransferInterval: minimum gap between two transfers from one sender.
	MinTransferInterval time.Duration `json:"minTransferInterval"`

	// TierLimits is the maximum amount per transfer for each tier.
	TierLimits map[Tier]decimal.Decimal `json:"tierLimits"`

	// AbsoluteMaxAmount is the system-wide ceiling regardless of tier.
	AbsoluteMaxAmount decimal.Decimal `json:"absoluteMaxAmount"`
}

// DefaultPolicyConfig returns the reference thresholds.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		NewAccountWindow:    20 * time.Minute,
		MinTransferInterval: time.Minute,
		TierLimits: map[Tier]decimal.Decimal{
			TierOne:   decimal.NewFromInt(1_000_000),
			TierTwo:   decimal.NewFromInt(2_000_000),
			TierThree: decimal.NewFromInt(3_000_000),
		},
		AbsoluteMaxAmount: decimal.NewFromInt(5_000_000),
	}
}

// Validate checks that every threshold is usable.
func (p PolicyConfig) Validate() error {
	if p.NewAccountWindow <= 0 {
		return fmt.Errorf("policy: new account window must be positive")
	}
	if p.MinTransferInterval <= 0 {
		return fmt.Errorf("policy: minimum transfer interval must be positive")
	}
	if !p.AbsoluteMaxAmount.IsPositive() {
		return fmt.Errorf("policy: absolute max amount must be positive")
	}
	for _, tier := range Tiers() {
		limit, ok := p.TierLimits[tier]
		if !ok {
			return fmt.Errorf("policy: missing limit for tier %s", tier)
		}
		if !limit.IsPositive() {
			return fmt.Errorf("policy: limit for tier %s must be positive", tier)
		}
	}
	return nil
}

// GateConfig holds sender serialization gate settings.
type GateConfig struct {
	// Type is the gate type: "local" or "redis"
	Type string `json:"type"`

	// MaxWait bounds how long a transfer waits for its sender's gate.
	MaxWait time.Duration `json:"maxWait"`

	// Redis settings (redis gate only)
	RedisAddr     string        `json:"redisAddr"`
	RedisPassword string        `json:"-"`
	RedisDB       int           `json:"redisDb"`
	LockTTL       time.Duration `json:"lockTtl"`
	RetryDelay    time.Duration `json:"retryDelay"`
}

// NotificationConfig holds violation email settings.
type NotificationConfig struct {
	// Enabled starts the notification worker in this process.
	Enabled bool `json:"enabled"`

	// Mailer is the delivery backend: "log" or "smtp"
	Mailer string `json:"mailer"`

	From    string `json:"from"`
	Subject string `json:"subject"`

	SMTPHost     string `json:"smtpHost"`
	SMTPPort     int    `json:"smtpPort"`
	SMTPUsername string `json:"smtpUsername"`
	SMTPPassword string `json:"-"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns a default configuration for a standalone node.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Deployment: DeploymentStandalone,
		Policy:     DefaultPolicyConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			AccountTTL:   30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Gate: GateConfig{
			Type:    "local",
			MaxWait: 5 * time.Second,
		},
		Notification: NotificationConfig{
			Enabled: true,
			Mailer:  "log",
			From:    "alerts@kestrel.local",
			Subject: "Policy Violation Detected",
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

// DistributedConfig returns a configuration for a multi-node deployment.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Deployment = DeploymentDistributed
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
		LocalTTL:       5 * time.Second,
		AccountTTL:     30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Gate = GateConfig{
		Type:       "redis",
		MaxWait:    5 * time.Second,
		RedisAddr:  "localhost:6379",
		LockTTL:    30 * time.Second,
		RetryDelay: 50 * time.Millisecond,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
