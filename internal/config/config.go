// Package config loads the Kestrel configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. KESTREL_SERVER_PORT.
const EnvPrefix = "KESTREL"

// Load reads an optional .env file, picks the deployment defaults and
// overlays every KESTREL_* variable on top of them.
func Load(files ...string) (*domain.Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := domain.DefaultConfig()
	if domain.Deployment(strings.ToLower(v.GetString("deployment"))) == domain.DeploymentDistributed {
		cfg = domain.DistributedConfig()
	}

	setDefaults(v, cfg)

	cfg.Server = domain.ServerConfig{
		Host:         v.GetString("server.host"),
		Port:         v.GetInt("server.port"),
		ReadTimeout:  v.GetInt("server.read_timeout"),
		WriteTimeout: v.GetInt("server.write_timeout"),
	}

	cfg.Repository = domain.RepositoryConfig{
		Driver:           v.GetString("repository.driver"),
		SQLitePath:       v.GetString("repository.sqlite_path"),
		PostgresHost:     v.GetString("postgres.host"),
		PostgresPort:     v.GetInt("postgres.port"),
		PostgresUser:     v.GetString("postgres.user"),
		PostgresPassword: v.GetString("postgres.password"),
		PostgresDB:       v.GetString("postgres.db"),
		PostgresSSLMode:  v.GetString("postgres.sslmode"),
		MaxOpenConns:     v.GetInt("repository.max_open_conns"),
		MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
		ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
	}

	cfg.Cache = domain.CacheConfig{
		Type:           v.GetString("cache.type"),
		LocalMaxSize:   v.GetInt("cache.local_max_size"),
		LocalTTL:       v.GetDuration("cache.local_ttl"),
		RedisAddr:      v.GetString("redis.addr"),
		RedisPassword:  v.GetString("redis.password"),
		RedisDB:        v.GetInt("redis.db"),
		EnableTwoPhase: v.GetBool("cache.two_phase"),
		AccountTTL:     v.GetDuration("cache.account_ttl"),
	}

	cfg.EventBus = domain.EventBusConfig{
		Type:              v.GetString("bus.type"),
		ChannelBufferSize: v.GetInt("bus.buffer_size"),
		NATSUrl:           v.GetString("nats.url"),
		NATSToken:         v.GetString("nats.token"),
		NATSMaxReconnects: v.GetInt("nats.max_reconnects"),
		NATSReconnectWait: v.GetInt("nats.reconnect_wait"),
		RabbitMQURL:       v.GetString("rabbitmq.url"),
		RabbitMQExchange:  v.GetString("rabbitmq.exchange"),
	}

	cfg.Gate = domain.GateConfig{
		Type:          v.GetString("gate.type"),
		MaxWait:       v.GetDuration("gate.max_wait"),
		RedisAddr:     v.GetString("gate.redis_addr"),
		RedisPassword: v.GetString("gate.redis_password"),
		RedisDB:       v.GetInt("gate.redis_db"),
		LockTTL:       v.GetDuration("gate.lock_ttl"),
		RetryDelay:    v.GetDuration("gate.retry_delay"),
	}

	policy, err := loadPolicy(v)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	cfg.Notification = domain.NotificationConfig{
		Enabled:      v.GetBool("notification.enabled"),
		Mailer:       v.GetString("notification.mailer"),
		From:         v.GetString("notification.from"),
		Subject:      v.GetString("notification.subject"),
		SMTPHost:     v.GetString("smtp.host"),
		SMTPPort:     v.GetInt("smtp.port"),
		SMTPUsername: v.GetString("smtp.username"),
		SMTPPassword: v.GetString("smtp.password"),
	}

	cfg.Logging = domain.LoggingConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}
	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	cfg.Tracing = domain.TracingConfig{
		Enabled:      v.GetBool("tracing.enabled"),
		ServiceName:  v.GetString("tracing.service_name"),
		ExporterType: v.GetString("tracing.exporter"),
		Endpoint:     v.GetString("tracing.endpoint"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *domain.Config) {
	defaults := map[string]any{
		"server.host":          cfg.Server.Host,
		"server.port":          cfg.Server.Port,
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,

		"repository.driver":            cfg.Repository.Driver,
		"repository.sqlite_path":       cfg.Repository.SQLitePath,
		"repository.max_open_conns":    cfg.Repository.MaxOpenConns,
		"repository.max_idle_conns":    cfg.Repository.MaxIdleConns,
		"repository.conn_max_lifetime": cfg.Repository.ConnMaxLifetime,
		"postgres.host":                cfg.Repository.PostgresHost,
		"postgres.port":                cfg.Repository.PostgresPort,
		"postgres.user":                cfg.Repository.PostgresUser,
		"postgres.password":            cfg.Repository.PostgresPassword,
		"postgres.db":                  cfg.Repository.PostgresDB,
		"postgres.sslmode":             cfg.Repository.PostgresSSLMode,

		"cache.type":           cfg.Cache.Type,
		"cache.local_max_size": cfg.Cache.LocalMaxSize,
		"cache.local_ttl":      cfg.Cache.LocalTTL,
		"cache.two_phase":      cfg.Cache.EnableTwoPhase,
		"cache.account_ttl":    cfg.Cache.AccountTTL,
		"redis.addr":           cfg.Cache.RedisAddr,
		"redis.password":       cfg.Cache.RedisPassword,
		"redis.db":             cfg.Cache.RedisDB,

		"bus.type":            cfg.EventBus.Type,
		"bus.buffer_size":     cfg.EventBus.ChannelBufferSize,
		"nats.url":            cfg.EventBus.NATSUrl,
		"nats.token":          cfg.EventBus.NATSToken,
		"nats.max_reconnects": cfg.EventBus.NATSMaxReconnects,
		"nats.reconnect_wait": cfg.EventBus.NATSReconnectWait,
		"rabbitmq.url":        cfg.EventBus.RabbitMQURL,
		"rabbitmq.exchange":   cfg.EventBus.RabbitMQExchange,

		"gate.type":           cfg.Gate.Type,
		"gate.max_wait":       cfg.Gate.MaxWait,
		"gate.redis_addr":     cfg.Gate.RedisAddr,
		"gate.redis_password": cfg.Gate.RedisPassword,
		"gate.redis_db":       cfg.Gate.RedisDB,
		"gate.lock_ttl":       cfg.Gate.LockTTL,
		"gate.retry_delay":    cfg.Gate.RetryDelay,

		"policy.new_account_window":    cfg.Policy.NewAccountWindow,
		"policy.min_transfer_interval": cfg.Policy.MinTransferInterval,
		"policy.absolute_max":          cfg.Policy.AbsoluteMaxAmount.String(),

		"notification.enabled": cfg.Notification.Enabled,
		"notification.mailer":  cfg.Notification.Mailer,
		"notification.from":    cfg.Notification.From,
		"notification.subject": cfg.Notification.Subject,
		"smtp.host":            cfg.Notification.SMTPHost,
		"smtp.port":            cfg.Notification.SMTPPort,
		"smtp.username":        cfg.Notification.SMTPUsername,
		"smtp.password":        cfg.Notification.SMTPPassword,

		"debug":      false,
		"log.level":  cfg.Logging.Level,
		"log.format": cfg.Logging.Format,

		"tracing.enabled":      cfg.Tracing.Enabled,
		"tracing.service_name": cfg.Tracing.ServiceName,
		"tracing.exporter":     cfg.Tracing.ExporterType,
		"tracing.endpoint":     cfg.Tracing.Endpoint,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for tier, limit := range cfg.Policy.TierLimits {
		v.SetDefault(tierLimitKey(tier), limit.String())
	}
}

// tierLimitKey maps T1 to policy.limit_t1, read from KESTREL_POLICY_LIMIT_T1.
func tierLimitKey(tier domain.Tier) string {
	return "policy.limit_" + strings.ToLower(string(tier))
}

func loadPolicy(v *viper.Viper) (domain.PolicyConfig, error) {
	policy := domain.PolicyConfig{
		NewAccountWindow:    v.GetDuration("policy.new_account_window"),
		MinTransferInterval: v.GetDuration("policy.min_transfer_interval"),
		TierLimits:          make(map[domain.Tier]decimal.Decimal, len(domain.Tiers())),
	}

	ceiling, err := decimal.NewFromString(v.GetString("policy.absolute_max"))
	if err != nil {
		return domain.PolicyConfig{}, fmt.Errorf("invalid policy absolute max: %w", err)
	}
	policy.AbsoluteMaxAmount = ceiling

	for _, tier := range domain.Tiers() {
		raw := v.GetString(tierLimitKey(tier))
		if raw == "" {
			continue
		}
		limit, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.PolicyConfig{}, fmt.Errorf("invalid policy limit for tier %s: %w", tier, err)
		}
		policy.TierLimits[tier] = limit
	}

	if err := policy.Validate(); err != nil {
		return domain.PolicyConfig{}, err
	}
	return policy, nil
}
