package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/artvault/libs/config"
	"github.com/AfshinJalili/artvault/libs/kafka"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type LockRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

type KafkaConfig struct {
	Brokers        []string
	ClientID       string
	FlagTopic      string
	DLQTopic       string
	PublishTimeout time.Duration
	RetryMax       int
}

type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

type Config struct {
	App               base.AppConfig
	DB                DBConfig
	Store             string
	Lock              LockRedisConfig
	Kafka             KafkaConfig
	JWTSecret         string
	AdminRole         string
	Policy            detect.Policy
	DuplicateLimit    int
	FlagCooldown      time.Duration
	StoreTimeout      time.Duration
	ReconcileInterval time.Duration
	Breaker           BreakerConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("ARTVAULT_CONFIG"), "abuse")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "artvault"),
			User:     envString("POSTGRES_USER", "artvault"),
			Password: envString("POSTGRES_PASSWORD", "artvault"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Store: strings.ToLower(envString("ABUSE_STORE", StorePostgres)),
		Lock: LockRedisConfig{
			Addr:     envString("ABUSE_LOCK_REDIS_ADDR", ""),
			Password: envString("ABUSE_LOCK_REDIS_PASSWORD", ""),
			DB:       envInt("ABUSE_LOCK_REDIS_DB", 0),
			Prefix:   envString("ABUSE_LOCK_REDIS_PREFIX", "artvault:abuse:lock:"),
			TTL:      envDuration("ABUSE_LOCK_TTL", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:        kafka.ParseBrokers(envString("KAFKA_BROKERS", "")),
			ClientID:       envString("KAFKA_CLIENT_ID", "artvault-abuse"),
			FlagTopic:      envString("ABUSE_FLAG_TOPIC", "abuse.flag_raised"),
			DLQTopic:       envString("ABUSE_DLQ_TOPIC", "abuse.dlq"),
			PublishTimeout: envDuration("KAFKA_PUBLISH_TIMEOUT", kafka.DefaultPublishTimeout),
			RetryMax:       envInt("KAFKA_RETRY_MAX", kafka.DefaultRetryMax),
		},
		JWTSecret: envString("ARTVAULT_JWT_SECRET", ""),
		AdminRole: envString("ABUSE_ADMIN_ROLE", "admin"),
		Policy: detect.Policy{
			RapidSubmissionLimit:  envInt("ABUSE_RAPID_LIMIT", 5),
			RapidSubmissionWindow: envDuration("ABUSE_RAPID_WINDOW", 60*time.Second),
			BulkCreationLimit:     envInt("ABUSE_BULK_LIMIT", 10),
			BulkCreationWindow:    envDuration("ABUSE_BULK_WINDOW", time.Hour),
			OriginHistory:         envInt("ABUSE_ORIGIN_HISTORY", 10),
			AuthFailureLimit:      envInt("ABUSE_AUTH_FAILURE_LIMIT", 5),
			AuthFailureWindow:     envDuration("ABUSE_AUTH_FAILURE_WINDOW", 15*time.Minute),
		},
		DuplicateLimit:    envInt("ABUSE_DUPLICATE_LOOKUP_LIMIT", 10),
		FlagCooldown:      envDuration("ABUSE_FLAG_COOLDOWN", time.Hour),
		StoreTimeout:      envDuration("ABUSE_STORE_TIMEOUT", 2*time.Second),
		ReconcileInterval: envDuration("ABUSE_RECONCILE_INTERVAL", 10*time.Minute),
		Breaker: BreakerConfig{
			Threshold: envInt("ABUSE_BREAKER_THRESHOLD", 5),
			Cooldown:  envDuration("ABUSE_BREAKER_COOLDOWN", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("ARTVAULT_JWT_SECRET must be set")
	}
	if c.AdminRole == "" {
		return fmt.Errorf("ABUSE_ADMIN_ROLE must be set")
	}
	switch c.Store {
	case StorePostgres:
	case StoreMemory:
		if !c.App.IsLocal() {
			return fmt.Errorf("ABUSE_STORE=memory is only allowed in dev or test")
		}
	default:
		return fmt.Errorf("ABUSE_STORE must be %q or %q", StorePostgres, StoreMemory)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.DuplicateLimit <= 0 {
		return fmt.Errorf("ABUSE_DUPLICATE_LOOKUP_LIMIT must be positive")
	}
	if c.FlagCooldown <= 0 {
		return fmt.Errorf("ABUSE_FLAG_COOLDOWN must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("ABUSE_STORE_TIMEOUT must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("ABUSE_RECONCILE_INTERVAL must not be negative")
	}
	if c.Kafka.PublishTimeout <= 0 {
		return fmt.Errorf("KAFKA_PUBLISH_TIMEOUT must be positive")
	}
	if c.Kafka.RetryMax < 1 {
		return fmt.Errorf("KAFKA_RETRY_MAX must be at least 1")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("ABUSE_LOCK_TTL must be positive")
	}
	if c.Breaker.Threshold <= 0 || c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("ABUSE_BREAKER_THRESHOLD and ABUSE_BREAKER_COOLDOWN must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
