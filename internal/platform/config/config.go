package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Gateway holds configuration for the edge router process.
type Gateway struct {
	Addr           string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	RoutesFile     string        `env:"GATEWAY_ROUTES_FILE" envDefault:"routes.json"`
	JWKSURL        string        `env:"GATEWAY_JWKS_URL"`
	JWKSTTL        time.Duration `env:"GATEWAY_JWKS_TTL" envDefault:"5m"`
	Issuer         string        `env:"GATEWAY_ISSUER"`
	RequestTimeout time.Duration `env:"GATEWAY_REQUEST_TIMEOUT" envDefault:"30s"`
	// Bodies larger than this are forwarded without retry eligibility
	// because the router cannot replay them.
	RetryBodyLimit int64 `env:"GATEWAY_RETRY_BODY_LIMIT" envDefault:"1048576"`
}

// Auditor holds configuration for the event ingestion process.
type Auditor struct {
	Addr              string        `env:"AUDITOR_ADDR" envDefault:":8081"`
	RequestTimeout    time.Duration `env:"AUDITOR_REQUEST_TIMEOUT" envDefault:"30s"`
	Workers           int           `env:"AUDITOR_WORKERS" envDefault:"4"`
	MaxAttempts       int           `env:"AUDITOR_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase       time.Duration `env:"AUDITOR_BACKOFF_BASE" envDefault:"100ms"`
	BackoffCap        time.Duration `env:"AUDITOR_BACKOFF_CAP" envDefault:"10s"`
	PartitionByEntity bool          `env:"AUDITOR_PARTITION_BY_ENTITY" envDefault:"false"`

	Kafka    Kafka
	Postgres Postgres
	Redis    Redis
}

// Kafka holds broker connection settings shared by the auditor and the
// development publisher.
type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"cityfix.audit"`
	Group   string   `env:"KAFKA_GROUP" envDefault:"cityfix-auditor"`
}

// Postgres holds the durable store connection settings.
type Postgres struct {
	URL string `env:"POSTGRES_URL"`
}

// Redis holds the optional dedup cache settings. An empty URL disables the
// cache entirely.
type Redis struct {
	URL      string        `env:"REDIS_URL"`
	DedupTTL time.Duration `env:"REDIS_DEDUP_TTL" envDefault:"24h"`
}

// GatewayFromEnv builds the gateway config so main stays lean.
func GatewayFromEnv() (Gateway, error) {
	var cfg Gateway
	if err := env.Parse(&cfg); err != nil {
		return Gateway{}, fmt.Errorf("parse gateway config: %w", err)
	}
	return cfg, nil
}

// AuditorFromEnv builds the auditor config.
func AuditorFromEnv() (Auditor, error) {
	var cfg Auditor
	if err := env.Parse(&cfg); err != nil {
		return Auditor{}, fmt.Errorf("parse auditor config: %w", err)
	}
	if cfg.Workers < 1 {
		return Auditor{}, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.MaxAttempts < 1 {
		return Auditor{}, fmt.Errorf("max attempts must be positive, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}
