package dispatcher

import (
	"jobflow/internal/config"
	"time"
)

// Per-delivery retry policy.
const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	deliveryTimeout       = 30 * time.Second
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize       int           // pending events across all shards (default: 10000)
	Workers          int           // delivery shards, one goroutine each (default: 10)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	BreakerThreshold int           // consecutive failures before a host's circuit opens (default: 5)
	BreakerCooldown  time.Duration // how long an open circuit rejects deliveries (default: 30s)
	MaxDeferrals     int           // cooldowns an event may wait out before it is dropped (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", 10),
		HTTPTimeout:      config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", 30*time.Second),
		MaxDeferrals:     config.GetIntEnv("DISPATCHER_MAX_DEFERRALS", 10),
	}
	return cfg.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxDeferrals <= 0 {
		c.MaxDeferrals = 10
	}
	return c
}

// shardSize is the buffer of each shard; together they hold BufferSize.
func (c MemoryConfig) shardSize() int {
	return max(c.BufferSize/c.Workers, 1)
}
