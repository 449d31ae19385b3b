// Package config provides configuration loading from environment variables
// and the providers file.
package config

import "time"

// ServiceConfig holds configuration for the jobflow service.
type ServiceConfig struct {
	Port               string
	MetricsPort        string
	APIKey             string
	ShutdownDrainWait  time.Duration // Time to wait for load balancer to drain (0 to skip)
	RunDrainTimeout    time.Duration // Time to wait for in-flight runs on shutdown
	DatabaseURL        string        // Postgres run store, empty = in-memory
	EventsURL          string        // Lifecycle event sink, empty = disabled
	EventsSigningKey   string
	EventTypes         []string // lifecycle event types to publish, empty = all
	ProvidersFile      string
	CallbackTimeout    time.Duration
	CallbackSigningKey string
	LogLevel           string
	LogFormat          string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:               GetEnv("PORT", "8080"),
		MetricsPort:        GetEnv("METRICS_PORT", "9090"),
		APIKey:             GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:  GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		RunDrainTimeout:    GetDurationEnv("RUN_DRAIN_TIMEOUT", 30*time.Second),
		DatabaseURL:        GetEnv("DATABASE_URL", ""),
		EventsURL:          GetEnv("EVENTS_URL", ""),
		EventsSigningKey:   GetSecretFile(GetEnv("EVENTS_SIGNING_KEY_FILE", "")),
		EventTypes:         GetListEnv("EVENTS_TYPES"),
		ProvidersFile:      GetEnv("PROVIDERS_FILE", ""),
		CallbackTimeout:    GetDurationEnv("DELIVER_TIMEOUT", 30*time.Second),
		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		LogFormat:          GetEnv("LOG_FORMAT", "json"),
	}
}
