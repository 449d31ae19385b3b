package main

import (
	"jobflow/internal/callback"
	"jobflow/internal/config"
	"jobflow/internal/provider/builtin"
	"jobflow/internal/workflow"
	"time"
)

// loadPlatforms reads the providers file (if any) and registers the
// configured platforms.
func loadPlatforms(providersFile string) (*builtin.Platforms, error) {
	cfg, err := config.LoadProvidersConfig(providersFile)
	if err != nil {
		return nil, err
	}
	return builtin.Load(cfg)
}

// newDeliverer creates the webhook deliverer for callback URLs.
func newDeliverer(timeout time.Duration, signingKey string) workflow.Deliverer {
	return callback.NewWebhook(callback.Config{
		Timeout:    timeout,
		SigningKey: signingKey,
	})
}
