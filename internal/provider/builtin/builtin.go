// Package builtin registers the platforms shipped with jobflow according to
// the providers configuration.
package builtin

import (
	"context"
	"fmt"
	"jobflow/internal/config"
	"jobflow/internal/provider"
	"jobflow/internal/provider/docker"
	"jobflow/internal/provider/dummy"
	"jobflow/internal/provider/mlflow"
	"log/slog"
)

// openDocker connects to the daemon; replaced in tests.
var openDocker = docker.New

// Platforms is the populated registry plus the platforms holding resources.
type Platforms struct {
	Registry *provider.Registry
	Docker   *docker.Platform // nil unless enabled
}

// Load builds the registry from cfg. A platform is registered only when it
// is configured; an empty configuration yields an empty registry.
func Load(cfg *config.ProvidersConfig) (*Platforms, error) {
	ps := &Platforms{Registry: provider.NewRegistry()}
	logger := slog.With("component", "providers")

	if cfg.Dummy.BaseURL != "" {
		p := dummy.New(dummy.Config{
			BaseURL: cfg.Dummy.BaseURL,
			Token:   config.GetSecretFile(cfg.Dummy.TokenFile),
		})
		if err := ps.Registry.Register(dummy.Name, p.Provider()); err != nil {
			return nil, err
		}
		logger.Info("Platform registered", "platform", dummy.Name, "baseUrl", cfg.Dummy.BaseURL)
	}

	if cfg.MLflow.TrackingURI != "" {
		p := mlflow.New(mlflow.Config{
			TrackingURI: cfg.MLflow.TrackingURI,
			Token:       config.GetSecretFile(cfg.MLflow.TokenFile),
		})
		if err := ps.Registry.Register(mlflow.Name, p.Provider()); err != nil {
			return nil, err
		}
		logger.Info("Platform registered", "platform", mlflow.Name, "trackingUri", cfg.MLflow.TrackingURI)
	}

	if cfg.Docker.Enabled {
		p, err := openDocker(docker.Config{
			Network:    cfg.Docker.Network,
			ExtraHosts: cfg.Docker.ExtraHosts,
			Retention:  cfg.Docker.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize docker platform: %w", err)
		}
		if err := ps.Registry.Register(docker.Name, p.Provider()); err != nil {
			_ = p.Close()
			return nil, err
		}
		ps.Docker = p
		logger.Info("Platform registered", "platform", docker.Name, "network", cfg.Docker.Network)
	}

	if len(ps.Registry.Names()) == 0 {
		logger.Warn("No platforms configured")
	}
	return ps, nil
}

// Ready reports whether every platform with a backing daemon is reachable.
func (ps *Platforms) Ready(ctx context.Context) error {
	if ps.Docker == nil {
		return nil
	}
	return ps.Docker.Ready(ctx)
}

// Close releases platform resources.
func (ps *Platforms) Close() error {
	if ps.Docker == nil {
		return nil
	}
	return ps.Docker.Close()
}
