package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProvidersConfig selects and configures the built-in platforms. A platform
// is registered only when it is configured.
type ProvidersConfig struct {
	Dummy  DummyConfig  `yaml:"dummy"`
	MLflow MLflowConfig `yaml:"mlflow"`
	Docker DockerConfig `yaml:"docker"`
}

// DummyConfig configures the reference REST platform.
type DummyConfig struct {
	// BaseURL enables the platform (e.g. http://dummy:8000)
	BaseURL string `yaml:"base_url"`
	// TokenFile holds the bearer token sent with every request
	TokenFile string `yaml:"token_file"`
}

// MLflowConfig configures the MLflow tracking server.
type MLflowConfig struct {
	// TrackingURI enables the platform (e.g. https://adb-123.azuredatabricks.net)
	TrackingURI string `yaml:"tracking_uri"`
	// TokenFile holds the bearer token (Databricks PAT or AAD token)
	TokenFile string `yaml:"token_file"`
}

// DockerConfig configures container jobs on the local daemon.
type DockerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Network    string        `yaml:"network"`
	ExtraHosts []string      `yaml:"extra_hosts"`
	Retention  time.Duration `yaml:"retention"`
}

// LoadProvidersConfig reads the YAML file at path, if any, and applies the
// environment overrides on top.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	cfg := &ProvidersConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read providers file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse providers file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ProvidersConfig) applyEnv() {
	c.Dummy.BaseURL = GetEnv("DUMMY_BASE_URL", c.Dummy.BaseURL)
	c.Dummy.TokenFile = GetEnv("DUMMY_TOKEN_FILE", c.Dummy.TokenFile)
	c.MLflow.TrackingURI = GetEnv("MLFLOW_TRACKING_URI", c.MLflow.TrackingURI)
	c.MLflow.TokenFile = GetEnv("MLFLOW_TOKEN_FILE", c.MLflow.TokenFile)
	c.Docker.Enabled = GetBoolEnv("DOCKER_ENABLED", c.Docker.Enabled)
	c.Docker.Network = GetEnv("DOCKER_NETWORK", c.Docker.Network)
	c.Docker.Retention = GetDurationEnv("DOCKER_RETENTION", c.Docker.Retention)
	if hosts := GetListEnv("EXTRA_HOSTS"); len(hosts) > 0 {
		c.Docker.ExtraHosts = hosts
	}
}

// Validate checks the configured endpoints.
func (c *ProvidersConfig) Validate() error {
	if err := validateEndpoint("dummy.base_url", c.Dummy.BaseURL); err != nil {
		return err
	}
	if err := validateEndpoint("mlflow.tracking_uri", c.MLflow.TrackingURI); err != nil {
		return err
	}
	if c.Docker.Retention < 0 {
		return fmt.Errorf("docker.retention must not be negative")
	}
	return nil
}

func validateEndpoint(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	return nil
}
