// Package config handles YAML configuration loading with environment
// variable expansion. Every setting can also come straight from the
// environment, so a config file is optional in container deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`   // per-request ceiling (unary)
	StreamTimeout   time.Duration `yaml:"stream_timeout"`    // hard ceiling on streamed responses
	StreamIdle      time.Duration `yaml:"stream_idle"`       // max gap between stream chunks
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds store settings.
type DatabaseConfig struct {
	URL string `yaml:"url"` // file path or ":memory:"
	Key string `yaml:"key"` // service credential, unused for file stores
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"`
}

// CircuitConfig holds circuit breaker tunables.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProvidersConfig holds per-provider credentials and settings. A provider
// with an empty key is simply not registered.
type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Fireworks  APIKeyProvider   `yaml:"fireworks"`
	Together   APIKeyProvider   `yaml:"together"`
	DeepInfra  APIKeyProvider   `yaml:"deepinfra"`
	Portkey    APIKeyProvider   `yaml:"portkey"`
	Vertex     VertexConfig     `yaml:"vertex"`
}

// OpenRouterConfig configures the OpenRouter adapter, including the
// attribution headers OpenRouter uses for ranking.
type OpenRouterConfig struct {
	APIKey   string `yaml:"api_key"`
	SiteURL  string `yaml:"site_url"`
	SiteName string `yaml:"site_name"`
}

// APIKeyProvider is a provider that authenticates with a bearer key.
type APIKeyProvider struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// VertexConfig configures the Google Vertex AI adapter.
type VertexConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	// CredentialsJSON accepts raw JSON, base64-encoded JSON, or a file path.
	CredentialsJSON string `yaml:"credentials_json"`
	EndpointID      string `yaml:"endpoint_id"`
}

// Enabled reports whether the Vertex adapter has enough config to run.
func (v VertexConfig) Enabled() bool {
	return v.ProjectID != "" && v.CredentialsJSON != ""
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding ${VAR} references,
// then overlays the well-known environment variables. path may be empty,
// in which case the config comes entirely from defaults and environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			RequestTimeout:  120 * time.Second,
			StreamTimeout:   10 * time.Minute,
			StreamIdle:      60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "gatewayz.db",
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			OpenTimeout:      300 * time.Second,
		},
	}
}

// applyEnv overlays the enumerated environment variables. Env wins over the
// file so one image can run in several environments.
func (c *Config) applyEnv() {
	setString(&c.Database.URL, "STORE_URL")
	setString(&c.Database.Key, "STORE_KEY")
	setString(&c.Auth.AdminKey, "ADMIN_API_KEY")

	setString(&c.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	setString(&c.Providers.OpenRouter.SiteURL, "OPENROUTER_SITE_URL")
	setString(&c.Providers.OpenRouter.SiteName, "OPENROUTER_SITE_NAME")
	setString(&c.Providers.Fireworks.APIKey, "FIREWORKS_API_KEY")
	setString(&c.Providers.Together.APIKey, "TOGETHER_API_KEY")
	setString(&c.Providers.DeepInfra.APIKey, "DEEPINFRA_API_KEY")
	setString(&c.Providers.Portkey.APIKey, "PORTKEY_API_KEY")

	setString(&c.Providers.Vertex.ProjectID, "GOOGLE_PROJECT_ID")
	setString(&c.Providers.Vertex.Location, "GOOGLE_VERTEX_LOCATION")
	setString(&c.Providers.Vertex.CredentialsJSON, "GOOGLE_VERTEX_CREDENTIALS_JSON")
	if c.Providers.Vertex.CredentialsJSON == "" {
		setString(&c.Providers.Vertex.CredentialsJSON, "GOOGLE_APPLICATION_CREDENTIALS")
	}
	setString(&c.Providers.Vertex.EndpointID, "GOOGLE_VERTEX_ENDPOINT_ID")

	setInt(&c.Circuit.FailureThreshold, "CIRCUIT_FAILURE_THRESHOLD")
	if v, ok := os.LookupEnv("CIRCUIT_TIMEOUT_SECONDS"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Circuit.OpenTimeout = time.Duration(secs) * time.Second
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// Validate checks for settings that would fail later in confusing ways.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database url is required")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return errors.New("config: circuit failure threshold must be positive")
	}
	if c.Circuit.OpenTimeout <= 0 {
		return errors.New("config: circuit open timeout must be positive")
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		return errors.New("config: tracing enabled without an endpoint")
	}
	if v := c.Providers.Vertex; v.ProjectID != "" && v.Location == "" {
		return errors.New("config: vertex location is required with a project id")
	}
	return nil
}

// EnabledProviders lists provider names with credentials configured.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.Vertex.Enabled() {
		names = append(names, "vertex")
	}
	if c.Providers.OpenRouter.APIKey != "" {
		names = append(names, "openrouter")
	}
	if c.Providers.Fireworks.APIKey != "" {
		names = append(names, "fireworks")
	}
	if c.Providers.Together.APIKey != "" {
		names = append(names, "together")
	}
	if c.Providers.DeepInfra.APIKey != "" {
		names = append(names, "deepinfra")
	}
	if c.Providers.Portkey.APIKey != "" {
		names = append(names, "portkey")
	}
	return names
}
