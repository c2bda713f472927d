// Package config provides configuration loading and management for the
// crosscheck service. Configuration is layered: built-in defaults, then an
// optional YAML file, then environment variables. The same Config drives the
// admission API and the worker, so either process role can run from one file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ewoutbarendregt/crosscheck/api"
	"github.com/ewoutbarendregt/crosscheck/bus"
	"github.com/ewoutbarendregt/crosscheck/llm"
	"github.com/ewoutbarendregt/crosscheck/queue"
	"github.com/ewoutbarendregt/crosscheck/tenant"
	"github.com/ewoutbarendregt/crosscheck/worker"
	"gopkg.in/yaml.v3"
)

// Config represents the complete crosscheck configuration.
type Config struct {
	HTTP      api.Config      `yaml:"http"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    worker.Config   `yaml:"worker"`
	Tenants   TenantConfig    `yaml:"tenants"`
	Usage     UsageConfig     `yaml:"usage"`
	LLM       LLMConfig       `yaml:"llm"`
	NATS      bus.Config      `yaml:"nats"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// QueueConfig couples the global depth ceiling with the dispatch tuning.
type QueueConfig struct {
	// DepthLimit caps queued plus active jobs across all tenants.
	DepthLimit int `yaml:"depth_limit"`

	queue.Config `yaml:",inline"`
}

// TenantConfig configures the per-tenant concurrency quotas.
type TenantConfig struct {
	// DefaultQuota applies to every tenant without an override.
	DefaultQuota int `yaml:"default_quota"`

	// Overrides pins specific tenants to their own quota.
	Overrides map[string]int `yaml:"overrides"`
}

// Policy converts the section into the accounting quota policy.
func (c TenantConfig) Policy() tenant.QuotaPolicy {
	return tenant.QuotaPolicy{
		DefaultQuota: c.DefaultQuota,
		Overrides:    c.Overrides,
	}
}

// UsageConfig configures the downstream usage-event listener.
type UsageConfig struct {
	// Endpoint receives POSTed usage events (empty = reporting disabled)
	Endpoint string `yaml:"endpoint"`

	// Secret is sent as the x-usage-secret header on outgoing events and
	// verified on the receiving side of the channel
	Secret string `yaml:"secret"`
}

// LLMConfig configures the chat-completions backend.
type LLMConfig struct {
	// Provider picks the registered provider ("azure" or "openai")
	Provider string `yaml:"provider"`

	// Endpoint is the provider base URL
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates completion requests
	APIKey string `yaml:"api_key"`

	// Deployment is the Azure OpenAI deployment name
	Deployment string `yaml:"deployment"`

	// APIVersion is the Azure api-version query parameter
	APIVersion string `yaml:"api_version"`

	// Model names the model for providers that take one in the request
	// body; Azure resolves the model from the deployment instead
	Model string `yaml:"model"`

	// MaxTokens caps each completion (0 = provider default)
	MaxTokens int `yaml:"max_tokens"`
}

// ClientEndpoint converts the section into client endpoint settings.
func (c LLMConfig) ClientEndpoint() llm.Endpoint {
	return llm.Endpoint{
		Provider:   c.Provider,
		BaseURL:    c.Endpoint,
		APIKey:     c.APIKey,
		Deployment: c.Deployment,
		APIVersion: c.APIVersion,
		Model:      c.Model,
	}
}

// TelemetryConfig switches event tracking between the no-op and Prometheus
// trackers.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: api.DefaultConfig(),
		Queue: QueueConfig{
			DepthLimit: 50,
			Config:     queue.DefaultConfig(),
		},
		Worker: worker.DefaultConfig(),
		Tenants: TenantConfig{
			DefaultQuota: 5,
		},
		LLM: LLMConfig{
			Provider:   "azure",
			APIVersion: "2024-02-01",
		},
		NATS: bus.DefaultConfig(),
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Queue.DepthLimit <= 0 {
		return fmt.Errorf("queue.depth_limit must be positive")
	}
	if c.Queue.MaxDispatchInFlight <= 0 {
		return fmt.Errorf("queue.dispatch_concurrency must be positive")
	}
	if c.Queue.RedispatchInterval <= 0 {
		return fmt.Errorf("queue.redispatch_interval must be positive")
	}
	if c.Worker.MaxConcurrent <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.BufferLimit < 0 {
		return fmt.Errorf("worker.buffer_limit cannot be negative")
	}
	if c.Tenants.DefaultQuota <= 0 {
		return fmt.Errorf("tenants.default_quota must be positive")
	}
	for id, quota := range c.Tenants.Overrides {
		if quota <= 0 {
			return fmt.Errorf("tenants.overrides[%s] must be positive", id)
		}
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Keys the file leaves
// out keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overlays environment variables onto the configuration. Malformed
// values are logged and ignored so a bad override never takes the process
// down with it.
func (c *Config) ApplyEnv(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	setString(&c.HTTP.Addr, "CROSSCHECK_HTTP_ADDR")
	setInt(logger, &c.Queue.DepthLimit, "REASONING_QUEUE_DEPTH_LIMIT")
	setInt(logger, &c.Queue.MaxDispatchInFlight, "REASONING_DISPATCH_CONCURRENCY")
	setInt(logger, &c.Worker.MaxConcurrent, "REASONING_CONCURRENCY")
	setInt(logger, &c.Worker.BufferLimit, "REASONING_WORKER_BUFFER_LIMIT")
	setInt(logger, &c.Tenants.DefaultQuota, "TENANT_DEFAULT_QUOTA")
	setString(&c.Usage.Endpoint, "USAGE_EVENT_ENDPOINT")
	setString(&c.Usage.Secret, "USAGE_EVENT_SECRET")
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.Endpoint, "LLM_ENDPOINT")
	setString(&c.LLM.APIKey, "LLM_API_KEY")
	setString(&c.LLM.Deployment, "LLM_DEPLOYMENT")
	setString(&c.LLM.APIVersion, "LLM_API_VERSION")
	setString(&c.NATS.URL, "NATS_URL")

	if raw, ok := os.LookupEnv("TENANT_HARD_QUOTAS_JSON"); ok && raw != "" {
		overrides := make(map[string]int)
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			logger.Warn("Ignoring malformed TENANT_HARD_QUOTAS_JSON",
				slog.String("error", err.Error()))
		} else {
			c.Tenants.Overrides = overrides
		}
	}
}

// setString overwrites dst when the variable is set and non-empty.
func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

// setInt overwrites dst when the variable holds a valid integer.
func setInt(logger *slog.Logger, dst *int, name string) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("Ignoring non-integer environment override",
			slog.String("name", name),
			slog.String("value", v))
		return
	}
	*dst = n
}
