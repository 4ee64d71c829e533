package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"aigroup/internal/models"
)

const (
	defaultPort            = 8080
	defaultCatalogTTL      = time.Hour
	defaultRefreshSchedule = "@every 30m"
	defaultEffectInterval  = 5 * time.Second
	defaultCoordinator     = "openai/gpt-4o-mini"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server          ServerConfig              `yaml:"server"`
	HTTP            HTTPConfig                `yaml:"http"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	CustomProviders []CustomProviderConfig    `yaml:"custom_providers"`
	Tokens          Tokens                    `yaml:"tokens"`
	Preferences     Preferences               `yaml:"preferences"`
	Plugins         PluginsConfig             `yaml:"plugins"`
	Catalog         CatalogConfig             `yaml:"catalog"`
	Telemetry       TelemetryConfig           `yaml:"telemetry"`
	Store           StoreConfig               `yaml:"store"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// HTTPConfig tunes the shared upstream HTTP client.
type HTTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig controls the 429 backoff of the shared client.
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// ProviderConfig overrides routing for a built-in provider.
type ProviderConfig struct {
	BaseURL string  `yaml:"base_url"`
	Headers Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// CustomProviderConfig registers an OpenAI-compatible endpoint under "custom:<id>".
type CustomProviderConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Headers Headers  `yaml:"headers"`
	Models  []string `yaml:"models"`
}

// Tokens holds the credential of every built-in provider.
type Tokens struct {
	OpenAI     string           `yaml:"openai"`
	Anthropic  string           `yaml:"anthropic"`
	Google     string           `yaml:"google"`
	Zhipu      string           `yaml:"zhipu"`
	OpenRouter string           `yaml:"openrouter"`
	DashScope  string           `yaml:"dashscope"`
	DeepSeek   string           `yaml:"deepseek"`
	Moonshot   string           `yaml:"moonshot"`
	Baidu      BaiduCredentials `yaml:"baidu"`
}

// BaiduCredentials is the client credential pair exchanged for access tokens.
type BaiduCredentials struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

// Preferences are the generation defaults applied to requests that leave them unset.
type Preferences struct {
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"top_p"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	MaxTokens        *int     `yaml:"max_tokens"`
	DefaultModel     string   `yaml:"default_model"`
}

// PluginsConfig configures tool selection and the bundled plugins.
type PluginsConfig struct {
	Coordinator    string        `yaml:"coordinator"`
	EffectInterval time.Duration `yaml:"effect_interval"`
	Enabled        []string      `yaml:"enabled"`
	Search         SearchConfig  `yaml:"search"`
	ImageModel     string        `yaml:"image_model"`
	VideoModel     string        `yaml:"video_model"`
}

// SearchConfig points the web search plugin at a search API.
type SearchConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// CatalogConfig controls model catalog caching.
type CatalogConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshSchedule string        `yaml:"refresh_schedule"`
}

// TelemetryConfig enables OTLP trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// StoreConfig selects message persistence. An empty path keeps messages in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, fills defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Catalog.TTL == 0 {
		c.Catalog.TTL = defaultCatalogTTL
	}
	if c.Catalog.RefreshSchedule == "" {
		c.Catalog.RefreshSchedule = defaultRefreshSchedule
	}
	if c.Plugins.EffectInterval == 0 {
		c.Plugins.EffectInterval = defaultEffectInterval
	}
	if c.Plugins.Coordinator == "" {
		c.Plugins.Coordinator = defaultCoordinator
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "aigroup"
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.HTTP.ConnectTimeout < 0 || c.HTTP.RequestTimeout < 0 {
		return fmt.Errorf("http timeouts must not be negative")
	}
	if r := c.HTTP.Retry; (r.MaxRetries != nil && *r.MaxRetries < 0) || r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("http.retry values must not be negative")
	}

	for name, provider := range c.Providers {
		if err := validateHeaders("provider "+name, provider.Headers); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(c.CustomProviders))
	for i, custom := range c.CustomProviders {
		if err := validateCustomProvider(custom); err != nil {
			return fmt.Errorf("custom_providers[%d]: %w", i, err)
		}
		if _, dup := seen[custom.ID]; dup {
			return fmt.Errorf("custom_providers[%d]: duplicate id %q", i, custom.ID)
		}
		seen[custom.ID] = struct{}{}
	}

	if err := c.Preferences.validate(); err != nil {
		return err
	}

	if _, err := models.ParseModelCode(c.Plugins.Coordinator); err != nil {
		return fmt.Errorf("plugins.coordinator: %w", err)
	}
	if c.Plugins.EffectInterval < 0 {
		return fmt.Errorf("plugins.effect_interval must not be negative")
	}

	if c.Catalog.TTL < 0 {
		return fmt.Errorf("catalog.ttl must not be negative")
	}
	if _, err := cron.ParseStandard(c.Catalog.RefreshSchedule); err != nil {
		return fmt.Errorf("catalog.refresh_schedule %q: %w", c.Catalog.RefreshSchedule, err)
	}
	return nil
}

func validateCustomProvider(custom CustomProviderConfig) error {
	if strings.TrimSpace(custom.ID) == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.ContainsAny(custom.ID, "/: ") {
		return fmt.Errorf("id %q must not contain '/', ':' or spaces", custom.ID)
	}
	if strings.TrimSpace(custom.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", custom.ID)
	}
	for _, model := range custom.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", custom.ID)
		}
	}
	return validateHeaders("provider "+custom.ID, custom.Headers)
}

func (p Preferences) validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("preferences.temperature must be within [0, 2]")
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return fmt.Errorf("preferences.top_p must be within [0, 1]")
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return fmt.Errorf("preferences.max_tokens must be positive")
	}
	if p.DefaultModel != "" {
		if _, err := models.ParseModelCode(p.DefaultModel); err != nil {
			return fmt.Errorf("preferences.default_model: %w", err)
		}
	}
	return nil
}

func validateHeaders(owner string, headers Headers) error {
	for headerKey := range headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("%s: header %q is not a valid canonical HTTP header", owner, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

// Apply fills request parameters the caller left unset from the preferences.
func (p Preferences) Apply(req models.ChatCompletionRequest) models.ChatCompletionRequest {
	if req.Temperature == nil {
		req.Temperature = p.Temperature
	}
	if req.TopP == nil {
		req.TopP = p.TopP
	}
	if req.PresencePenalty == nil {
		req.PresencePenalty = p.PresencePenalty
	}
	if req.FrequencyPenalty == nil {
		req.FrequencyPenalty = p.FrequencyPenalty
	}
	if req.MaxTokens == nil {
		req.MaxTokens = p.MaxTokens
	}
	return req
}
