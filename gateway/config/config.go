package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// NodeConfig points the gateway at its upstream settlement node.
type NodeConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
	TokenEnv string   `yaml:"tokenEnv"`
}

// RateLimitConfig declares a named token bucket applied to a route group.
type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	RatePerSecond     float64 `yaml:"ratePerSecond"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig toggles the request middleware.
type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
	LogRequests bool   `yaml:"logRequests"`
}

// AuthConfig drives the JWT middleware. The HMAC secret may live in the file
// or, preferably, in the environment variable named by secretEnv.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HMACSecret string   `yaml:"hmacSecret"`
	SecretEnv  string   `yaml:"secretEnv"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ScopeClaim string   `yaml:"scopeClaim"`
	ClockSkew  Duration `yaml:"clockSkew"`
}

// IdempotencyConfig locates the replay store for mutating requests.
type IdempotencyConfig struct {
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   Duration            `yaml:"readTimeout"`
	WriteTimeout  Duration            `yaml:"writeTimeout"`
	IdleTimeout   Duration            `yaml:"idleTimeout"`
	Environment   string              `yaml:"environment"`
	LogLevel      string              `yaml:"logLevel"`
	Node          NodeConfig          `yaml:"node"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
}

// Load parses the YAML file at path, or returns defaults when path is empty.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8440",
		ReadTimeout:   Duration{30 * time.Second},
		WriteTimeout:  Duration{30 * time.Second},
		IdleTimeout:   Duration{120 * time.Second},
		Environment:   "dev",
		LogLevel:      "info",
		Node: NodeConfig{
			Endpoint: "http://127.0.0.1:8080",
			Timeout:  Duration{15 * time.Second},
			TokenEnv: "LIEN_RPC_TOKEN",
		},
		Observability: ObservabilityConfig{
			ServiceName: "lien-gateway",
			Metrics:     true,
			Tracing:     true,
			LogRequests: true,
		},
		Auth: AuthConfig{
			Enabled:    true,
			SecretEnv:  "LIEN_GATEWAY_JWT_SECRET",
			ScopeClaim: "scope",
			ClockSkew:  Duration{2 * time.Minute},
		},
		Idempotency: IdempotencyConfig{
			Path: "./gateway-idempotency.db",
			TTL:  Duration{24 * time.Hour},
		},
	}
}

func (cfg *Config) applyDefaults() {
	def := defaults()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.ReadTimeout.Duration <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout.Duration <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout.Duration <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = def.Environment
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		cfg.Node.Endpoint = def.Node.Endpoint
	}
	if cfg.Node.Timeout.Duration <= 0 {
		cfg.Node.Timeout = def.Node.Timeout
	}
	if strings.TrimSpace(cfg.Node.TokenEnv) == "" {
		cfg.Node.TokenEnv = def.Node.TokenEnv
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if strings.TrimSpace(cfg.Auth.ScopeClaim) == "" {
		cfg.Auth.ScopeClaim = def.Auth.ScopeClaim
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew = def.Auth.ClockSkew
	}
	if strings.TrimSpace(cfg.Auth.SecretEnv) == "" && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		cfg.Auth.SecretEnv = def.Auth.SecretEnv
	}
	if strings.TrimSpace(cfg.Idempotency.Path) == "" {
		cfg.Idempotency.Path = def.Idempotency.Path
	}
	if cfg.Idempotency.TTL.Duration <= 0 {
		cfg.Idempotency.TTL = def.Idempotency.TTL
	}
}

// Validate rejects configurations the gateway cannot start with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := cfg.NodeURL(); err != nil {
		return err
	}
	for i, entry := range cfg.RateLimits {
		if strings.TrimSpace(entry.ID) == "" {
			return fmt.Errorf("rateLimits[%d]: id required", i)
		}
		if entry.RatePerSecond <= 0 && entry.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimits[%d]: a positive rate is required", i)
		}
	}
	return nil
}

// NodeURL parses the upstream node endpoint.
func (cfg *Config) NodeURL() (*url.URL, error) {
	endpoint := strings.TrimSpace(cfg.Node.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("node.endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse node.endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("node.endpoint scheme %q not supported", parsed.Scheme)
	}
	return parsed, nil
}

// AuthSecret resolves the JWT HMAC secret, preferring the environment variable
// over the inline file value.
func (cfg *Config) AuthSecret() string {
	if env := strings.TrimSpace(cfg.Auth.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(cfg.Auth.HMACSecret)
}

// NodeToken resolves the bearer token the gateway presents to the node.
func (cfg *Config) NodeToken() string {
	if env := strings.TrimSpace(cfg.Node.TokenEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}
