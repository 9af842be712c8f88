package config

import (
	"fmt"
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

// NodeConfig points the indexer at the settlement node feed.
type NodeConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// DatabaseConfig selects the settlement database. Production deployments run
// postgres; the sqlite driver exists for local runs and tests.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ReportsConfig controls the daily report bundle.
type ReportsConfig struct {
	OutputDir string `yaml:"output_dir"`
	RunHour   int    `yaml:"run_hour"`
	RunMinute int    `yaml:"run_minute"`
	Timezone  string `yaml:"timezone"`
}

// RetentionConfig bounds how long ingested rows and report bundles are kept.
type RetentionConfig struct {
	EventDays  int `yaml:"event_days"`
	ReportDays int `yaml:"report_days"`
}

// Config captures the runtime configuration for the loan indexer.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	Node          NodeConfig      `yaml:"node"`
	Database      DatabaseConfig  `yaml:"database"`
	PollInterval  Duration        `yaml:"poll_interval"`
	PageSize      int             `yaml:"page_size"`
	Reports       ReportsConfig   `yaml:"reports"`
	Retention     RetentionConfig `yaml:"retention"`
}

// Load reads configuration from the supplied path, or returns defaults when
// the path is empty.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7450"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		cfg.Node.Endpoint = "http://127.0.0.1:8080"
	}
	if cfg.Node.Timeout.Duration <= 0 {
		cfg.Node.Timeout.Duration = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Database.Driver) == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if strings.TrimSpace(cfg.Reports.OutputDir) == "" {
		cfg.Reports.OutputDir = "lien-data/reports"
	}
	if strings.TrimSpace(cfg.Reports.Timezone) == "" {
		cfg.Reports.Timezone = "UTC"
	}
	if cfg.Retention.EventDays <= 0 {
		cfg.Retention.EventDays = 90
	}
	if cfg.Retention.ReportDays <= 0 {
		cfg.Retention.ReportDays = 545
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Reports.RunHour < 0 || cfg.Reports.RunHour > 23 {
		return fmt.Errorf("reports run_hour %d out of range", cfg.Reports.RunHour)
	}
	if cfg.Reports.RunMinute < 0 || cfg.Reports.RunMinute > 59 {
		return fmt.Errorf("reports run_minute %d out of range", cfg.Reports.RunMinute)
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured report timezone.
func (cfg Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(cfg.Reports.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
