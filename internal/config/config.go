package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron"
	"gopkg.in/yaml.v3"
)

// Config models ghostline.yml.
type Config struct {
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	Ghost      GhostConfig      `yaml:"ghost" json:"ghost"`
	Gateway    GatewayConfig    `yaml:"gateway" json:"gateway"`
	Scope      ScopeConfig      `yaml:"scope" json:"scope"`
	Schedule   ScheduleConfig   `yaml:"schedule" json:"schedule"`
	Webhooks   []WebhookConfig  `yaml:"webhooks" json:"webhooks,omitempty"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

type MonitoringConfig struct {
	AgingThresholdDays    int      `yaml:"aging_threshold_days" json:"aging_threshold_days"`
	ZeroCountCheck        bool     `yaml:"zero_count_check" json:"zero_count_check"`
	NotesAreaThresholdSqm float64  `yaml:"notes_area_threshold_sqm" json:"notes_area_threshold_sqm"`
	ActiveStatuses        []string `yaml:"active_statuses" json:"active_statuses"`
	Concurrency           int      `yaml:"concurrency" json:"concurrency"`
}

type GhostConfig struct {
	DomainPrefix        string `yaml:"domain_prefix" json:"domain_prefix"`
	ParentMarker        string `yaml:"parent_marker" json:"parent_marker"`
	DefaultLookbackDays int    `yaml:"default_lookback_days" json:"default_lookback_days"`
}

type GatewayConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	JWTSecret      string `yaml:"jwt_secret" json:"-"`
	ServiceAccount string `yaml:"service_account" json:"service_account"`
}

type ScopeConfig struct {
	Regions []string `yaml:"regions" json:"regions"`
}

type ScheduleConfig struct {
	Snapshot string `yaml:"snapshot" json:"snapshot"`
	Ghost    string `yaml:"ghost" json:"ghost"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type LogConfig struct {
	Mode string `yaml:"mode" json:"mode"`
}

// IsActiveStatus reports whether status is one of the monitored active statuses.
func (c *Config) IsActiveStatus(status string) bool {
	for _, s := range c.Monitoring.ActiveStatuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Monitoring.AgingThresholdDays <= 0 {
		return fmt.Errorf("config.monitoring.aging_threshold_days must be positive")
	}
	if c.Monitoring.NotesAreaThresholdSqm < 0 {
		return fmt.Errorf("config.monitoring.notes_area_threshold_sqm must not be negative")
	}
	if len(c.Monitoring.ActiveStatuses) == 0 {
		return fmt.Errorf("config.monitoring.active_statuses is required")
	}
	for _, s := range c.Monitoring.ActiveStatuses {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.monitoring.active_statuses contains an empty status")
		}
	}
	if c.Monitoring.Concurrency < 1 {
		return fmt.Errorf("config.monitoring.concurrency must be at least 1")
	}
	if strings.TrimSpace(c.Ghost.DomainPrefix) == "" {
		return fmt.Errorf("config.ghost.domain_prefix is required")
	}
	if c.Ghost.DefaultLookbackDays <= 0 {
		return fmt.Errorf("config.ghost.default_lookback_days must be positive")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.gateway.timeout_seconds must be positive")
	}
	for name, spec := range map[string]string{"snapshot": c.Schedule.Snapshot, "ghost": c.Schedule.Ghost} {
		if spec == "" {
			continue
		}
		if _, err := cron.Parse(spec); err != nil {
			return fmt.Errorf("config.schedule.%s: %w", name, err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch strings.ToLower(c.Log.Mode) {
	case "", "dev", "development", "prod", "production":
	default:
		return fmt.Errorf("config.log.mode must be dev or prod")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ghostline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads config from the workspace, falling back to defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from the
// document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `monitoring:
  aging_threshold_days: 14
  zero_count_check: true
  notes_area_threshold_sqm: 9.29
  active_statuses: [ACTIVE, QC, REWORK]
  concurrency: 1

ghost:
  domain_prefix: ONEPPL
  parent_marker: "@"
  default_lookback_days: 7

gateway:
  url: http://127.0.0.1:9090
  timeout_seconds: 60
  service_account: ghostline-service

scope:
  regions: []

schedule:
  snapshot: "0 0 5 * * *"
  ghost: "0 30 5 * * *"

log:
  mode: dev
`
