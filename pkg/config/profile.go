package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment profile overlay: a YAML file that overrides a
// subset of the environment-derived configuration. Zero values leave the
// base value untouched.
type Profile struct {
	Port          string `yaml:"port,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	LogFormat     string `yaml:"log_format,omitempty"`
	StorageDriver string `yaml:"storage_driver,omitempty"`
	DatabaseURL   string `yaml:"database_url,omitempty"`
	SQLitePath    string `yaml:"sqlite_path,omitempty"`
	RedisURL      string `yaml:"redis_url,omitempty"`

	SweepInterval          string `yaml:"sweep_interval,omitempty"`
	RetentionSweepInterval string `yaml:"retention_sweep_interval,omitempty"`

	RateLimitRPS   int `yaml:"rate_limit_rps,omitempty"`
	RateLimitBurst int `yaml:"rate_limit_burst,omitempty"`

	NotifyWebhookURL string `yaml:"notify_webhook_url,omitempty"`
	EvidenceBucket   string `yaml:"evidence_bucket,omitempty"`
	EvidencePrefix   string `yaml:"evidence_prefix,omitempty"`

	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Environment  string `yaml:"environment,omitempty"`
}

// LoadProfile parses a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the profile onto cfg.
func (p *Profile) Apply(cfg *Config) error {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, p.Port)
	setString(&cfg.LogLevel, p.LogLevel)
	setString(&cfg.LogFormat, p.LogFormat)
	setString(&cfg.StorageDriver, p.StorageDriver)
	setString(&cfg.DatabaseURL, p.DatabaseURL)
	setString(&cfg.SQLitePath, p.SQLitePath)
	setString(&cfg.RedisURL, p.RedisURL)
	setString(&cfg.NotifyWebhookURL, p.NotifyWebhookURL)
	setString(&cfg.EvidenceBucket, p.EvidenceBucket)
	setString(&cfg.EvidencePrefix, p.EvidencePrefix)
	setString(&cfg.OTLPEndpoint, p.OTLPEndpoint)
	setString(&cfg.Environment, p.Environment)

	if p.SweepInterval != "" {
		d, err := time.ParseDuration(p.SweepInterval)
		if err != nil {
			return fmt.Errorf("profile sweep_interval: %w", err)
		}
		cfg.SweepInterval = d
	}
	if p.RetentionSweepInterval != "" {
		d, err := time.ParseDuration(p.RetentionSweepInterval)
		if err != nil {
			return fmt.Errorf("profile retention_sweep_interval: %w", err)
		}
		cfg.RetentionSweepInterval = d
	}
	if p.RateLimitRPS > 0 {
		cfg.RateLimitRPS = p.RateLimitRPS
	}
	if p.RateLimitBurst > 0 {
		cfg.RateLimitBurst = p.RateLimitBurst
	}
	return nil
}
