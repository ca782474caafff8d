package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buffnerd/sg-sentinel/internal/models"
)

// DefaultPath returns the conventional config location,
// ~/.config/sgsentinel/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "sgsentinel", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{Version: 1}
	applyDefaults(cfg)
	return cfg
}

// Load reads, parses, validates, and defaults the config file at path.
// A missing file is not an error: the built-in defaults are returned so
// the CLI works with zero setup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config %s: %w", path, errors.Join(errs...))
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate checks cfg for semantic correctness and returns every error
// found rather than stopping at the first.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	var errs []error

	if cfg.Version != 1 {
		errs = append(errs, fmt.Errorf("version: unsupported value %d; must be 1", cfg.Version))
	}

	if cfg.Remediation.Threshold != "" {
		if _, ok := models.ParseRiskLevel(strings.ToUpper(cfg.Remediation.Threshold)); !ok {
			errs = append(errs, fmt.Errorf("remediation.threshold: invalid value %q; valid values: LOW, MEDIUM, HIGH, CRITICAL", cfg.Remediation.Threshold))
		}
	}
	if cfg.Remediation.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("remediation.max_attempts: must not be negative"))
	}
	if cfg.Remediation.SettleInterval < 0 {
		errs = append(errs, fmt.Errorf("remediation.settle_interval: must not be negative"))
	}

	for _, port := range cfg.Classifier.SensitivePorts {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("classifier.sensitive_ports: %d out of range", port))
		}
	}
	if cfg.Classifier.BroadPrefixBits < 0 || cfg.Classifier.BroadPrefixBits > 32 {
		errs = append(errs, fmt.Errorf("classifier.broad_prefix_bits: %d out of range 0-32", cfg.Classifier.BroadPrefixBits))
	}

	switch cfg.Health.Kind {
	case "", "tcp", "command", "static":
	default:
		errs = append(errs, fmt.Errorf("health.kind: unknown value %q; valid values: tcp, command, static", cfg.Health.Kind))
	}
	if (cfg.Health.Kind == "tcp" || cfg.Health.Kind == "command") && cfg.Health.Target == "" {
		errs = append(errs, fmt.Errorf("health.target: required for kind %q", cfg.Health.Kind))
	}

	return errs
}

// applyDefaults fills zero values after validation. The file stays
// minimal; only deviations from these need writing down.
func applyDefaults(cfg *Config) {
	if cfg.Remediation.Threshold == "" {
		cfg.Remediation.Threshold = models.RiskCritical.String()
	}
	if cfg.Remediation.SettleInterval == 0 {
		cfg.Remediation.SettleInterval = 5 * time.Minute
	}
	if cfg.Remediation.MaxAttempts == 0 {
		cfg.Remediation.MaxAttempts = 4
	}
	if cfg.Remediation.MaxConcurrentRuleSets == 0 {
		cfg.Remediation.MaxConcurrentRuleSets = 4
	}
	if cfg.Classifier.BroadPrefixBits == 0 {
		cfg.Classifier.BroadPrefixBits = 16
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 30 * time.Second
	}
}

// Threshold returns the parsed remediation threshold. Call only after
// Validate has passed.
func (c *Config) Threshold() models.RiskLevel {
	level, ok := models.ParseRiskLevel(strings.ToUpper(c.Remediation.Threshold))
	if !ok {
		return models.RiskCritical
	}
	return level
}
