// Package config loads and validates the sgsentinel configuration file.
// Everything in it has a flag or built-in default; the file only pins
// account-specific choices (exclusions, the admin rule set, classifier
// tuning) so audit runs are reproducible.
package config

import (
	"time"
)

// Config is the top-level application configuration, loaded from
// ~/.config/sgsentinel/config.yaml or the --config flag.
type Config struct {
	// Version must be 1. Guards against silently misreading a future
	// incompatible layout.
	Version int `yaml:"version" json:"version"`

	AWS         AWSConfig         `yaml:"aws"         json:"aws"`
	Classifier  ClassifierConfig  `yaml:"classifier"  json:"classifier"`
	Remediation RemediationConfig `yaml:"remediation" json:"remediation"`
	Health      HealthConfig      `yaml:"health"      json:"health"`
}

// AWSConfig holds AWS defaults used when flags are not provided.
type AWSConfig struct {
	// DefaultRegions is used when no --region flag is set.
	DefaultRegions []string `yaml:"default_regions" json:"default_regions"`

	// DefaultProfile is used when no --profile flag is provided.
	DefaultProfile string `yaml:"default_profile" json:"default_profile"`
}

// ClassifierConfig tunes the risk matrix.
type ClassifierConfig struct {
	// SensitivePorts overrides the built-in admin/database port list.
	// Empty means the defaults (SSH, RDP, common database ports).
	SensitivePorts []int `yaml:"sensitive_ports" json:"sensitive_ports"`

	// BroadPrefixBits is the CIDR prefix length below which a source
	// counts as broad. Defaults to 16 (/15 and wider is broad).
	BroadPrefixBits int `yaml:"broad_prefix_bits" json:"broad_prefix_bits"`
}

// RemediationConfig tunes planning and execution.
type RemediationConfig struct {
	// Threshold is the minimum risk level planned for remediation.
	// One of low, medium, high, critical. Defaults to critical.
	Threshold string `yaml:"threshold" json:"threshold"`

	// Exclusions are RuleSet IDs or name globs never remediated.
	Exclusions []string `yaml:"exclusions" json:"exclusions"`

	// AdminRuleSetID is the bastion rule set substituted for open
	// sources. Empty disables replacement derivation.
	AdminRuleSetID string `yaml:"admin_rule_set_id" json:"admin_rule_set_id"`

	// DeleteUnused enables deletion of confirmed-unattached rule sets.
	DeleteUnused bool `yaml:"delete_unused" json:"delete_unused"`

	// SettleInterval is the wait between applying a change and checking
	// health. Defaults to 5m.
	SettleInterval time.Duration `yaml:"settle_interval" json:"settle_interval"`

	// MaxAttempts bounds provider calls per action including throttle
	// retries. Defaults to 4.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// MaxConcurrentRuleSets bounds cross-rule-set parallelism during
	// execution. Defaults to 4.
	MaxConcurrentRuleSets int `yaml:"max_concurrent_rule_sets" json:"max_concurrent_rule_sets"`
}

// HealthConfig selects the rollback signal consulted after every change.
type HealthConfig struct {
	// Kind is one of "tcp", "command", or "static".
	Kind string `yaml:"kind" json:"kind"`

	// Target is the probe argument: "host:port" for tcp, the command
	// line for command, "healthy"/"unhealthy" for static.
	Target string `yaml:"target" json:"target"`

	// Timeout bounds a single probe. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
