package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buffnerd/sg-sentinel/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
version: 1
aws:
  default_regions: [us-east-1, eu-west-1]
  default_profile: audit
classifier:
  sensitive_ports: [22, 3389]
  broad_prefix_bits: 12
remediation:
  threshold: high
  exclusions: ["legacy-*", "sg-0123456789abcdef0"]
  admin_rule_set_id: sg-admin
  delete_unused: true
  settle_interval: 2m
  max_attempts: 6
health:
  kind: tcp
  target: app.internal:443
  timeout: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.AWS.DefaultRegions; len(got) != 2 || got[0] != "us-east-1" {
		t.Errorf("default regions = %v", got)
	}
	if cfg.Threshold() != models.RiskHigh {
		t.Errorf("threshold = %s; want HIGH", cfg.Threshold())
	}
	if cfg.Remediation.SettleInterval != 2*time.Minute {
		t.Errorf("settle interval = %v; want 2m", cfg.Remediation.SettleInterval)
	}
	if cfg.Remediation.MaxAttempts != 6 || !cfg.Remediation.DeleteUnused {
		t.Errorf("remediation block mis-parsed: %+v", cfg.Remediation)
	}
	if cfg.Classifier.BroadPrefixBits != 12 {
		t.Errorf("broad prefix bits = %d; want 12", cfg.Classifier.BroadPrefixBits)
	}
	if cfg.Health.Kind != "tcp" || cfg.Health.Target != "app.internal:443" || cfg.Health.Timeout != 10*time.Second {
		t.Errorf("health block mis-parsed: %+v", cfg.Health)
	}
	// Unset fields still get defaults.
	if cfg.Remediation.MaxConcurrentRuleSets != 4 {
		t.Errorf("max concurrent = %d; want default 4", cfg.Remediation.MaxConcurrentRuleSets)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threshold() != models.RiskCritical {
		t.Errorf("default threshold = %s; want CRITICAL", cfg.Threshold())
	}
	if cfg.Remediation.SettleInterval != 5*time.Minute {
		t.Errorf("default settle = %v; want 5m", cfg.Remediation.SettleInterval)
	}
	if cfg.Classifier.BroadPrefixBits != 16 {
		t.Errorf("default broad bits = %d; want 16", cfg.Classifier.BroadPrefixBits)
	}
}

func TestLoad_RejectsUnsupportedVersion(t *testing.T) {
	path := writeConfig(t, "version: 2\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("want version error, got %v", err)
	}
}

// TestValidate_CollectsAllErrors: every problem is reported, not just the
// first one hit.
func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Version: 3,
		Remediation: RemediationConfig{
			Threshold:   "extreme",
			MaxAttempts: -1,
		},
		Classifier: ClassifierConfig{
			SensitivePorts:  []int{22, 70000},
			BroadPrefixBits: 48,
		},
		Health: HealthConfig{Kind: "carrier-pigeon"},
	}

	errs := Validate(cfg)
	if len(errs) != 6 {
		t.Fatalf("want 6 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidate_HealthTargetRequired(t *testing.T) {
	cfg := Default()
	cfg.Health.Kind = "tcp"
	if errs := Validate(cfg); len(errs) != 1 {
		t.Fatalf("tcp probe without target must fail validation: %v", errs)
	}
	cfg.Health.Target = "db.internal:5432"
	if errs := Validate(cfg); len(errs) != 0 {
		t.Fatalf("valid tcp probe rejected: %v", errs)
	}
}

func TestLoad_CaseInsensitiveThreshold(t *testing.T) {
	path := writeConfig(t, "version: 1\nremediation:\n  threshold: MeDiUm\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threshold() != models.RiskMedium {
		t.Errorf("threshold = %s; want MEDIUM", cfg.Threshold())
	}
}
