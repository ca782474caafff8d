package models

import "time"

// RegionFailure records a region whose inventory fetch failed and was
// skipped rather than aborting the run.
type RegionFailure struct {
	Region string `json:"region"`
	Error  string `json:"error"`
}

// Inventory is the immutable per-run snapshot produced by the collector
// and passed explicitly to the classifier and planner. There is no shared
// mutable inventory cache.
type Inventory struct {
	CollectedAt    time.Time       `json:"collected_at"`
	RuleSets       []RuleSet       `json:"rule_sets"`
	SkippedRegions []RegionFailure `json:"skipped_regions,omitempty"`
}

// RuleSetFinding is the classified audit view of one RuleSet.
type RuleSetFinding struct {
	RuleSetID        string          `json:"rule_set_id"`
	RuleSetName      string          `json:"rule_set_name,omitempty"`
	Region           string          `json:"region"`
	OverallRisk      RiskLevel       `json:"overall_risk"`
	RiskCounts       map[string]int  `json:"risk_counts"`
	Rules            []Rule          `json:"rules"`
	Attachments      []AttachmentRef `json:"attachments,omitempty"`
	AttachmentsKnown bool            `json:"attachments_known"`
}

// AuditReport is the read-only output of an audit run.
type AuditReport struct {
	ReportID       string           `json:"report_id"`
	GeneratedAt    time.Time        `json:"generated_at"`
	Regions        []string         `json:"regions"`
	SkippedRegions []RegionFailure  `json:"skipped_regions,omitempty"`
	Findings       []RuleSetFinding `json:"findings"`

	TotalRuleSets int       `json:"total_rule_sets"`
	AtOrAbove     int       `json:"rule_sets_at_or_above_threshold"`
	Threshold     RiskLevel `json:"threshold"`
}
