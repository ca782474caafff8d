// Package engine is the orchestration layer behind the CLI. It wires the
// collector, classifier, planner, and executor into three entry points:
// Audit, Plan, and Execute. The engine never calls the cloud SDK directly;
// all provider access goes through the narrow interfaces in
// internal/providers.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/buffnerd/sg-sentinel/internal/classify"
	"github.com/buffnerd/sg-sentinel/internal/inventory"
	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/plan"
	"github.com/buffnerd/sg-sentinel/internal/providers"
	"github.com/buffnerd/sg-sentinel/internal/remediate"
	"github.com/buffnerd/sg-sentinel/internal/usage"
)

// AuditOptions configures a read-only audit run.
type AuditOptions struct {
	// Regions to inventory. Must be non-empty.
	Regions []string

	// Threshold used for the at-or-above summary counter.
	Threshold models.RiskLevel

	// Classifier tunes the risk matrix. Zero value means defaults.
	Classifier classify.Config
}

// PlanOptions configures a planning run: an audit followed by plan
// synthesis over the classified inventory.
type PlanOptions struct {
	Regions []string
	Plan    plan.Options
}

// Engine coordinates the audit → plan → execute pipeline.
type Engine struct {
	rules    providers.RuleProvider
	analyzer *usage.Analyzer
	health   providers.HealthChecker
	clock    clock.Clock
	log      *zap.Logger
}

// New wires an Engine. health may be nil if Execute will not be called;
// clk may be nil (wall clock); log may be nil (no logging).
func New(
	rules providers.RuleProvider,
	attachments providers.AttachmentProvider,
	health providers.HealthChecker,
	clk clock.Clock,
	log *zap.Logger,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		rules:    rules,
		analyzer: usage.NewAnalyzer(attachments, log),
		health:   health,
		clock:    clk,
		log:      log,
	}
}

// Audit inventories the given regions, classifies every rule, and returns
// the findings report. It performs no mutating provider call.
func (e *Engine) Audit(ctx context.Context, opts AuditOptions) (*models.AuditReport, error) {
	inv, cfg, err := e.collect(ctx, opts.Regions, opts.Classifier)
	if err != nil {
		return nil, err
	}

	report := &models.AuditReport{
		ReportID:       fmt.Sprintf("audit-%d", e.clock.Now().UnixNano()),
		GeneratedAt:    e.clock.Now().UTC(),
		Regions:        append([]string(nil), opts.Regions...),
		SkippedRegions: inv.SkippedRegions,
		TotalRuleSets:  len(inv.RuleSets),
		Threshold:      opts.Threshold,
	}

	for _, rs := range inv.RuleSets {
		scored, summary := cfg.ClassifyRuleSet(rs)
		report.Findings = append(report.Findings, models.RuleSetFinding{
			RuleSetID:        scored.ID,
			RuleSetName:      scored.Name,
			Region:           scored.Region,
			OverallRisk:      summary.Overall,
			RiskCounts:       summary.Counts,
			Rules:            scored.Rules,
			Attachments:      scored.Attachments,
			AttachmentsKnown: scored.AttachmentsKnown,
		})
		if summary.Overall >= opts.Threshold {
			report.AtOrAbove++
		}
	}
	sortFindings(report.Findings)

	e.log.Info("audit complete",
		zap.String("report_id", report.ReportID),
		zap.Int("rule_sets", report.TotalRuleSets),
		zap.Int("at_or_above_threshold", report.AtOrAbove),
		zap.Int("skipped_regions", len(report.SkippedRegions)))
	return report, nil
}

// Plan inventories, classifies, and synthesizes a RemediationSession.
// Planning itself is pure; only the inventory collection touches the
// provider, and only with read calls.
func (e *Engine) Plan(ctx context.Context, opts PlanOptions) (*models.RemediationSession, error) {
	inv, cfg, err := e.collect(ctx, opts.Regions, opts.Plan.Classifier)
	if err != nil {
		return nil, err
	}

	classified := make([]models.RuleSet, 0, len(inv.RuleSets))
	for _, rs := range inv.RuleSets {
		scored, _ := cfg.ClassifyRuleSet(rs)
		classified = append(classified, scored)
	}

	planOpts := opts.Plan
	planOpts.Classifier = cfg
	session := plan.Plan(classified, planOpts)

	e.log.Info("plan complete",
		zap.String("session_id", session.ID),
		zap.Int("actions", len(session.Actions)),
		zap.Int("skipped", len(session.Skipped)))
	return session, nil
}

// Execute applies a previously planned session through the staged
// executor. The session should come from Plan against the same account;
// the executor's drift check invalidates anything that changed since.
func (e *Engine) Execute(ctx context.Context, session *models.RemediationSession, opts remediate.Options) (*models.ExecutionReport, error) {
	if e.health == nil && !opts.DryRun {
		return nil, fmt.Errorf("no health checker configured; refusing to apply changes without a rollback signal")
	}
	exec := remediate.NewExecutor(e.rules, e.analyzer, e.health, e.clock, e.log)
	report, err := exec.Execute(ctx, session, opts)
	if err != nil {
		return nil, err
	}

	e.log.Info("execution complete",
		zap.String("session_id", session.ID),
		zap.String("verdict", string(report.Verdict)),
		zap.Int("committed", report.Committed),
		zap.Int("rolled_back", report.RolledBack),
		zap.Int("invalidated", report.Invalidated),
		zap.Int("rollback_failures", report.Failed))
	return report, nil
}

// collect runs the inventory collector and normalizes the classifier
// config in one place.
func (e *Engine) collect(ctx context.Context, regions []string, cfg classify.Config) (*models.Inventory, classify.Config, error) {
	if cfg.SensitivePorts == nil {
		cfg = classify.DefaultConfig()
	}
	collector := inventory.NewCollector(e.rules, e.analyzer, e.log)
	inv, err := collector.Collect(ctx, regions)
	if err != nil {
		return nil, cfg, fmt.Errorf("collect inventory: %w", err)
	}
	return inv, cfg, nil
}

// sortFindings orders findings riskiest first, then by region and ID so
// reports are stable across runs.
func sortFindings(findings []models.RuleSetFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.OverallRisk != b.OverallRisk {
			return a.OverallRisk > b.OverallRisk
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		return a.RuleSetID < b.RuleSetID
	})
}
