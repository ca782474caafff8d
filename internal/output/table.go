// Package output renders audit reports, remediation plans, and execution
// reports for the terminal (table) and for files or pipelines (JSON).
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/buffnerd/sg-sentinel/internal/models"
)

// ANSI color codes for risk output (used when Colored=true).
const (
	ansiReset   = "\033[0m"
	ansiBoldRed = "\033[1;31m"
	ansiRed     = "\033[0;31m"
	ansiYellow  = "\033[0;33m"
	ansiBlue    = "\033[0;34m"
)

// Options controls rendering.
type Options struct {
	// Colored wraps risk labels with ANSI codes. Default false (CI-safe).
	Colored bool
}

// ColorRisk wraps a risk label with ANSI codes when colored is true.
func ColorRisk(risk models.RiskLevel, colored bool) string {
	s := risk.String()
	if !colored {
		return s
	}
	switch risk {
	case models.RiskCritical:
		return ansiBoldRed + s + ansiReset
	case models.RiskHigh:
		return ansiRed + s + ansiReset
	case models.RiskMedium:
		return ansiYellow + s + ansiReset
	default:
		return ansiBlue + s + ansiReset
	}
}

// WriteJSON marshals v indented to w. Used for --output json and the
// --report file.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// RenderAuditTable writes the findings table: one row per rule set,
// riskiest first (the report is already sorted that way).
func RenderAuditTable(w io.Writer, report *models.AuditReport, opts Options) {
	if len(report.Findings) == 0 {
		fmt.Fprintln(w, "No rule sets found.")
		return
	}

	table := newTable(w, []string{"RULE SET", "NAME", "REGION", "RISK", "RULES", "ATTACHED"})
	for _, f := range report.Findings {
		table.Append([]string{
			f.RuleSetID,
			f.RuleSetName,
			f.Region,
			ColorRisk(f.OverallRisk, opts.Colored),
			riskBreakdown(f.RiskCounts),
			attachmentCell(f),
		})
	}
	table.Render()

	fmt.Fprintf(w, "\n%d rule sets audited, %d at or above %s\n",
		report.TotalRuleSets, report.AtOrAbove, report.Threshold)
	for _, skipped := range report.SkippedRegions {
		fmt.Fprintf(w, "warning: region %s skipped: %s\n", skipped.Region, skipped.Error)
	}
}

// RenderPlanTable writes the ordered action list of a session.
func RenderPlanTable(w io.Writer, session *models.RemediationSession, opts Options) {
	if len(session.Actions) == 0 {
		fmt.Fprintln(w, "Nothing to remediate.")
	} else {
		table := newTable(w, []string{"#", "ACTION", "RULE SET", "REGION", "RISK", "REASON"})
		for _, a := range session.Actions {
			reason := a.Reason
			if a.ManualFollowUp {
				reason += " [manual follow-up]"
			}
			table.Append([]string{
				a.ID,
				string(a.Kind),
				a.RuleSetID,
				a.Region,
				ColorRisk(a.Risk, opts.Colored),
				reason,
			})
		}
		table.Render()
	}

	for _, s := range session.Skipped {
		fmt.Fprintf(w, "skipped %s (%s): excluded by %q\n", s.RuleSetID, s.RuleSetName, s.Matched)
	}
	fmt.Fprintf(w, "\nsession %s: %d actions, %d rule sets excluded\n",
		session.ID, len(session.Actions), len(session.Skipped))
}

// RenderExecutionTable writes per-action outcomes and the run verdict.
func RenderExecutionTable(w io.Writer, report *models.ExecutionReport, opts Options) {
	if len(report.Results) > 0 {
		table := newTable(w, []string{"#", "ACTION", "RULE SET", "STATE", "ATTEMPTS", "DETAIL"})
		for _, r := range report.Results {
			detail := r.FailureReason
			if r.NoOpRollback {
				detail += " (no changes were applied)"
			}
			if r.ManualFollowUp && r.FinalState == models.StateCommitted {
				detail = "manual follow-up: restore legitimate access by hand"
			}
			table.Append([]string{
				r.ActionID,
				string(r.Kind),
				r.RuleSetID,
				string(r.FinalState),
				fmt.Sprintf("%d", r.Attempts),
				strings.TrimSpace(detail),
			})
		}
		table.Render()
	}

	if report.DryRun {
		fmt.Fprintf(w, "\ndry run: %d actions would be attempted\n", len(report.Results))
		return
	}
	fmt.Fprintf(w, "\nverdict: %s (%d committed, %d rolled back, %d invalidated, %d rollback failures)\n",
		report.Verdict, report.Committed, report.RolledBack, report.Invalidated, report.Failed)
	if report.Failed > 0 {
		fmt.Fprintln(w, "ROLLBACK FAILURES PRESENT: inspect the affected rule sets immediately")
	}
}

// riskBreakdown formats non-zero counts as "2 CRITICAL, 1 LOW".
func riskBreakdown(counts map[string]int) string {
	var parts []string
	for _, level := range []models.RiskLevel{models.RiskCritical, models.RiskHigh, models.RiskMedium, models.RiskLow} {
		if n := counts[level.String()]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, level))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func attachmentCell(f models.RuleSetFinding) string {
	if !f.AttachmentsKnown {
		return "unknown"
	}
	return fmt.Sprintf("%d", len(f.Attachments))
}
