// Package plan turns risk-classified rule sets into an ordered
// RemediationSession. Planning is side-effect free: it never calls the
// provider's mutating API and is idempotent over the same inventory
// snapshot.
package plan

import (
	"fmt"
	"net/netip"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/buffnerd/sg-sentinel/internal/classify"
	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/usage"
)

// Options configures a planning run.
type Options struct {
	// Threshold: rules below this risk level are left alone.
	Threshold models.RiskLevel

	// Exclusions are RuleSet IDs (exact match) or name globs
	// (path.Match syntax, e.g. "legacy-*"). Matching RuleSets are
	// reported as skipped, never silently dropped.
	Exclusions []string

	// AdminRuleSetID designates the bastion/admin RuleSet used as the
	// safe replacement source. Empty means no replacement is derivable
	// and removals are flagged for manual follow-up.
	AdminRuleSetID string

	// DeleteUnused enables DeleteUnusedRuleSet actions for RuleSets with
	// a confirmed-empty attachment set. Off by default.
	DeleteUnused bool

	// Classifier supplies the broad-CIDR threshold used to decide whether
	// a source is open enough to justify an admin-set replacement.
	Classifier classify.Config
}

// change is one planning unit: an optional restrictive add paired with a
// removal, or a rule-set deletion. Units are ordered as a whole so a pair
// always stays adjacent.
type change struct {
	risk        models.RiskLevel
	attachments int
	ruleSetID   string
	ruleIndex   int
	actions     []models.RemediationAction // IDs assigned after ordering
}

// Plan builds a RemediationSession from classified rule sets.
//
// Ordering policy: Critical first, then High, Medium, Low; within the same
// risk level, RuleSets with fewer attachments first (lower blast radius);
// remaining ties broken by RuleSet ID and rule position so the plan is
// deterministic. Deletions always order last.
func Plan(ruleSets []models.RuleSet, opts Options) *models.RemediationSession {
	session := &models.RemediationSession{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Threshold:  opts.Threshold,
		Exclusions: append([]string(nil), opts.Exclusions...),
		Snapshot:   map[string]models.RuleSet{},
	}

	var changes []change
	for _, rs := range ruleSets {
		if pattern, matched := excluded(rs, opts.Exclusions); matched {
			session.Skipped = append(session.Skipped, models.SkippedRuleSet{
				RuleSetID:   rs.ID,
				RuleSetName: rs.Name,
				Region:      rs.Region,
				Reason:      models.SkipExcluded,
				Matched:     pattern,
			})
			continue
		}

		targeted := false
		for i, rule := range rs.Rules {
			if rule.Risk < opts.Threshold {
				continue
			}
			changes = append(changes, ruleChange(rs, i, rule, opts))
			targeted = true
		}

		if opts.DeleteUnused && usage.DeletionSafe(rs) && rs.Name != "default" {
			changes = append(changes, change{
				risk:      models.RiskLow, // deletions always order last
				ruleSetID: rs.ID,
				ruleIndex: int(^uint(0) >> 1), // after any rule change in this set
				actions: []models.RemediationAction{{
					Kind:        models.ActionDeleteUnusedRuleSet,
					Region:      rs.Region,
					RuleSetID:   rs.ID,
					RuleSetName: rs.Name,
					Reason:      "rule set has no attachments and is unused",
				}},
			})
			targeted = true
		}

		if targeted {
			session.Snapshot[rs.ID] = rs
		}
	}

	orderChanges(changes)

	// Assign deterministic IDs and wire pair dependencies.
	n := 0
	for _, ch := range changes {
		var addID string
		for _, action := range ch.actions {
			n++
			action.ID = fmt.Sprintf("act-%03d", n)
			if action.Kind == models.ActionAddRestrictiveRule {
				addID = action.ID
			} else if action.Kind == models.ActionRemoveOpenRule && addID != "" {
				// The removal only stages once the paired add has
				// committed and survived the validation window.
				action.DependsOn = addID
			}
			session.Actions = append(session.Actions, action)
		}
	}

	return session
}

// ruleChange builds the add/remove pair (or lone removal) for one risky rule.
func ruleChange(rs models.RuleSet, index int, rule models.Rule, opts Options) change {
	ch := change{
		risk:        rule.Risk,
		attachments: len(rs.Attachments),
		ruleSetID:   rs.ID,
		ruleIndex:   index,
	}

	if replacement, ok := deriveReplacement(rule, opts); ok {
		ch.actions = append(ch.actions, models.RemediationAction{
			Kind:        models.ActionAddRestrictiveRule,
			Region:      rs.Region,
			RuleSetID:   rs.ID,
			RuleSetName: rs.Name,
			Rule:        replacement,
			Risk:        rule.Risk,
			Reason: fmt.Sprintf("replace %s source %s with admin rule set %s",
				portLabel(rule), rule.Source, opts.AdminRuleSetID),
		})
		ch.actions = append(ch.actions, models.RemediationAction{
			Kind:        models.ActionRemoveOpenRule,
			Region:      rs.Region,
			RuleSetID:   rs.ID,
			RuleSetName: rs.Name,
			Rule:        rule,
			Risk:        rule.Risk,
			Reason: fmt.Sprintf("%s risk: %s open to %s",
				rule.Risk, portLabel(rule), rule.Source),
		})
		return ch
	}

	// No safe replacement is derivable. The removal still closes the
	// exposure, but the engine does not invent destination CIDRs: the
	// operator must restore legitimate access by hand.
	ch.actions = append(ch.actions, models.RemediationAction{
		Kind:           models.ActionRemoveOpenRule,
		Region:         rs.Region,
		RuleSetID:      rs.ID,
		RuleSetName:    rs.Name,
		Rule:           rule,
		Risk:           rule.Risk,
		ManualFollowUp: true,
		Reason: fmt.Sprintf("%s risk: %s open to %s; no safe replacement derivable",
			rule.Risk, portLabel(rule), rule.Source),
	})
	return ch
}

// deriveReplacement returns the restrictive rule that supersedes an open
// one: same direction, protocol, and ports, sourced from the designated
// admin RuleSet. Only ingress rules with a universal or broad CIDR source
// qualify; narrower sources have no justified replacement.
func deriveReplacement(rule models.Rule, opts Options) (models.Rule, bool) {
	if opts.AdminRuleSetID == "" || rule.Direction != models.DirectionIngress || rule.Source.IsRef() {
		return models.Rule{}, false
	}
	if !openCIDR(rule.Source.CIDR, opts.Classifier.BroadPrefixThresholdBits) {
		return models.Rule{}, false
	}
	replacement := rule
	replacement.Source = models.RuleSource{RuleSetRef: opts.AdminRuleSetID}
	replacement.Description = "restricted replacement for " + rule.Source.String()
	replacement.Risk = models.RiskLow
	return replacement, true
}

// openCIDR reports whether cidr is universal or broad per the classifier
// threshold.
func openCIDR(cidr string, thresholdBits int) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Bits() == 0 || prefix.Bits() < thresholdBits
}

// excluded reports whether rs matches the exclusion list, and which entry
// matched. Entries match the RuleSet ID exactly or the name as a glob.
func excluded(rs models.RuleSet, exclusions []string) (string, bool) {
	for _, pattern := range exclusions {
		if pattern == rs.ID {
			return pattern, true
		}
		if ok, err := path.Match(pattern, rs.Name); err == nil && ok {
			return pattern, true
		}
	}
	return "", false
}

// orderChanges sorts planning units by risk desc, attachment count asc,
// RuleSet ID, rule position. Deletions carry risk Low and the maximum rule
// position, so they land after all rule work.
func orderChanges(changes []change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.risk != b.risk {
			return a.risk > b.risk
		}
		if a.attachments != b.attachments {
			return a.attachments < b.attachments
		}
		if a.ruleSetID != b.ruleSetID {
			return a.ruleSetID < b.ruleSetID
		}
		return a.ruleIndex < b.ruleIndex
	})
}

func portLabel(rule models.Rule) string {
	switch {
	case rule.Protocol == "-1":
		return "all traffic"
	case rule.FromPort == models.AllPorts:
		return fmt.Sprintf("%s all ports", rule.Protocol)
	case rule.FromPort == rule.ToPort:
		return fmt.Sprintf("%s/%d", rule.Protocol, rule.FromPort)
	default:
		return fmt.Sprintf("%s/%d-%d", rule.Protocol, rule.FromPort, rule.ToPort)
	}
}
