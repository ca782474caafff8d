// Package classify scores rules for exposure risk. Classification is a
// pure function of (port, protocol, source breadth) over an explicit
// Config; it holds no state and never touches the network.
package classify

import (
	"net/netip"

	"github.com/buffnerd/sg-sentinel/internal/models"
)

// Config is the classification surface. All thresholds live here rather
// than in per-rule conditionals.
type Config struct {
	// SensitivePorts are ports that must never be open to the internet
	// (remote admin, databases, caches).
	SensitivePorts map[int]bool

	// BroadPrefixThresholdBits: a CIDR whose prefix length is strictly
	// below this bit count is considered "broad".
	BroadPrefixThresholdBits int

	// SensitiveProtocols are the protocols classification applies to.
	// Protocol "-1" (all) is always in scope.
	SensitiveProtocols map[string]bool
}

// defaultSensitivePorts mirrors the remote-admin and datastore ports the
// audit has always flagged: SSH, RDP, MSSQL, MySQL, Postgres, Redis,
// MongoDB, CouchDB, Elasticsearch, Memcached.
var defaultSensitivePorts = []int{22, 3389, 1433, 3306, 5432, 6379, 27017, 5984, 9200, 11211}

// DefaultConfig returns the stock classification constants.
func DefaultConfig() Config {
	ports := make(map[int]bool, len(defaultSensitivePorts))
	for _, p := range defaultSensitivePorts {
		ports[p] = true
	}
	return Config{
		SensitivePorts:           ports,
		BroadPrefixThresholdBits: 16,
		SensitiveProtocols:       map[string]bool{"tcp": true, "udp": true},
	}
}

// breadth buckets a rule source by how much address space it admits.
type breadth int

const (
	breadthNarrow breadth = iota
	breadthBroad
	breadthUniversal
)

// sourceBreadth classifies the source specifier. Rule-set references are
// narrow: traffic is constrained to members of the referenced set.
// Unparseable CIDRs are treated as narrow rather than guessed at.
func (c Config) sourceBreadth(src models.RuleSource) breadth {
	if src.IsRef() {
		return breadthNarrow
	}
	prefix, err := netip.ParsePrefix(src.CIDR)
	if err != nil {
		return breadthNarrow
	}
	if prefix.Bits() == 0 {
		return breadthUniversal // 0.0.0.0/0 or ::/0
	}
	if prefix.Bits() < c.BroadPrefixThresholdBits {
		return breadthBroad
	}
	return breadthNarrow
}

// exposesSensitivePort reports whether the rule's port range covers any
// configured sensitive port.
func (c Config) exposesSensitivePort(rule models.Rule) bool {
	for port := range c.SensitivePorts {
		if rule.CoversPort(port) {
			return true
		}
	}
	return false
}

// Classify scores a single rule. Deterministic: equal inputs always yield
// equal risk levels.
//
// Matrix (ingress, in-scope protocol):
//
//	universal + sensitive port  → Critical
//	universal + other port      → High
//	broad     + sensitive port  → High
//	broad     + other port      → Medium
//	narrow    + sensitive port  → Medium
//	narrow    + other port      → Low
//
// Egress rules and out-of-scope protocols are Low.
func (c Config) Classify(rule models.Rule) models.RiskLevel {
	if rule.Direction == models.DirectionEgress {
		return models.RiskLow
	}
	if rule.Protocol != "-1" && !c.SensitiveProtocols[rule.Protocol] {
		return models.RiskLow
	}

	sensitive := c.exposesSensitivePort(rule)
	switch c.sourceBreadth(rule.Source) {
	case breadthUniversal:
		if sensitive {
			return models.RiskCritical
		}
		return models.RiskHigh
	case breadthBroad:
		if sensitive {
			return models.RiskHigh
		}
		return models.RiskMedium
	default:
		if sensitive {
			return models.RiskMedium
		}
		return models.RiskLow
	}
}

// Summary is the aggregate classification of one RuleSet.
type Summary struct {
	// Counts maps risk names ("LOW".."CRITICAL") to rule counts.
	Counts map[string]int
	// Overall is the maximum individual rule risk.
	Overall models.RiskLevel
}

// ClassifyRuleSet scores every rule in rs independently (rules differing
// only in protocol are never merged) and returns a copy of rs with Risk
// stamped on each rule, plus the aggregate summary.
func (c Config) ClassifyRuleSet(rs models.RuleSet) (models.RuleSet, Summary) {
	out := rs
	out.Rules = make([]models.Rule, len(rs.Rules))
	summary := Summary{Counts: map[string]int{}}
	for i, rule := range rs.Rules {
		rule.Risk = c.Classify(rule)
		out.Rules[i] = rule
		summary.Counts[rule.Risk.String()]++
		if rule.Risk > summary.Overall {
			summary.Overall = rule.Risk
		}
	}
	return out, summary
}
