package models

// RiskLevel classifies the exposure risk of a single rule.
// Levels are ordered: Low < Medium < High < Critical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// riskNames maps RiskLevel values to their wire/report form.
var riskNames = map[RiskLevel]string{
	RiskLow:      "LOW",
	RiskMedium:   "MEDIUM",
	RiskHigh:     "HIGH",
	RiskCritical: "CRITICAL",
}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return "LOW"
}

// ParseRiskLevel converts a report-form risk name ("LOW".."CRITICAL",
// case-sensitive) back into a RiskLevel. The second result is false for
// unrecognised input.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	for level, name := range riskNames {
		if name == s {
			return level, true
		}
	}
	return RiskLow, false
}

// MarshalText implements encoding.TextMarshaler so RiskLevel serialises as
// its name in JSON reports rather than as a bare integer.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(text []byte) error {
	if level, ok := ParseRiskLevel(string(text)); ok {
		*r = level
	} else {
		*r = RiskLow
	}
	return nil
}

// Direction identifies which way a rule permits traffic.
type Direction string

const (
	DirectionIngress Direction = "ingress"
	DirectionEgress  Direction = "egress"
)

// RuleSource is the origin a rule permits traffic from. Exactly one of
// CIDR or RuleSetRef is set: CIDR for an address-range source, RuleSetRef
// for a reference to another rule set (the safe form replacements use).
type RuleSource struct {
	CIDR       string `json:"cidr,omitempty"`
	RuleSetRef string `json:"rule_set_ref,omitempty"`
}

// IsRef reports whether the source is a rule-set reference.
func (s RuleSource) IsRef() bool { return s.RuleSetRef != "" }

func (s RuleSource) String() string {
	if s.IsRef() {
		return s.RuleSetRef
	}
	return s.CIDR
}

// AllPorts is the FromPort/ToPort sentinel for rules that cover every port
// (protocol "-1" in EC2 terms).
const AllPorts = -1

// Rule is a single permission entry within a RuleSet. Rules are value
// types: once classified within an audit pass they are superseded, never
// mutated, when remediation replaces them.
//
// FromPort/ToPort are both AllPorts for all-port rules; a single-port rule
// has FromPort == ToPort.
type Rule struct {
	Direction   Direction  `json:"direction"`
	Protocol    string     `json:"protocol"`
	FromPort    int        `json:"from_port"`
	ToPort      int        `json:"to_port"`
	Source      RuleSource `json:"source"`
	Description string     `json:"description,omitempty"`

	// Risk is derived by the classifier and excluded from content equality.
	Risk RiskLevel `json:"risk"`
}

// ContentEquals reports whether two rules describe the same permission,
// ignoring the derived risk level and the free-text description.
func (r Rule) ContentEquals(other Rule) bool {
	return r.Direction == other.Direction &&
		r.Protocol == other.Protocol &&
		r.FromPort == other.FromPort &&
		r.ToPort == other.ToPort &&
		r.Source == other.Source
}

// CoversPort reports whether the rule's port range includes port.
// All-port rules and protocol "-1" rules cover every port.
func (r Rule) CoversPort(port int) bool {
	if r.Protocol == "-1" || (r.FromPort == AllPorts && r.ToPort == AllPorts) {
		return true
	}
	return r.FromPort <= port && port <= r.ToPort
}

// AttachmentKind identifies the category of resource using a RuleSet.
type AttachmentKind string

const (
	AttachmentCompute          AttachmentKind = "compute"
	AttachmentLoadBalancer     AttachmentKind = "load_balancer"
	AttachmentDatabase         AttachmentKind = "database"
	AttachmentNetworkInterface AttachmentKind = "network_interface"
)

// AttachmentRef records that an external resource currently uses a RuleSet.
// It is a weak reference: the engine never owns the resource's lifecycle
// and only uses attachments to weight risk and veto destructive actions.
type AttachmentRef struct {
	Kind       AttachmentKind `json:"kind"`
	ResourceID string         `json:"resource_id"`
	Detail     string         `json:"detail,omitempty"`
}

// RuleSet is a named collection of rules, the engine's projection of a
// provider-side security group. The provider owns the authoritative copy.
//
// AttachmentsKnown is false when the usage analyzer could not enumerate
// attachments; the engine then assumes the RuleSet is attached and never
// selects it for deletion.
type RuleSet struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	VPCID            string          `json:"vpc_id,omitempty"`
	Region           string          `json:"region"`
	Rules            []Rule          `json:"rules"`
	Attachments      []AttachmentRef `json:"attachments,omitempty"`
	AttachmentsKnown bool            `json:"attachments_known"`
}

// Attached reports whether the RuleSet must be treated as in use. Unknown
// attachment state counts as attached (conservative).
func (rs RuleSet) Attached() bool {
	return !rs.AttachmentsKnown || len(rs.Attachments) > 0
}

// FindRule returns the index of the first rule content-equal to target,
// or -1 when absent.
func (rs RuleSet) FindRule(target Rule) int {
	for i, r := range rs.Rules {
		if r.ContentEquals(target) {
			return i
		}
	}
	return -1
}

// RulesContentEqual reports whether two rule slices carry the same
// permissions, ignoring derived fields and order. Providers treat a
// RuleSet's rules as an unordered set (a rolled-back removal is re-added
// at the end), so order must not count as a difference. Used by the
// executor's drift check and by rollback verification.
func RulesContentEqual(a, b []Rule) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for i := range a {
		matched := false
		for j := range b {
			if !used[j] && a[i].ContentEquals(b[j]) {
				used[j] = true
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
