package models

import "time"

// ActionKind is the type of state transition a RemediationAction performs.
type ActionKind string

const (
	ActionAddRestrictiveRule  ActionKind = "ADD_RESTRICTIVE_RULE"
	ActionRemoveOpenRule      ActionKind = "REMOVE_OPEN_RULE"
	ActionDeleteUnusedRuleSet ActionKind = "DELETE_UNUSED_RULE_SET"
)

// ActionState is the lifecycle state of a RemediationAction.
//
// Terminal states: Committed, RolledBack, RolledBackFailed, Invalidated.
// Planned is also terminal for actions dropped by cancellation or a dry run.
type ActionState string

const (
	StatePlanned          ActionState = "PLANNED"
	StateStaging          ActionState = "STAGING"
	StateValidating       ActionState = "VALIDATING"
	StateCommitted        ActionState = "COMMITTED"
	StateRollingBack      ActionState = "ROLLING_BACK"
	StateRolledBack       ActionState = "ROLLED_BACK"
	StateRolledBackFailed ActionState = "ROLLED_BACK_FAILED"
	StateInvalidated      ActionState = "INVALIDATED"
)

// RemediationAction is one planned change to a RuleSet. Created by the
// planner, mutated only by the executor.
type RemediationAction struct {
	// ID is deterministic within a session so that planning the same
	// inventory twice yields an identical action list.
	ID string `json:"id"`

	Kind        ActionKind `json:"kind"`
	Region      string     `json:"region"`
	RuleSetID   string     `json:"rule_set_id"`
	RuleSetName string     `json:"rule_set_name,omitempty"`

	// Rule is the payload: the rule to add or remove. Unset for
	// DeleteUnusedRuleSet actions.
	Rule Rule `json:"rule"`

	// Risk is the classification that justified planning this action.
	Risk RiskLevel `json:"risk"`

	// Reason is the human-readable justification carried into reports.
	Reason string `json:"reason"`

	// DependsOn names the action that must reach Committed before this one
	// may stage. Empty for independent actions.
	DependsOn string `json:"depends_on,omitempty"`

	// ManualFollowUp marks removals with no derivable safe replacement:
	// the exposure is closed but legitimate access for that port must be
	// restored by an operator.
	ManualFollowUp bool `json:"manual_follow_up,omitempty"`
}

// SkipReason explains why a RuleSet produced no actions.
type SkipReason string

const (
	SkipExcluded SkipReason = "excluded"
)

// SkippedRuleSet records a RuleSet the planner deliberately passed over.
// Exclusions are surfaced here rather than silently dropped.
type SkippedRuleSet struct {
	RuleSetID   string     `json:"rule_set_id"`
	RuleSetName string     `json:"rule_set_name,omitempty"`
	Region      string     `json:"region"`
	Reason      SkipReason `json:"reason"`
	Matched     string     `json:"matched,omitempty"`
}

// RemediationSession aggregates all actions for one audit run. It is
// created per invocation and discarded after the run; results survive only
// through the emitted reports.
type RemediationSession struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Threshold  RiskLevel `json:"threshold"`
	Exclusions []string  `json:"exclusions,omitempty"`

	Actions []RemediationAction `json:"actions"`
	Skipped []SkippedRuleSet    `json:"skipped,omitempty"`

	// Snapshot holds each targeted RuleSet's content as observed at plan
	// time, keyed by RuleSet ID. The executor compares it against a fresh
	// fetch to detect drift, and rollback verification compares against it
	// to confirm restoration.
	Snapshot map[string]RuleSet `json:"snapshot"`
}

// ActionsFor returns the session's actions targeting the given RuleSet,
// in planner order.
func (s *RemediationSession) ActionsFor(ruleSetID string) []RemediationAction {
	var out []RemediationAction
	for _, a := range s.Actions {
		if a.RuleSetID == ruleSetID {
			out = append(out, a)
		}
	}
	return out
}

// Transition is one timestamped state change recorded for an action.
type Transition struct {
	State ActionState `json:"state"`
	At    time.Time   `json:"at"`
}

// ActionResult is the per-action outcome in an ExecutionReport.
type ActionResult struct {
	ActionID    string       `json:"action_id"`
	Kind        ActionKind   `json:"kind"`
	RuleSetID   string       `json:"rule_set_id"`
	FinalState  ActionState  `json:"final_state"`
	Transitions []Transition `json:"transitions,omitempty"`

	// Attempts counts provider calls made while staging, including
	// throttled retries. Zero when staging was never entered.
	Attempts int `json:"attempts"`

	// NoOpRollback is true when the action terminated RolledBack without
	// any provider mutation having succeeded (retries exhausted or access
	// denied). Distinct from a health-triggered rollback.
	NoOpRollback bool `json:"no_op_rollback,omitempty"`

	// FailureReason carries the error classification for non-Committed
	// terminal states ("drift detected", "health check failed", ...).
	FailureReason string `json:"failure_reason,omitempty"`

	ManualFollowUp bool `json:"manual_follow_up,omitempty"`
}

// Verdict is the single top-level outcome of an execution run.
type Verdict string

const (
	// VerdictSuccess: every attempted action reached a clean terminal state.
	VerdictSuccess Verdict = "success"
	// VerdictDegraded: at least one rollback failed; operator attention needed.
	VerdictDegraded Verdict = "degraded"
	// VerdictFailed: zero actions could be attempted at all.
	VerdictFailed Verdict = "failed"
)

// ExecutionReport enumerates the terminal state, transition timestamps,
// and failure reason of every action in a session. It is the complete
// audit artifact for an apply run.
type ExecutionReport struct {
	SessionID  string    `json:"session_id"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Results []ActionResult `json:"results"`

	Verdict  Verdict `json:"verdict"`
	Degraded bool    `json:"degraded"`

	Committed   int `json:"committed"`
	RolledBack  int `json:"rolled_back"`
	Invalidated int `json:"invalidated"`
	Failed      int `json:"failed"`
}
