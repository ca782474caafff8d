// Package remediate applies a RemediationSession in small reversible
// steps. Every action walks an explicit state machine:
//
//	Planned → Staging → Validating → Committed          (success)
//	Planned → Staging → ... → RollingBack → RolledBack  (abort)
//	Planned → Invalidated                               (drift / vetoed)
//
// Actions targeting different RuleSets run concurrently; actions on the
// same RuleSet are strictly serialized in planner order. A rollback that
// itself fails terminates in RolledBackFailed and flags the whole run
// degraded instead of retrying forever.
package remediate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/providers"
	"github.com/buffnerd/sg-sentinel/internal/usage"
)

// Options configures one execution run.
type Options struct {
	// DryRun reports what would be attempted without any provider call.
	DryRun bool

	// SettleInterval is the wait between a successful mutating call and
	// the health check. Zero is allowed (tests, emergencies).
	SettleInterval time.Duration

	// MaxAttempts bounds staging calls per action, throttled retries
	// included. Defaults to 4.
	MaxAttempts int

	// MaxConcurrentRuleSets bounds cross-RuleSet parallelism. Defaults to 4.
	MaxConcurrentRuleSets int

	// HealthTimeout bounds a single health probe. Defaults to 30s.
	HealthTimeout time.Duration

	// RetryBaseDelay is the first backoff step for throttled provider
	// calls. Defaults to 500ms; tests shrink it.
	RetryBaseDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.MaxConcurrentRuleSets <= 0 {
		o.MaxConcurrentRuleSets = 4
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 30 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = retryBaseDelay
	}
	return o
}

// DefaultSettleInterval mirrors the operationally proven five minute
// validation window.
const DefaultSettleInterval = 5 * time.Minute

// retryBaseDelay is the first backoff step for throttled provider calls.
const retryBaseDelay = 500 * time.Millisecond

// Executor drives a session to completion. Construct with NewExecutor.
type Executor struct {
	rules    providers.RuleProvider
	analyzer *usage.Analyzer
	health   providers.HealthChecker
	clock    clock.Clock
	log      *zap.Logger
}

// NewExecutor wires an Executor. clk may be nil (wall clock); log may be
// nil (no logging).
func NewExecutor(
	rules providers.RuleProvider,
	analyzer *usage.Analyzer,
	health providers.HealthChecker,
	clk clock.Clock,
	log *zap.Logger,
) *Executor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{rules: rules, analyzer: analyzer, health: health, clock: clk, log: log}
}

// actionRun is the executor's mutable record for one action.
type actionRun struct {
	action models.RemediationAction
	result models.ActionResult
}

func (r *actionRun) transition(state models.ActionState, at time.Time) {
	r.result.FinalState = state
	r.result.Transitions = append(r.result.Transitions, models.Transition{State: state, At: at})
}

// run-wide shared state. states is the only cross-goroutine lookup
// (prerequisite checks); each actionRun is owned by exactly one goroutine.
type runState struct {
	mu     sync.Mutex
	states map[string]models.ActionState
}

func (s *runState) set(id string, state models.ActionState) {
	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()
}

func (s *runState) get(id string) models.ActionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st
	}
	return models.StatePlanned
}

// Execute applies the session and returns the per-action report.
//
// Cancellation: ctx gates the start of each action. Still-Planned actions
// are dropped when ctx is cancelled; an action already past Planned
// finishes its settle/validate/rollback cycle on a detached context so
// nothing is left half-applied.
func (e *Executor) Execute(ctx context.Context, session *models.RemediationSession, opts Options) (*models.ExecutionReport, error) {
	if session == nil {
		return nil, fmt.Errorf("nil session")
	}
	opts = opts.withDefaults()

	started := e.clock.Now().UTC()
	runs := make(map[string]*actionRun, len(session.Actions))
	for _, a := range session.Actions {
		runs[a.ID] = &actionRun{
			action: a,
			result: models.ActionResult{
				ActionID:       a.ID,
				Kind:           a.Kind,
				RuleSetID:      a.RuleSetID,
				FinalState:     models.StatePlanned,
				ManualFollowUp: a.ManualFollowUp,
			},
		}
	}

	if opts.DryRun {
		e.log.Info("dry run: no changes will be applied",
			zap.String("session_id", session.ID),
			zap.Int("actions", len(session.Actions)))
		return e.report(session, runs, started, opts), nil
	}

	state := &runState{states: make(map[string]models.ActionState)}

	// Group actions by RuleSet, preserving planner order within a group
	// and the order groups first appear. Groups fan out; each group runs
	// strictly sequentially: provider-side mutation of one RuleSet is
	// not safely concurrent with itself.
	var groupOrder []string
	groups := make(map[string][]*actionRun)
	for _, a := range session.Actions {
		if _, ok := groups[a.RuleSetID]; !ok {
			groupOrder = append(groupOrder, a.RuleSetID)
		}
		groups[a.RuleSetID] = append(groups[a.RuleSetID], runs[a.ID])
	}

	sem := make(chan struct{}, opts.MaxConcurrentRuleSets)
	g := new(errgroup.Group)
	for _, ruleSetID := range groupOrder {
		ruleSetID := ruleSetID
		group := groups[ruleSetID]
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			e.runGroup(ctx, session, ruleSetID, group, state, opts)
			return nil
		})
	}
	_ = g.Wait() // group errors are recorded per action, never returned

	return e.report(session, runs, started, opts), nil
}

// runGroup executes all actions for one RuleSet in order. It holds the
// RuleSet's serialization slot for the whole stage+validate+commit of each
// action before moving to the next.
func (e *Executor) runGroup(
	ctx context.Context,
	session *models.RemediationSession,
	ruleSetID string,
	group []*actionRun,
	state *runState,
	opts Options,
) {
	log := e.log.With(zap.String("rule_set_id", ruleSetID))

	// A cancelled run leaves still-Planned actions as-is. The drift fetch
	// is skipped on a dead context: it would fail and mislabel the whole
	// group as drifted.
	var drifted bool
	var driftReason string
	if ctx.Err() == nil {
		drifted, driftReason = e.checkDrift(ctx, session, ruleSetID)
	}

	for _, run := range group {
		if ctx.Err() != nil {
			// Still Planned: dropped, terminal as-is.
			run.result.FailureReason = "run cancelled before action started"
			state.set(run.action.ID, models.StatePlanned)
			log.Info("action dropped by cancellation", zap.String("action_id", run.action.ID))
			continue
		}
		if drifted {
			e.invalidate(run, state, driftReason)
			continue
		}
		if dep := run.action.DependsOn; dep != "" && state.get(dep) != models.StateCommitted {
			e.invalidate(run, state, fmt.Sprintf("prerequisite %s is %s, not committed", dep, state.get(dep)))
			continue
		}
		if run.action.Kind == models.ActionDeleteUnusedRuleSet {
			if reason, vetoed := e.deleteVeto(ctx, run.action); vetoed {
				e.invalidate(run, state, reason)
				continue
			}
		}

		// Past this point the action must reach a terminal state even if
		// the run is cancelled, so it proceeds on a detached context.
		e.runAction(context.WithoutCancel(ctx), ctx, run, state, opts, log)
	}
}

// checkDrift re-fetches the RuleSet and compares its rule content against
// the planner-time snapshot. Any mismatch, or any failure to verify,
// invalidates the group rather than blindly applying stale actions.
func (e *Executor) checkDrift(ctx context.Context, session *models.RemediationSession, ruleSetID string) (bool, string) {
	snapshot, ok := session.Snapshot[ruleSetID]
	if !ok {
		return true, "no planner snapshot for rule set"
	}
	current, err := e.rules.GetRuleSet(ctx, snapshot.Region, ruleSetID)
	if err != nil {
		if providers.IsNotFound(err) {
			return true, "drift detected: rule set no longer exists"
		}
		return true, fmt.Sprintf("drift check failed: %v", err)
	}
	if !models.RulesContentEqual(current.Rules, snapshot.Rules) {
		return true, "drift detected: rule content changed since planning"
	}
	return false, ""
}

// deleteVeto re-checks attachments immediately before a destructive
// delete. Unknown attachment state vetoes the delete.
func (e *Executor) deleteVeto(ctx context.Context, action models.RemediationAction) (string, bool) {
	refs, known := e.analyzer.Attachments(ctx, action.Region, action.RuleSetID)
	if !known {
		return "attachment state unknown; deletion vetoed", true
	}
	if len(refs) > 0 {
		return fmt.Sprintf("rule set has %d attachment(s); deletion vetoed", len(refs)), true
	}
	return "", false
}

func (e *Executor) invalidate(run *actionRun, state *runState, reason string) {
	run.transition(models.StateInvalidated, e.clock.Now().UTC())
	run.result.FailureReason = reason
	state.set(run.action.ID, models.StateInvalidated)
	e.log.Warn("action invalidated",
		zap.String("action_id", run.action.ID),
		zap.String("reason", reason))
}

// runAction drives one action through staging, settle, validation, and
// commit or rollback. actx is detached from cancellation; runCtx is the
// cancellable run context, consulted only to cut the settle wait short.
func (e *Executor) runAction(
	actx, runCtx context.Context,
	run *actionRun,
	state *runState,
	opts Options,
	log *zap.Logger,
) {
	action := run.action
	log = log.With(zap.String("action_id", action.ID), zap.String("kind", string(action.Kind)))

	run.transition(models.StateStaging, e.clock.Now().UTC())
	state.set(action.ID, models.StateStaging)
	log.Info("staging")

	if err := e.stage(actx, run, opts); err != nil {
		// The mutating call never succeeded, so nothing needs undoing:
		// this is a no-op rollback, logged distinctly from a
		// health-triggered one.
		run.transition(models.StateRolledBack, e.clock.Now().UTC())
		run.result.NoOpRollback = true
		run.result.FailureReason = stagingFailureReason(err)
		state.set(action.ID, models.StateRolledBack)
		log.Warn("staging failed; no-op rollback",
			zap.Int("attempts", run.result.Attempts), zap.Error(err))
		return
	}

	e.settle(runCtx, opts.SettleInterval)

	run.transition(models.StateValidating, e.clock.Now().UTC())
	state.set(action.ID, models.StateValidating)

	healthy, healthErr := e.probeHealth(actx, opts.HealthTimeout)
	if healthy {
		run.transition(models.StateCommitted, e.clock.Now().UTC())
		state.set(action.ID, models.StateCommitted)
		log.Info("committed")
		return
	}

	reason := "health check failed"
	if healthErr != nil {
		reason = fmt.Sprintf("health check error: %v", healthErr)
	}
	run.transition(models.StateRollingBack, e.clock.Now().UTC())
	state.set(action.ID, models.StateRollingBack)
	log.Warn("health check unhealthy; rolling back", zap.String("reason", reason))

	if err := e.rollback(actx, action, opts); err != nil {
		run.transition(models.StateRolledBackFailed, e.clock.Now().UTC())
		run.result.FailureReason = fmt.Sprintf("%s; rollback failed: %v", reason, err)
		state.set(action.ID, models.StateRolledBackFailed)
		// Fatal operator alert: retrying indefinitely would flap rules.
		log.Error("ROLLBACK FAILED, manual intervention required",
			zap.String("rule_set_id", action.RuleSetID), zap.Error(err))
		return
	}

	run.transition(models.StateRolledBack, e.clock.Now().UTC())
	run.result.FailureReason = reason
	state.set(action.ID, models.StateRolledBack)
	log.Info("rolled back cleanly")
}

// stage performs the action's mutating provider call with bounded
// exponential backoff. Only throttling errors are retried.
func (e *Executor) stage(ctx context.Context, run *actionRun, opts Options) error {
	backoff := retry.WithMaxRetries(uint64(opts.MaxAttempts-1), retry.NewExponential(opts.RetryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		run.result.Attempts++
		err := e.apply(ctx, run.action)
		if err != nil && providers.IsThrottled(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// apply issues the forward provider call for an action.
func (e *Executor) apply(ctx context.Context, action models.RemediationAction) error {
	switch action.Kind {
	case models.ActionAddRestrictiveRule:
		return e.rules.AddRule(ctx, action.Region, action.RuleSetID, action.Rule)
	case models.ActionRemoveOpenRule:
		return e.rules.RemoveRule(ctx, action.Region, action.RuleSetID, action.Rule)
	case models.ActionDeleteUnusedRuleSet:
		return e.rules.DeleteRuleSet(ctx, action.Region, action.RuleSetID)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// rollback issues the inverse provider call: remove what was added, re-add
// what was removed. A deleted RuleSet cannot be recreated by the engine,
// which is why deletes are vetoed up front rather than rolled back.
func (e *Executor) rollback(ctx context.Context, action models.RemediationAction, opts Options) error {
	var inverse func(context.Context) error
	switch action.Kind {
	case models.ActionAddRestrictiveRule:
		inverse = func(ctx context.Context) error {
			return e.rules.RemoveRule(ctx, action.Region, action.RuleSetID, action.Rule)
		}
	case models.ActionRemoveOpenRule:
		inverse = func(ctx context.Context) error {
			return e.rules.AddRule(ctx, action.Region, action.RuleSetID, action.Rule)
		}
	case models.ActionDeleteUnusedRuleSet:
		return fmt.Errorf("rule set deletion cannot be rolled back")
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}

	backoff := retry.WithMaxRetries(uint64(opts.MaxAttempts-1), retry.NewExponential(opts.RetryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := inverse(ctx)
		if err != nil && providers.IsThrottled(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// settle waits the configured interval on the injected clock. The wait is
// a cancellable timer: a run cancellation cuts it short and validation
// proceeds immediately so the action still reaches a terminal state.
func (e *Executor) settle(runCtx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	timer := e.clock.Timer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-runCtx.Done():
	}
}

// probeHealth consults the health collaborator with a bounded deadline.
func (e *Executor) probeHealth(ctx context.Context, timeout time.Duration) (bool, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	healthy, err := e.health.IsHealthy(hctx)
	if err != nil {
		return false, err
	}
	return healthy, nil
}

func stagingFailureReason(err error) string {
	switch {
	case providers.IsThrottled(err):
		return fmt.Sprintf("staging retries exhausted (throttled): %v", err)
	case providers.IsDenied(err):
		return fmt.Sprintf("provider denied: %v", err)
	case providers.IsNotFound(err):
		return fmt.Sprintf("target not found: %v", err)
	default:
		return fmt.Sprintf("staging failed: %v", err)
	}
}

// report assembles the final ExecutionReport in session action order.
func (e *Executor) report(
	session *models.RemediationSession,
	runs map[string]*actionRun,
	started time.Time,
	opts Options,
) *models.ExecutionReport {
	rep := &models.ExecutionReport{
		SessionID:  session.ID,
		DryRun:     opts.DryRun,
		StartedAt:  started,
		FinishedAt: e.clock.Now().UTC(),
	}

	attempted := 0
	for _, a := range session.Actions {
		run := runs[a.ID]
		rep.Results = append(rep.Results, run.result)
		switch run.result.FinalState {
		case models.StateCommitted:
			rep.Committed++
			attempted++
		case models.StateRolledBack:
			rep.RolledBack++
			attempted++
		case models.StateRolledBackFailed:
			rep.Failed++
			rep.Degraded = true
			attempted++
		case models.StateInvalidated:
			rep.Invalidated++
		}
	}

	switch {
	case opts.DryRun || len(session.Actions) == 0:
		rep.Verdict = models.VerdictSuccess
	case rep.Degraded:
		rep.Verdict = models.VerdictDegraded
	case attempted == 0:
		rep.Verdict = models.VerdictFailed
	default:
		rep.Verdict = models.VerdictSuccess
	}
	return rep
}
