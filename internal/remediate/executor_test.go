package remediate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/buffnerd/sg-sentinel/internal/classify"
	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/plan"
	"github.com/buffnerd/sg-sentinel/internal/providers"
	"github.com/buffnerd/sg-sentinel/internal/usage"
)

// fakeRuleStore is an in-memory RuleProvider with scriptable per-op
// failures and a call log.
type fakeRuleStore struct {
	mu      sync.Mutex
	sets    map[string]*models.RuleSet
	addErrs []error // consumed per AddRule call
	rmErrs  []error // consumed per RemoveRule call
	calls   []string
}

func newFakeRuleStore(sets ...models.RuleSet) *fakeRuleStore {
	f := &fakeRuleStore{sets: map[string]*models.RuleSet{}}
	for _, rs := range sets {
		copied := rs
		copied.Rules = append([]models.Rule(nil), rs.Rules...)
		f.sets[rs.ID] = &copied
	}
	return f
}

func (f *fakeRuleStore) logCall(op string) {
	f.calls = append(f.calls, op)
}

func (f *fakeRuleStore) ListRuleSets(_ context.Context, region string) ([]models.RuleSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RuleSet
	for _, rs := range f.sets {
		if rs.Region == region {
			out = append(out, *rs)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) GetRuleSet(ctx context.Context, _, id string) (*models.RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, providers.NewError(providers.KindUnavailable, "GetRuleSet", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.sets[id]
	if !ok {
		return nil, providers.NewError(providers.KindNotFound, "GetRuleSet", errors.New(id))
	}
	copied := *rs
	copied.Rules = append([]models.Rule(nil), rs.Rules...)
	return &copied, nil
}

func (f *fakeRuleStore) AddRule(_ context.Context, _, id string, rule models.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCall("add:" + id)
	if len(f.addErrs) > 0 {
		err := f.addErrs[0]
		f.addErrs = f.addErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sets[id].Rules = append(f.sets[id].Rules, rule)
	return nil
}

func (f *fakeRuleStore) RemoveRule(_ context.Context, _, id string, rule models.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCall("remove:" + id)
	if len(f.rmErrs) > 0 {
		err := f.rmErrs[0]
		f.rmErrs = f.rmErrs[1:]
		if err != nil {
			return err
		}
	}
	rs := f.sets[id]
	for i, r := range rs.Rules {
		if r.ContentEquals(rule) {
			rs.Rules = append(rs.Rules[:i], rs.Rules[i+1:]...)
			return nil
		}
	}
	return providers.NewError(providers.KindNotFound, "RemoveRule", errors.New("no matching rule"))
}

func (f *fakeRuleStore) DeleteRuleSet(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCall("delete:" + id)
	if _, ok := f.sets[id]; !ok {
		return providers.NewError(providers.KindNotFound, "DeleteRuleSet", errors.New(id))
	}
	delete(f.sets, id)
	return nil
}

func (f *fakeRuleStore) rules(id string) []models.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rs, ok := f.sets[id]; ok {
		return append([]models.Rule(nil), rs.Rules...)
	}
	return nil
}

// fakeHealth serves a scripted sequence of probe results, repeating the
// last entry once exhausted.
type fakeHealth struct {
	mu      sync.Mutex
	results []bool
	errs    []error
	probes  int
}

func (f *fakeHealth) IsHealthy(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	i := f.probes - 1
	if len(f.errs) > 0 {
		if i >= len(f.errs) {
			i = len(f.errs) - 1
		}
		if err := f.errs[i]; err != nil {
			return false, err
		}
	}
	if len(f.results) == 0 {
		return true, nil
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

type fakeAttach struct {
	refs map[string][]models.AttachmentRef
	errs map[string]error
}

func (f *fakeAttach) ListAttachments(_ context.Context, _, id string) ([]models.AttachmentRef, error) {
	if f.errs != nil {
		if err := f.errs[id]; err != nil {
			return nil, err
		}
	}
	return f.refs[id], nil
}

func openSSH() models.Rule {
	return models.Rule{
		Direction: models.DirectionIngress,
		Protocol:  "tcp",
		FromPort:  22,
		ToPort:    22,
		Source:    models.RuleSource{CIDR: "0.0.0.0/0"},
	}
}

// planSGA builds the canonical sg-A session: open SSH, zero attachments,
// Critical threshold, admin replacement configured.
func planSGA(t *testing.T, store *fakeRuleStore) *models.RemediationSession {
	t.Helper()
	cfg := classify.DefaultConfig()
	rs, err := store.GetRuleSet(context.Background(), "us-east-1", "sg-A")
	if err != nil {
		t.Fatalf("seed rule set missing: %v", err)
	}
	rs.AttachmentsKnown = true
	scored, _ := cfg.ClassifyRuleSet(*rs)
	return plan.Plan([]models.RuleSet{scored}, plan.Options{
		Threshold:      models.RiskCritical,
		AdminRuleSetID: "sg-admin",
		Classifier:     cfg,
	})
}

func newExecutor(store *fakeRuleStore, health providers.HealthChecker, attach providers.AttachmentProvider) *Executor {
	if attach == nil {
		attach = &fakeAttach{}
	}
	return NewExecutor(store, usage.NewAnalyzer(attach, nil), health, clock.New(), nil)
}

func fastOpts() Options {
	return Options{SettleInterval: 0, RetryBaseDelay: time.Millisecond}
}

func resultByID(t *testing.T, rep *models.ExecutionReport, id string) models.ActionResult {
	t.Helper()
	for _, r := range rep.Results {
		if r.ActionID == id {
			return r
		}
	}
	t.Fatalf("no result for action %s in %+v", id, rep.Results)
	return models.ActionResult{}
}

// TestExecute_HappyPath: add then remove both commit and the final rule
// content has no 0.0.0.0/0 rule for port 22.
func TestExecute_HappyPath(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)

	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rep.Verdict != models.VerdictSuccess {
		t.Errorf("verdict = %s; want success", rep.Verdict)
	}
	if rep.Committed != 2 {
		t.Errorf("committed = %d; want 2", rep.Committed)
	}
	for _, rule := range store.rules("sg-A") {
		if rule.Source.CIDR == "0.0.0.0/0" && rule.CoversPort(22) {
			t.Errorf("open SSH rule still present after execution: %+v", rule)
		}
	}
	// The replacement referencing the admin set must remain.
	found := false
	for _, rule := range store.rules("sg-A") {
		if rule.Source.RuleSetRef == "sg-admin" && rule.FromPort == 22 {
			found = true
		}
	}
	if !found {
		t.Error("restrictive replacement rule missing after execution")
	}
}

// TestExecute_RemoveWaitsForAddCommit: the provider call order proves the
// removal never stages before the paired add committed.
func TestExecute_RemoveWaitsForAddCommit(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)

	if _, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, fastOpts()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"add:sg-A", "remove:sg-A"}
	if diff := cmp.Diff(want, store.calls); diff != "" {
		t.Errorf("provider call order (-want +got):\n%s", diff)
	}
}

// TestExecute_HealthFailureRollsBack: unhealthy validation restores the
// rule content to exactly its pre-action state.
func TestExecute_HealthFailureRollsBack(t *testing.T) {
	initial := models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	}
	store := newFakeRuleStore(initial)
	session := planSGA(t, store)

	// Every probe reports unhealthy: the add rolls back, the dependent
	// remove is invalidated.
	health := &fakeHealth{results: []bool{false}}
	rep, err := newExecutor(store, health, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	addRes := resultByID(t, rep, session.Actions[0].ID)
	if addRes.FinalState != models.StateRolledBack {
		t.Errorf("add final state = %s; want ROLLED_BACK", addRes.FinalState)
	}
	if addRes.NoOpRollback {
		t.Error("health-triggered rollback must not be marked no-op")
	}
	rmRes := resultByID(t, rep, session.Actions[1].ID)
	if rmRes.FinalState != models.StateInvalidated {
		t.Errorf("dependent remove final state = %s; want INVALIDATED", rmRes.FinalState)
	}

	if !models.RulesContentEqual(store.rules("sg-A"), initial.Rules) {
		t.Errorf("rule content not restored after rollback:\n got %+v\nwant %+v",
			store.rules("sg-A"), initial.Rules)
	}
}

// TestExecute_RollbackRestoresMultiRuleContent: rolling back a removal
// re-adds the rule at the end of a multi-rule set; the restored content
// must still match the pre-removal state regardless of rule order.
func TestExecute_RollbackRestoresMultiRuleContent(t *testing.T) {
	web := models.Rule{
		Direction: models.DirectionIngress,
		Protocol:  "tcp",
		FromPort:  443,
		ToPort:    443,
		Source:    models.RuleSource{CIDR: "203.0.113.0/24"},
	}
	dns := models.Rule{
		Direction: models.DirectionIngress,
		Protocol:  "udp",
		FromPort:  53,
		ToPort:    53,
		Source:    models.RuleSource{CIDR: "10.0.0.0/8"},
	}
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{web, openSSH(), dns},
	})
	session := planSGA(t, store)

	// The add commits on a healthy probe; the dependent remove then fails
	// validation and re-adds the open rule.
	health := &fakeHealth{results: []bool{true, false}}
	rep, err := newExecutor(store, health, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	addRes := resultByID(t, rep, session.Actions[0].ID)
	if addRes.FinalState != models.StateCommitted {
		t.Fatalf("add final state = %s; want COMMITTED", addRes.FinalState)
	}
	rmRes := resultByID(t, rep, session.Actions[1].ID)
	if rmRes.FinalState != models.StateRolledBack || rmRes.NoOpRollback {
		t.Errorf("remove final state = %s no_op=%v; want a real ROLLED_BACK", rmRes.FinalState, rmRes.NoOpRollback)
	}

	want := []models.Rule{web, openSSH(), dns, session.Actions[0].Rule}
	if !models.RulesContentEqual(store.rules("sg-A"), want) {
		t.Errorf("rule content after rollback:\n got %+v\nwant (any order) %+v", store.rules("sg-A"), want)
	}
}

// TestExecute_ThrottleRetriesThenCommit: three throttles before success
// still commits, records the attempts, and triggers no rollback.
func TestExecute_ThrottleRetriesThenCommit(t *testing.T) {
	throttle := providers.NewError(providers.KindThrottled, "AddRule", errors.New("rate exceeded"))
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	store.addErrs = []error{throttle, throttle, throttle, nil}
	session := planSGA(t, store)

	opts := fastOpts()
	opts.MaxAttempts = 5
	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	addRes := resultByID(t, rep, session.Actions[0].ID)
	if addRes.FinalState != models.StateCommitted {
		t.Fatalf("add final state = %s; want COMMITTED", addRes.FinalState)
	}
	if addRes.Attempts != 4 {
		t.Errorf("attempts = %d; want 4 (3 throttles + success)", addRes.Attempts)
	}
	if rep.RolledBack != 0 {
		t.Errorf("throttling alone must not trigger rollback; rolled_back = %d", rep.RolledBack)
	}
}

// TestExecute_RetriesExhaustedIsNoOpRollback: staging that never succeeds
// terminates RolledBack without any mutation to undo.
func TestExecute_RetriesExhaustedIsNoOpRollback(t *testing.T) {
	throttle := providers.NewError(providers.KindThrottled, "AddRule", errors.New("rate exceeded"))
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	store.addErrs = []error{throttle, throttle, throttle, throttle}
	session := planSGA(t, store)

	opts := fastOpts()
	opts.MaxAttempts = 3
	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	addRes := resultByID(t, rep, session.Actions[0].ID)
	if addRes.FinalState != models.StateRolledBack || !addRes.NoOpRollback {
		t.Errorf("want no-op ROLLED_BACK, got state=%s no_op=%v", addRes.FinalState, addRes.NoOpRollback)
	}
	if addRes.Attempts != 3 {
		t.Errorf("attempts = %d; want 3", addRes.Attempts)
	}
	// Nothing was mutated.
	if len(store.rules("sg-A")) != 1 {
		t.Errorf("rule content changed despite staging never succeeding")
	}
}

// TestExecute_DeniedIsTerminalForActionOnly: a denied action terminates
// but the session is not aborted.
func TestExecute_DeniedIsTerminalForActionOnly(t *testing.T) {
	denied := providers.NewError(providers.KindDenied, "AddRule", errors.New("unauthorized"))
	store := newFakeRuleStore(
		models.RuleSet{ID: "sg-A", Name: "app", Region: "us-east-1", Rules: []models.Rule{openSSH()}},
		models.RuleSet{ID: "sg-Z", Name: "other", Region: "us-east-1", Rules: []models.Rule{openSSH()}},
	)
	store.addErrs = []error{denied} // first add denied; sg-Z's calls succeed

	cfg := classify.DefaultConfig()
	var scoredSets []models.RuleSet
	for _, id := range []string{"sg-A", "sg-Z"} {
		rs, _ := store.GetRuleSet(context.Background(), "us-east-1", id)
		rs.AttachmentsKnown = true
		scored, _ := cfg.ClassifyRuleSet(*rs)
		scoredSets = append(scoredSets, scored)
	}
	session := plan.Plan(scoredSets, plan.Options{
		Threshold: models.RiskCritical, AdminRuleSetID: "sg-admin", Classifier: cfg,
	})

	opts := fastOpts()
	opts.MaxConcurrentRuleSets = 1 // deterministic: sg-A group first
	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rep.Verdict != models.VerdictSuccess {
		t.Errorf("verdict = %s; want success (denied action does not abort session)", rep.Verdict)
	}
	if rep.Committed != 2 {
		t.Errorf("committed = %d; want sg-Z pair committed", rep.Committed)
	}
	if rep.RolledBack != 1 || rep.Invalidated != 1 {
		t.Errorf("want 1 no-op rollback + 1 invalidated dependent, got rb=%d inv=%d",
			rep.RolledBack, rep.Invalidated)
	}
}

// TestExecute_DriftInvalidates: content changed between plan and execute.
func TestExecute_DriftInvalidates(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)

	// External drift after planning.
	drift := openSSH()
	drift.FromPort, drift.ToPort = 8443, 8443
	drift.Source = models.RuleSource{CIDR: "10.0.0.0/24"}
	if err := store.AddRule(context.Background(), "us-east-1", "sg-A", drift); err != nil {
		t.Fatalf("seed drift: %v", err)
	}
	store.calls = nil

	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, res := range rep.Results {
		if res.FinalState != models.StateInvalidated {
			t.Errorf("action %s state = %s; want INVALIDATED on drift", res.ActionID, res.FinalState)
		}
	}
	if len(store.calls) != 0 {
		t.Errorf("drifted rule set must not be mutated; calls: %v", store.calls)
	}
}

// TestExecute_RollbackFailureDegrades: inverse call failing yields
// ROLLED_BACK_FAILED and a degraded verdict.
func TestExecute_RollbackFailureDegrades(t *testing.T) {
	denied := providers.NewError(providers.KindDenied, "RemoveRule", errors.New("unauthorized"))
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	// Add succeeds; health fails; inverse RemoveRule is denied.
	store.rmErrs = []error{denied}
	session := planSGA(t, store)

	health := &fakeHealth{results: []bool{false}}
	rep, err := newExecutor(store, health, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	addRes := resultByID(t, rep, session.Actions[0].ID)
	if addRes.FinalState != models.StateRolledBackFailed {
		t.Errorf("add final state = %s; want ROLLED_BACK_FAILED", addRes.FinalState)
	}
	if !rep.Degraded || rep.Verdict != models.VerdictDegraded {
		t.Errorf("want degraded report, got degraded=%v verdict=%s", rep.Degraded, rep.Verdict)
	}
}

// TestExecute_HealthErrorTreatedAsUnhealthy: a probe error triggers
// rollback just like an unhealthy result.
func TestExecute_HealthErrorTreatedAsUnhealthy(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)

	health := &fakeHealth{errs: []error{errors.New("probe timeout")}}
	rep, err := newExecutor(store, health, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	addRes := resultByID(t, rep, session.Actions[0].ID)
	if addRes.FinalState != models.StateRolledBack {
		t.Errorf("add final state = %s; want ROLLED_BACK on probe error", addRes.FinalState)
	}
}

// TestExecute_DryRun: no provider calls, every action Planned, success.
func TestExecute_DryRun(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)
	store.calls = nil

	opts := fastOpts()
	opts.DryRun = true
	rep, err := newExecutor(store, &fakeHealth{results: []bool{false}}, nil).Execute(context.Background(), session, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rep.Verdict != models.VerdictSuccess || !rep.DryRun {
		t.Errorf("dry run must succeed; verdict=%s dry_run=%v", rep.Verdict, rep.DryRun)
	}
	for _, res := range rep.Results {
		if res.FinalState != models.StatePlanned {
			t.Errorf("dry-run action %s state = %s; want PLANNED", res.ActionID, res.FinalState)
		}
	}
	if len(store.calls) != 0 {
		t.Errorf("dry run made provider calls: %v", store.calls)
	}
}

// TestExecute_DeleteVetoedWhenAttachmentAppears: an attachment that shows
// up between planning and execution vetoes the delete.
func TestExecute_DeleteVetoedWhenAttachmentAppears(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-stale", Name: "stale", Region: "us-east-1",
	})
	cfg := classify.DefaultConfig()
	rs, _ := store.GetRuleSet(context.Background(), "us-east-1", "sg-stale")
	rs.AttachmentsKnown = true
	scored, _ := cfg.ClassifyRuleSet(*rs)
	session := plan.Plan([]models.RuleSet{scored}, plan.Options{
		Threshold: models.RiskCritical, DeleteUnused: true, Classifier: cfg,
	})
	if len(session.Actions) != 1 || session.Actions[0].Kind != models.ActionDeleteUnusedRuleSet {
		t.Fatalf("expected a lone delete action, got %+v", session.Actions)
	}

	attach := &fakeAttach{refs: map[string][]models.AttachmentRef{
		"sg-stale": {{Kind: models.AttachmentCompute, ResourceID: "i-new"}},
	}}
	rep, err := newExecutor(store, &fakeHealth{}, attach).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := resultByID(t, rep, session.Actions[0].ID)
	if res.FinalState != models.StateInvalidated {
		t.Errorf("delete state = %s; want INVALIDATED veto", res.FinalState)
	}
	if _, err := store.GetRuleSet(context.Background(), "us-east-1", "sg-stale"); err != nil {
		t.Error("vetoed rule set was deleted anyway")
	}
}

// TestExecute_DeleteCommitsWhenUnattached covers the destructive path end
// to end: drift-free, still unattached, healthy.
func TestExecute_DeleteCommitsWhenUnattached(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-stale", Name: "stale", Region: "us-east-1",
	})
	cfg := classify.DefaultConfig()
	rs, _ := store.GetRuleSet(context.Background(), "us-east-1", "sg-stale")
	rs.AttachmentsKnown = true
	scored, _ := cfg.ClassifyRuleSet(*rs)
	session := plan.Plan([]models.RuleSet{scored}, plan.Options{
		Threshold: models.RiskCritical, DeleteUnused: true, Classifier: cfg,
	})

	rep, err := newExecutor(store, &fakeHealth{}, &fakeAttach{}).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Committed != 1 {
		t.Fatalf("committed = %d; want 1", rep.Committed)
	}
	if _, err := store.GetRuleSet(context.Background(), "us-east-1", "sg-stale"); !providers.IsNotFound(err) {
		t.Error("rule set still present after committed delete")
	}
}

// TestExecute_SettleIntervalUsesInjectedClock: with a mock clock the
// executor blocks on the settle timer until time is advanced, so the
// five-minute window costs tests nothing.
func TestExecute_SettleIntervalUsesInjectedClock(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)

	mock := clock.NewMock()
	exec := NewExecutor(store, usage.NewAnalyzer(&fakeAttach{}, nil), &fakeHealth{}, mock, nil)

	opts := fastOpts()
	opts.SettleInterval = DefaultSettleInterval

	done := make(chan *models.ExecutionReport, 1)
	go func() {
		rep, err := exec.Execute(context.Background(), session, opts)
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- rep
	}()

	// Drive the mock clock until the run finishes. Each Add releases any
	// timer armed since the last tick.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rep := <-done:
			if rep.Committed != 2 {
				t.Errorf("committed = %d; want 2", rep.Committed)
			}
			return
		case <-deadline:
			t.Fatal("executor did not finish; settle timer never fired on mock clock")
		default:
			mock.Add(time.Minute)
			time.Sleep(time.Millisecond)
		}
	}
}

// TestExecute_CancellationDropsPlannedActions: cancelling before the run
// leaves every action exactly Planned. The fake refuses reads on a dead
// context, so a drift fetch issued after cancellation would surface here
// as a spurious Invalidated result.
func TestExecute_CancellationDropsPlannedActions(t *testing.T) {
	store := newFakeRuleStore(models.RuleSet{
		ID: "sg-A", Name: "app", Region: "us-east-1",
		Rules: []models.Rule{openSSH()},
	})
	session := planSGA(t, store)
	store.calls = nil

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(ctx, session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, res := range rep.Results {
		if res.FinalState != models.StatePlanned {
			t.Errorf("action %s state = %s after pre-run cancel; want PLANNED", res.ActionID, res.FinalState)
		}
		if res.FailureReason != "run cancelled before action started" {
			t.Errorf("action %s reason = %q; want the cancellation reason", res.ActionID, res.FailureReason)
		}
	}
	if rep.Invalidated != 0 {
		t.Errorf("invalidated = %d; dropped actions must not count as drift", rep.Invalidated)
	}
	if len(store.calls) != 0 {
		t.Errorf("cancelled run called provider: %v", store.calls)
	}
}

func TestExecute_EmptySessionSucceeds(t *testing.T) {
	store := newFakeRuleStore()
	session := &models.RemediationSession{ID: "empty", Snapshot: map[string]models.RuleSet{}}
	rep, err := newExecutor(store, &fakeHealth{}, nil).Execute(context.Background(), session, fastOpts())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Verdict != models.VerdictSuccess {
		t.Errorf("empty session verdict = %s; want success", rep.Verdict)
	}
}
