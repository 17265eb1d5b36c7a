package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/planrun/planrun/pkg/errors"
	"github.com/planrun/planrun/pkg/gateway"
	"github.com/planrun/planrun/pkg/reliability"
	"github.com/planrun/planrun/pkg/results"
)

type updateCall struct {
	sessionID string
	patch     gateway.Patch
}

type fakeGateway struct {
	mu          sync.Mutex
	createID    string
	createErr   error
	fetchRecord *gateway.Record
	fetchErr    error
	updateErr   error
	deleteErr   error
	updates     []updateCall
	deletes     []string
}

func (f *fakeGateway) Create(ctx context.Context, planID string, caseIDs []string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createID == "" {
		return "sess-new", nil
	}
	return f.createID, nil
}

func (f *fakeGateway) Update(ctx context.Context, sessionID string, patch gateway.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, updateCall{sessionID: sessionID, patch: patch})
	return nil
}

func (f *fakeGateway) Fetch(ctx context.Context, sessionID string) (*gateway.Record, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchRecord, nil
}

func (f *fakeGateway) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, sessionID)
	return nil
}

func (f *fakeGateway) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeGateway) lastUpdate(t *testing.T) updateCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		t.Fatal("expected at least one gateway update")
	}
	return f.updates[len(f.updates)-1]
}

func noRetry() *reliability.RetryStrategy {
	return &reliability.RetryStrategy{MaxRetries: 0}
}

func startedMachine(t *testing.T, gw gateway.Gateway, caseIDs []string) *Machine {
	t.Helper()
	m := NewMachine(gw, WithRetryStrategy(noRetry()))
	err := m.Start(context.Background(), StartOptions{
		PlanID:  "plan-1",
		CaseIDs: caseIDs,
		Mode:    ModeNew,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return m
}

func TestStartNewCreatesRecord(t *testing.T) {
	gw := &fakeGateway{createID: "sess-1"}
	m := startedMachine(t, gw, []string{"c1", "c2"})

	if m.State() != StateInProgress {
		t.Errorf("state = %q, want in_progress", m.State())
	}
	if m.SessionID() != "sess-1" {
		t.Errorf("session id = %q, want sess-1", m.SessionID())
	}
	if m.Cursor() != 0 {
		t.Errorf("cursor = %d, want 0", m.Cursor())
	}
}

func TestStartNewFailsFastOnCreateError(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New(errors.ErrCodeTransientNetwork, "boom")}
	m := NewMachine(gw, WithRetryStrategy(noRetry()))

	err := m.Start(context.Background(), StartOptions{PlanID: "p", CaseIDs: []string{"c1"}, Mode: ModeNew})
	if err == nil {
		t.Fatal("expected create failure to surface")
	}
	if m.State() != StateInitializing {
		t.Errorf("state = %q, want initializing after failed start", m.State())
	}
}

func TestStartContinueRehydratesAndPositionsCursor(t *testing.T) {
	gw := &fakeGateway{
		fetchRecord: &gateway.Record{
			SessionID: "sess-7",
			PlanID:    "plan-1",
			CaseIDs:   []string{"c1", "c2", "c3"},
			Status:    gateway.StatusRunning,
			Results: []results.CaseResult{
				{CaseID: "c1", Outcome: results.OutcomePass, Completed: true},
			},
		},
	}
	m := NewMachine(gw, WithRetryStrategy(noRetry()))
	err := m.Start(context.Background(), StartOptions{
		PlanID:         "plan-1",
		CaseIDs:        []string{"c1", "c2", "c3"},
		PriorSessionID: "sess-7",
		Mode:           ModeContinue,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if m.SessionID() != "sess-7" {
		t.Errorf("session id = %q, want the prior sess-7", m.SessionID())
	}
	if m.Mode() != ModeContinue {
		t.Errorf("mode = %q, want continue", m.Mode())
	}
	if m.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1 (first incomplete)", m.Cursor())
	}
	if got := m.Stats(); got.Completed != 1 || got.Passed != 1 {
		t.Errorf("stats = %+v, want 1 completed 1 passed from rehydration", got)
	}

	call := gw.lastUpdate(t)
	if call.patch.Status == nil || *call.patch.Status != gateway.StatusRunning {
		t.Error("continue should mark the record running again")
	}
}

func TestStartContinueDegradesToNewOnFetchFailure(t *testing.T) {
	gw := &fakeGateway{
		createID: "sess-fresh",
		fetchErr: errors.New(errors.ErrCodeTransientNetwork, "gateway down"),
	}
	m := NewMachine(gw, WithRetryStrategy(noRetry()))
	err := m.Start(context.Background(), StartOptions{
		PlanID:         "plan-1",
		CaseIDs:        []string{"c1", "c2"},
		PriorSessionID: "sess-gone",
		Mode:           ModeContinue,
	})
	if err != nil {
		t.Fatalf("degraded start should succeed: %v", err)
	}
	if m.Mode() != ModeNew {
		t.Errorf("mode = %q, want downgrade to new", m.Mode())
	}
	if m.SessionID() != "sess-fresh" {
		t.Errorf("session id = %q, want the fresh record", m.SessionID())
	}
	if m.CompletedCount() != 0 {
		t.Error("degraded session must start empty")
	}
}

func TestStartReexecuteResetsResults(t *testing.T) {
	gw := &fakeGateway{
		fetchRecord: &gateway.Record{
			SessionID: "sess-7",
			PlanID:    "plan-1",
			CaseIDs:   []string{"c1", "c2"},
			Results: []results.CaseResult{
				{CaseID: "c1", Outcome: results.OutcomeFail, Completed: true},
				{CaseID: "c2", Outcome: results.OutcomePass, Completed: true},
			},
		},
	}
	m := NewMachine(gw, WithRetryStrategy(noRetry()))
	err := m.Start(context.Background(), StartOptions{
		PlanID:         "plan-1",
		CaseIDs:        []string{"c1", "c2"},
		PriorSessionID: "sess-7",
		Mode:           ModeReexecute,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if m.CompletedCount() != 0 {
		t.Error("re-execute must discard prior results locally")
	}
	if m.Cursor() != 0 {
		t.Errorf("cursor = %d, want 0", m.Cursor())
	}
	call := gw.lastUpdate(t)
	if !call.patch.ResetResults {
		t.Error("re-execute patch must request a server-side result reset")
	}
	if call.patch.Stats == nil || call.patch.Stats.Completed != 0 {
		t.Error("re-execute patch must zero the aggregate")
	}
}

func TestSubmitRequiresOutcomeAndActualResult(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1"})
	before := gw.updateCount()

	err := m.Submit(context.Background(), "c1", SubmitInput{ActualResult: "it worked"})
	if !errors.IsUserInput(err) {
		t.Errorf("missing outcome: got %v, want user-input error", err)
	}

	err = m.Submit(context.Background(), "c1", SubmitInput{Outcome: results.OutcomePass, ActualResult: "   "})
	if !errors.IsUserInput(err) {
		t.Errorf("blank actual result: got %v, want user-input error", err)
	}

	if m.CompletedCount() != 0 {
		t.Error("rejected submissions must not record a result")
	}
	if gw.updateCount() != before {
		t.Error("rejected submissions must not reach the gateway")
	}
}

func TestSubmitWritesResultAndAggregateTogether(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1", "c2"})

	err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome:      results.OutcomeFail,
		ActualResult: "button missing",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	call := gw.lastUpdate(t)
	if len(call.patch.Results) != 1 || call.patch.Results[0].CaseID != "c1" {
		t.Fatalf("patch results = %+v, want the single new result", call.patch.Results)
	}
	if call.patch.Stats == nil {
		t.Fatal("patch must carry the aggregate alongside the result")
	}
	if call.patch.Stats.Completed != 1 || call.patch.Stats.Failed != 1 || call.patch.Stats.Total != 2 {
		t.Errorf("aggregate = %+v, want total=2 completed=1 failed=1", call.patch.Stats)
	}
	if call.patch.Status != nil {
		t.Error("mid-session submit must not change the record status")
	}
	if m.Cursor() != 1 {
		t.Errorf("cursor = %d, want advance to 1", m.Cursor())
	}
}

func TestFinalSubmitCompletesSessionInOneWrite(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1"})

	err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome:      results.OutcomePass,
		ActualResult: "ok",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if m.State() != StateCompleted {
		t.Errorf("state = %q, want completed", m.State())
	}
	call := gw.lastUpdate(t)
	if call.patch.Status == nil || *call.patch.Status != gateway.StatusCompleted {
		t.Error("final patch must carry the completed status")
	}
	if call.patch.FinishedAt == nil {
		t.Error("final patch must carry finishedAt")
	}
	if call.patch.Stats == nil || len(call.patch.Results) != 1 {
		t.Error("final patch must still carry the result and aggregate")
	}
}

func TestSubmitDurationFromVisitTimestamp(t *testing.T) {
	gw := &fakeGateway{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	m := NewMachine(gw, WithRetryStrategy(noRetry()), WithClock(func() time.Time { return current }))
	if err := m.Start(context.Background(), StartOptions{PlanID: "p", CaseIDs: []string{"c1"}, Mode: ModeNew}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Visit(context.Background(), "c1"); err != nil {
		t.Fatalf("visit: %v", err)
	}
	current = base.Add(90 * time.Second)

	if err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "ok",
		ElapsedMs: 5, // advisory timer must lose to the real timestamp
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	call := gw.lastUpdate(t)
	if got := call.patch.Results[0].DurationMs; got != 90_000 {
		t.Errorf("duration = %dms, want 90000 from the visit timestamp", got)
	}
}

func TestSubmitFallsBackToAdvisoryTimer(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1"})

	// No Visit call: simulates a crash that lost the in-memory timestamp.
	err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "ok", ElapsedMs: 42_000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	call := gw.lastUpdate(t)
	if got := call.patch.Results[0].DurationMs; got != 42_000 {
		t.Errorf("duration = %dms, want the advisory 42000", got)
	}
}

func TestSubmitSwallowsProgressWriteFailure(t *testing.T) {
	gw := &fakeGateway{updateErr: errors.New(errors.ErrCodeTransientNetwork, "blip")}
	m := startedMachine(t, gw, []string{"c1", "c2"})

	err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "ok",
	})
	if err != nil {
		t.Fatalf("progress write failures must not fail the submit: %v", err)
	}
	if m.CompletedCount() != 1 {
		t.Error("local result must be recorded despite the dropped write")
	}
}

func TestSkipNeedsNoInput(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1", "c2"})

	if err := m.Skip(context.Background(), "c1"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	call := gw.lastUpdate(t)
	if call.patch.Results[0].Outcome != results.OutcomeSkip {
		t.Errorf("outcome = %q, want skip", call.patch.Results[0].Outcome)
	}
	if call.patch.Stats.Skipped != 1 {
		t.Errorf("aggregate skipped = %d, want 1", call.patch.Stats.Skipped)
	}
}

func TestCancelPreservesCompletedResults(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1", "c2", "c3"})
	if err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomeFail, ActualResult: "button missing",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := m.Cancel(context.Background(), "executor left"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if m.State() != StateCancelled {
		t.Errorf("state = %q, want cancelled", m.State())
	}
	call := gw.lastUpdate(t)
	if call.patch.Status == nil || *call.patch.Status != gateway.StatusCancelled {
		t.Error("cancel patch must carry the cancelled status")
	}
	if len(call.patch.Results) != 1 || call.patch.Results[0].CaseID != "c1" {
		t.Error("cancel patch must carry the completed results, never discard them")
	}
	if call.patch.Message == nil || *call.patch.Message != "executor left" {
		t.Error("cancel patch must carry the message")
	}
	if len(gw.deletes) != 0 {
		t.Error("cancel must never delete the record")
	}
}

func TestCancelSwallowsAlreadyDeleted(t *testing.T) {
	gw := &fakeGateway{updateErr: errors.New(errors.ErrCodeAlreadyDeleted, "gone")}
	m := startedMachine(t, gw, []string{"c1"})

	if err := m.Cancel(context.Background(), "cleanup"); err != nil {
		t.Fatalf("already-deleted on cancel must be benign: %v", err)
	}
	if m.State() != StateCancelled {
		t.Errorf("state = %q, want cancelled locally", m.State())
	}
}

func TestAbandonDeletesEmptyRun(t *testing.T) {
	gw := &fakeGateway{createID: "sess-1"}
	m := startedMachine(t, gw, []string{"c1", "c2"})

	if err := m.Abandon(context.Background()); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if m.State() != StateAbandoned {
		t.Errorf("state = %q, want abandoned", m.State())
	}
	if len(gw.deletes) != 1 || gw.deletes[0] != "sess-1" {
		t.Errorf("deletes = %v, want the session record", gw.deletes)
	}
}

func TestAbandonRejectedOnceResultsExist(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1", "c2"})
	if err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "ok",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := m.Abandon(context.Background()); err == nil {
		t.Fatal("abandon must be rejected once a result exists")
	}
	if len(gw.deletes) != 0 {
		t.Error("record must not be deleted")
	}
	if m.State() != StateInProgress {
		t.Errorf("state = %q, want still in progress", m.State())
	}
}

func TestUnfinishedPredicate(t *testing.T) {
	gw := &fakeGateway{}
	m := NewMachine(gw, WithRetryStrategy(noRetry()))
	if m.Unfinished() {
		t.Error("a machine that never requested a start has no work to lose")
	}

	if err := m.Start(context.Background(), StartOptions{PlanID: "p", CaseIDs: []string{"c1"}, Mode: ModeNew}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.Unfinished() {
		t.Error("an in-progress session with incomplete cases is unfinished")
	}

	if err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "ok",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Unfinished() {
		t.Error("a completed session is not unfinished")
	}
}

func TestTerminalStatesRejectFurtherOperations(t *testing.T) {
	gw := &fakeGateway{}
	m := startedMachine(t, gw, []string{"c1"})
	if err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "ok",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := m.Submit(context.Background(), "c1", SubmitInput{
		Outcome: results.OutcomePass, ActualResult: "again",
	}); err == nil {
		t.Error("submit after completion must fail")
	}
	if err := m.Cancel(context.Background(), "late"); err == nil {
		t.Error("cancel after completion must fail")
	}
	if err := m.Abandon(context.Background()); err == nil {
		t.Error("abandon after completion must fail")
	}
}
